package remote

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
)

// Change event kinds delivered to subscribers.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

const (
	heartbeatInterval = 25 * time.Second
	reconnectDelay    = time.Second
)

// ChangeHandler receives one row-level change. record is the new row for
// inserts/updates and the old row for deletes.
type ChangeHandler func(kind string, record []byte)

// Subscription is a live change-feed registration. Unsubscribe is safe to
// call more than once and after the underlying channel has already closed.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe tears the subscription down and waits for its goroutine.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// phoenix wire message, the framing the realtime endpoint speaks.
type phoenixMsg struct {
	Topic   string                 `json:"topic"`
	Event   string                 `json:"event"`
	Payload sonic.NoCopyRawMessage `json:"payload"`
	Ref     string                 `json:"ref"`
}

type changePayload struct {
	Data struct {
		Type      string                 `json:"type"`
		Record    sonic.NoCopyRawMessage `json:"record"`
		OldRecord sonic.NoCopyRawMessage `json:"old_record"`
	} `json:"data"`
}

// SubscribeChanges registers for insert/update/delete notifications on table,
// scoped to ownerID when non-empty. The handler runs on the subscription
// goroutine; it must not block for long. The connection is re-dialed with a
// short delay whenever it drops, until Unsubscribe or ctx cancellation.
func (c *Client) SubscribeChanges(ctx context.Context, table, ownerID string, onChange ChangeHandler) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for {
			if err := c.runFeed(subCtx, table, ownerID, onChange); err != nil && subCtx.Err() == nil {
				c.logger.WithError(err).WithField("table", table).
					Warn("realtime feed dropped, reconnecting")
			}
			select {
			case <-subCtx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()
	return sub
}

var feedRef atomic.Int64

func nextRef() string { return strconv.FormatInt(feedRef.Add(1), 10) }

func (c *Client) runFeed(ctx context.Context, table, ownerID string, onChange ChangeHandler) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/realtime/v1/websocket?apikey=" + c.apiKey + "&vsn=1.0.0"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return classifyTransport(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	topic := "realtime:public:" + table
	join := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{changeSpec(table, ownerID)},
		},
	}
	if err := writePhoenix(ctx, conn, topic, "phx_join", join); err != nil {
		return err
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// connCtx scopes the reader to this dial; cancelled on every exit path so
	// a write failure cannot strand the reader mid-send until Unsubscribe.
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-connCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return classifyTransport(err)
		case <-heartbeat.C:
			if err := writePhoenix(ctx, conn, "phoenix", "heartbeat", map[string]any{}); err != nil {
				return err
			}
		case data := <-msgs:
			var msg phoenixMsg
			if err := sonic.ConfigStd.Unmarshal(data, &msg); err != nil {
				c.logger.WithError(err).Debug("unparseable realtime frame")
				continue
			}
			if msg.Event != "postgres_changes" {
				continue
			}
			var change changePayload
			if err := sonic.ConfigStd.Unmarshal(msg.Payload, &change); err != nil {
				c.logger.WithError(err).Debug("unparseable change payload")
				continue
			}
			record := []byte(change.Data.Record)
			if change.Data.Type == ChangeDelete {
				record = []byte(change.Data.OldRecord)
			}
			onChange(change.Data.Type, record)
		}
	}
}

func changeSpec(table, ownerID string) map[string]string {
	spec := map[string]string{"event": "*", "schema": "public", "table": table}
	if ownerID != "" {
		spec["filter"] = "user_id=eq." + ownerID
	}
	return spec
}

func writePhoenix(ctx context.Context, conn *websocket.Conn, topic, event string, payload any) error {
	raw, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindUnknown, Message: "encode frame: " + err.Error(), cause: err}
	}
	frame, err := sonic.ConfigStd.Marshal(phoenixMsg{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     nextRef(),
	})
	if err != nil {
		return &Error{Kind: KindUnknown, Message: "encode frame: " + err.Error(), cause: err}
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return classifyTransport(err)
	}
	return nil
}
