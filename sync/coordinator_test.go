package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"worklog-api/domain"
	"worklog-api/localstore"
	"worklog-api/remote"
)

type replayCall struct {
	op         string
	table      string
	payload    string
	onConflict string
	key        string
}

// recordingRemote captures replay traffic. failIDs makes writes mentioning
// those ids fail with a network error.
type recordingRemote struct {
	mu      sync.Mutex
	calls   []replayCall
	failIDs map[string]bool
}

func newRecordingRemote() *recordingRemote {
	return &recordingRemote{failIDs: make(map[string]bool)}
}

func (r *recordingRemote) record(c replayCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.failIDs {
		if c.key == id || (c.payload != "" && containsID(c.payload, id)) {
			return &remote.Error{Kind: remote.KindNetwork, Message: "connection refused"}
		}
	}
	r.calls = append(r.calls, c)
	return nil
}

func containsID(payload, id string) bool {
	return strings.Contains(payload, `"id":"`+id+`"`)
}

func (r *recordingRemote) Select(ctx context.Context, table string, filters []remote.Filter, order string, limit int) ([][]byte, error) {
	return nil, nil
}

func (r *recordingRemote) SelectSingle(ctx context.Context, table string, filters []remote.Filter) ([]byte, error) {
	return nil, &remote.Error{Kind: remote.KindNotFound, Message: "no rows"}
}

func (r *recordingRemote) Insert(ctx context.Context, table string, record []byte) ([]byte, error) {
	return nil, r.record(replayCall{op: "insert", table: table, payload: string(record)})
}

func (r *recordingRemote) Upsert(ctx context.Context, table string, record []byte, onConflict string) ([]byte, error) {
	return nil, r.record(replayCall{op: "upsert", table: table, payload: string(record), onConflict: onConflict})
}

func (r *recordingRemote) Update(ctx context.Context, table, key string, patch []byte) ([]byte, error) {
	return nil, r.record(replayCall{op: "update", table: table, key: key, payload: string(patch)})
}

func (r *recordingRemote) Delete(ctx context.Context, table, key string) error {
	return r.record(replayCall{op: "delete", table: table, key: key})
}

func (r *recordingRemote) replayed() []replayCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]replayCall, len(r.calls))
	copy(out, r.calls)
	return out
}

type fakeIdentity struct {
	user domain.User
	auth bool
}

func (f *fakeIdentity) CurrentUser() domain.User { return f.user }
func (f *fakeIdentity) Authenticated() bool      { return f.auth }

type noopHealer struct {
	caps *remote.Capabilities
}

func (h *noopHealer) HealFromError(ctx context.Context, table string, err error) bool { return false }
func (h *noopHealer) Capabilities() *remote.Capabilities                              { return h.caps }

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func newTestCoordinator(t *testing.T, rc *recordingRemote, authed bool) (*Coordinator, *localstore.Store) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := NewCoordinator(Config{
		Local:   store,
		Remote:  rc,
		Healer:  &noopHealer{caps: remote.NewCapabilities()},
		Session: &fakeIdentity{user: domain.User{ID: "u1"}, auth: authed},
		Pinger:  okPinger{},
		Logger:  quietLogger(),
	})
	return c, store
}

func TestSyncNowRequiresAuthentication(t *testing.T) {
	rc := newRecordingRemote()
	c, store := newTestCoordinator(t, rc, false)
	ctx := context.Background()

	if _, err := store.EnqueueAction(ctx, localstore.TableTasks, domain.ActionCreate, []byte(`{"id":"t1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := c.SyncNow(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if len(rc.replayed()) != 0 {
		t.Fatal("guest sessions must not touch the backend")
	}
	if depth, _ := store.UnsyncedActionCount(ctx); depth != 1 {
		t.Fatalf("queue must be untouched, depth %d", depth)
	}
}

func TestSyncNowDrainsInTimestampOrder(t *testing.T) {
	rc := newRecordingRemote()
	c, store := newTestCoordinator(t, rc, true)
	ctx := context.Background()

	if _, err := store.EnqueueAction(ctx, localstore.TableTasks, domain.ActionCreate, []byte(`{"id":"t1","title":"first"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.EnqueueAction(ctx, localstore.TableTasks, domain.ActionUpdate, []byte(`{"id":"t1","title":"second"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := c.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	calls := rc.replayed()
	if len(calls) != 2 {
		t.Fatalf("expected 2 replays, got %d", len(calls))
	}
	if !strings.Contains(calls[0].payload, "first") || !strings.Contains(calls[1].payload, "second") {
		t.Fatalf("expected enqueue order preserved: %+v", calls)
	}
	if depth, _ := store.UnsyncedActionCount(ctx); depth != 0 {
		t.Fatalf("expected drained queue, depth %d", depth)
	}

	status := c.Status(ctx)
	if status.State != StateIdle || status.LastSync.IsZero() {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestFailedActionIsSkippedAndKept(t *testing.T) {
	rc := newRecordingRemote()
	rc.failIDs["bad"] = true
	c, store := newTestCoordinator(t, rc, true)
	ctx := context.Background()

	store.EnqueueAction(ctx, localstore.TableTasks, domain.ActionCreate, []byte(`{"id":"bad","title":"x"}`))
	store.EnqueueAction(ctx, localstore.TableTasks, domain.ActionCreate, []byte(`{"id":"good","title":"y"}`))

	if err := c.SyncNow(ctx); err != nil {
		t.Fatalf("a failing action must not abort the batch: %v", err)
	}

	calls := rc.replayed()
	if len(calls) != 1 || !strings.Contains(calls[0].payload, "good") {
		t.Fatalf("expected only the good action replayed, got %+v", calls)
	}
	actions, _ := store.ListUnsyncedActions(ctx)
	if len(actions) != 1 || !strings.Contains(string(actions[0].Payload), "bad") {
		t.Fatalf("failed action must stay queued, got %+v", actions)
	}
}

func TestSyncNowStaysOfflineWhenEveryReplayFails(t *testing.T) {
	rc := newRecordingRemote()
	rc.failIDs["t1"] = true
	c, store := newTestCoordinator(t, rc, true)
	ctx := context.Background()

	store.EnqueueAction(ctx, localstore.TableTasks, domain.ActionCreate, []byte(`{"id":"t1","title":"x"}`))

	if err := c.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	status := c.Status(ctx)
	if status.State != StateOffline || status.Online {
		t.Fatalf("no round-trip succeeded, status must stay offline: %+v", status)
	}
	if !status.LastSync.IsZero() {
		t.Fatal("a fully failed pass is not a sync")
	}
	if depth, _ := store.UnsyncedActionCount(ctx); depth != 1 {
		t.Fatalf("failed action must stay queued, depth %d", depth)
	}
}

func TestDeleteActionReplaysAsDelete(t *testing.T) {
	rc := newRecordingRemote()
	c, store := newTestCoordinator(t, rc, true)
	ctx := context.Background()

	store.EnqueueAction(ctx, localstore.TableDailyReports, domain.ActionDelete, []byte(`{"id":"r1"}`))

	if err := c.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	calls := rc.replayed()
	if len(calls) != 1 || calls[0].op != "delete" || calls[0].key != "r1" {
		t.Fatalf("expected delete of r1, got %+v", calls)
	}
}

func TestDailyReplayUsesOwnerDateConflictKey(t *testing.T) {
	rc := newRecordingRemote()
	c, store := newTestCoordinator(t, rc, true)
	ctx := context.Background()

	store.EnqueueAction(ctx, localstore.TableDailyReports, domain.ActionUpdate,
		[]byte(`{"id":"r1","user_id":"u1","date":"2025-03-10"}`))
	store.EnqueueAction(ctx, localstore.TableTasks, domain.ActionUpdate, []byte(`{"id":"t1"}`))

	if err := c.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for _, call := range rc.replayed() {
		switch call.table {
		case localstore.TableDailyReports:
			if call.onConflict != "user_id,date" {
				t.Fatalf("daily replay conflict key = %q", call.onConflict)
			}
		case localstore.TableTasks:
			if call.onConflict != "id" {
				t.Fatalf("task replay conflict key = %q", call.onConflict)
			}
		}
	}
}

func TestApplyChangeUpdatesCache(t *testing.T) {
	rc := newRecordingRemote()
	c, store := newTestCoordinator(t, rc, true)
	ctx := context.Background()

	c.applyChange(localstore.TableTasks, remote.ChangeInsert, []byte(`{"id":"t1","title":"pushed"}`))
	task, ok, _ := localstore.Get[domain.Task](ctx, store, localstore.TableTasks, "t1")
	if !ok || task.Title != "pushed" {
		t.Fatalf("expected cached task, got ok=%v %+v", ok, task)
	}

	c.applyChange(localstore.TableTasks, remote.ChangeDelete, []byte(`{"id":"t1"}`))
	if _, ok, _ := localstore.Get[domain.Task](ctx, store, localstore.TableTasks, "t1"); ok {
		t.Fatal("expected row dropped after delete event")
	}
}
