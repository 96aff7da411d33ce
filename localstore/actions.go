package localstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"worklog-api/domain"
)

var lastActionTimestamp int64

// nextActionTimestamp returns a strictly increasing unix-nano timestamp so
// two actions enqueued within the same clock tick still replay in enqueue
// order.
func nextActionTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastActionTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastActionTimestamp, last, now) {
			return now
		}
	}
}

// EnqueueAction appends a pending action with synced=false and returns it.
// The synced flag is stored as 0/1; that encoding never leaves this package.
func (s *Store) EnqueueAction(ctx context.Context, table, kind string, payload []byte) (domain.PendingAction, error) {
	action := domain.PendingAction{
		Table:     table,
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		Timestamp: nextActionTimestamp(),
	}
	res, err := s.conn.ExecContext(ctx,
		"INSERT INTO pending_actions (tbl, kind, payload, ts, synced) VALUES (?, ?, ?, ?, 0)",
		action.Table, action.Kind, action.Payload, action.Timestamp)
	if err != nil {
		return domain.PendingAction{}, fmt.Errorf("enqueue %s %s: %w", kind, table, err)
	}
	action.ID, err = res.LastInsertId()
	if err != nil {
		return domain.PendingAction{}, fmt.Errorf("enqueue %s %s: %w", kind, table, err)
	}
	return action, nil
}

// ListUnsyncedActions returns all pending actions not yet confirmed against
// the backend, oldest first.
func (s *Store) ListUnsyncedActions(ctx context.Context) ([]domain.PendingAction, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, tbl, kind, payload, ts FROM pending_actions WHERE synced = 0 ORDER BY ts ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("list unsynced actions: %w", err)
	}
	defer rows.Close()

	var actions []domain.PendingAction
	for rows.Next() {
		var a domain.PendingAction
		var payload []byte
		if err := rows.Scan(&a.ID, &a.Table, &a.Kind, &payload, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("list unsynced actions: %w", err)
		}
		a.Payload = payload
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unsynced actions: %w", err)
	}
	return actions, nil
}

// MarkActionSynced flags one action as replayed. Unknown ids are ignored.
func (s *Store) MarkActionSynced(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx, "UPDATE pending_actions SET synced = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("mark action %d synced: %w", id, err)
	}
	return nil
}

// PurgeSyncedActions deletes confirmed actions older than the cutoff to keep
// the queue table from growing without bound.
func (s *Store) PurgeSyncedActions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.conn.ExecContext(ctx, "DELETE FROM pending_actions WHERE synced = 1 AND ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge synced actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnsyncedActionCount reports the current queue depth.
func (s *Store) UnsyncedActionCount(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_actions WHERE synced = 0").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsynced actions: %w", err)
	}
	return n, nil
}
