package domain

import "github.com/bytedance/sonic"

// Pending action kinds.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// PendingAction is one queued write that has not been confirmed against the
// backend. Actions for the same table replay in Timestamp order.
type PendingAction struct {
	ID        int64                  `json:"id"`
	Table     string                 `json:"table"`
	Kind      string                 `json:"kind"`
	Payload   sonic.NoCopyRawMessage `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
	Synced    bool                   `json:"synced"`
}
