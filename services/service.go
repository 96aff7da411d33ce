// Package services presents one read/write API per entity type, blending the
// local cache and the remote backend: cache-first reads with background
// refresh, local-first writes with enqueue-on-failure.
package services

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"worklog-api/domain"
	"worklog-api/localstore"
	"worklog-api/remote"
)

const backgroundRefreshTimeout = 30 * time.Second

// RemoteStore is the backend surface the services consume. Satisfied by
// *remote.Client; faked in tests.
type RemoteStore interface {
	Select(ctx context.Context, table string, filters []remote.Filter, order string, limit int) ([][]byte, error)
	SelectSingle(ctx context.Context, table string, filters []remote.Filter) ([]byte, error)
	Insert(ctx context.Context, table string, record []byte) ([]byte, error)
	Upsert(ctx context.Context, table string, record []byte, onConflict string) ([]byte, error)
	Update(ctx context.Context, table, key string, patch []byte) ([]byte, error)
	Delete(ctx context.Context, table, key string) error
}

// SchemaHealer reacts to schema mismatches and answers capability queries.
// Satisfied by *remote.Healer.
type SchemaHealer interface {
	HealFromError(ctx context.Context, table string, err error) bool
	Capabilities() *remote.Capabilities
}

// Identity supplies the current owner. Satisfied by *session.Session.
type Identity interface {
	CurrentUser() domain.User
	Authenticated() bool
}

// deps is the shared wiring for all entity services.
type deps struct {
	local  *localstore.Store
	remote RemoteStore
	healer SchemaHealer
	sess   Identity
	logger *log.Logger
}

func (d *deps) ownerID() string {
	return d.sess.CurrentUser().ID
}

// ownerFilter returns the owner-scoped filter for table, or nil when the
// owner column is not available remotely (schema-degraded deployments) or
// the identity is guest. Callers fall back to owner-agnostic queries.
func (d *deps) ownerFilter(table string) []remote.Filter {
	user := d.sess.CurrentUser()
	if user.IsGuest() {
		return nil
	}
	if d.healer != nil && !d.healer.Capabilities().HasColumn(table, "user_id") {
		return nil
	}
	return []remote.Filter{remote.Eq("user_id", user.ID)}
}

// withHeal runs op and, on a schema mismatch that healing repaired, retries
// it exactly once.
func (d *deps) withHeal(ctx context.Context, table string, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if d.healer != nil && d.healer.HealFromError(ctx, table, err) {
		return op()
	}
	return err
}

// background runs fn detached from the caller with its own deadline. Used
// for cache refreshes the caller intentionally does not wait on.
func (d *deps) background(name string, fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithField("task", name).Errorf("background refresh panicked: %v", r)
			}
		}()
		fn(ctx)
	}()
}

// enqueue records a failed remote write for later replay. A queue failure is
// logged and swallowed: the local copy already holds the change and the next
// full refresh reconciles.
func (d *deps) enqueue(ctx context.Context, table, kind string, payload []byte) {
	if _, err := d.local.EnqueueAction(ctx, table, kind, payload); err != nil {
		d.logger.WithError(err).WithFields(log.Fields{"table": table, "kind": kind}).
			Error("failed to queue offline action")
		return
	}
	d.logger.WithFields(log.Fields{"table": table, "kind": kind}).Debug("queued offline action")
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }
