package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"worklog-api/domain"
	"worklog-api/localstore"
	"worklog-api/remote"
)

// fakeRemote is an in-memory RemoteStore. Set fail to simulate an offline
// backend; every call then returns a network error.
type fakeRemote struct {
	mu      sync.Mutex
	rows    map[string]map[string][]byte // table -> id -> record
	fail    bool
	upserts int
	deletes int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string]map[string][]byte)}
}

func (f *fakeRemote) offline() *remote.Error {
	return &remote.Error{Kind: remote.KindNetwork, Message: "connection refused"}
}

func (f *fakeRemote) table(name string) map[string][]byte {
	if f.rows[name] == nil {
		f.rows[name] = make(map[string][]byte)
	}
	return f.rows[name]
}

func (f *fakeRemote) put(table string, record []byte) ([]byte, error) {
	var fields map[string]any
	if err := sonic.ConfigStd.Unmarshal(record, &fields); err != nil {
		return nil, err
	}
	id, _ := fields["id"].(string)
	stored := append([]byte(nil), record...)
	f.table(table)[id] = stored
	return stored, nil
}

func (f *fakeRemote) Select(ctx context.Context, table string, filters []remote.Filter, order string, limit int) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, f.offline()
	}
	var out [][]byte
	for _, rec := range f.table(table) {
		if matchesRemoteFilters(rec, filters) {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRemote) SelectSingle(ctx context.Context, table string, filters []remote.Filter) ([]byte, error) {
	rows, err := f.Select(ctx, table, filters, "", 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &remote.Error{Kind: remote.KindNotFound, Message: "no rows"}
	}
	return rows[0], nil
}

func (f *fakeRemote) Insert(ctx context.Context, table string, record []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, f.offline()
	}
	return f.put(table, record)
}

func (f *fakeRemote) Upsert(ctx context.Context, table string, record []byte, onConflict string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, f.offline()
	}
	f.upserts++
	return f.put(table, record)
}

func (f *fakeRemote) Update(ctx context.Context, table, key string, patch []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, f.offline()
	}
	existing, ok := f.table(table)[key]
	if !ok {
		return nil, &remote.Error{Kind: remote.KindNotFound, Message: "no rows"}
	}
	var fields map[string]any
	if err := sonic.ConfigStd.Unmarshal(existing, &fields); err != nil {
		return nil, err
	}
	var changes map[string]any
	if err := sonic.ConfigStd.Unmarshal(patch, &changes); err != nil {
		return nil, err
	}
	for k, v := range changes {
		fields[k] = v
	}
	merged, err := sonic.ConfigStd.Marshal(fields)
	if err != nil {
		return nil, err
	}
	f.table(table)[key] = merged
	return merged, nil
}

func (f *fakeRemote) Delete(ctx context.Context, table, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return f.offline()
	}
	f.deletes++
	delete(f.table(table), key)
	return nil
}

func (f *fakeRemote) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeRemote) record(table, id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.table(table)[id]
	return rec, ok
}

func matchesRemoteFilters(record []byte, filters []remote.Filter) bool {
	var fields map[string]any
	if err := sonic.ConfigStd.Unmarshal(record, &fields); err != nil {
		return false
	}
	for _, f := range filters {
		val := fields[f.Column]
		switch f.Op {
		case "eq":
			switch v := val.(type) {
			case string:
				if v != f.Value {
					return false
				}
			case bool:
				if (f.Value == "true") != v {
					return false
				}
			default:
				if f.Value != "" && val == nil {
					return false
				}
			}
		case "gte":
			if s, _ := val.(string); s < f.Value {
				return false
			}
		case "lte":
			if s, _ := val.(string); s > f.Value {
				return false
			}
		}
	}
	return true
}

// fakeIdentity is a settable Identity.
type fakeIdentity struct {
	user domain.User
	auth bool
}

func (f *fakeIdentity) CurrentUser() domain.User { return f.user }
func (f *fakeIdentity) Authenticated() bool      { return f.auth }

func authedIdentity() *fakeIdentity {
	return &fakeIdentity{user: domain.User{ID: "u1", Email: "u1@example.com"}, auth: true}
}

// noopHealer never heals and reports full capabilities.
type noopHealer struct {
	caps *remote.Capabilities
}

func newNoopHealer() *noopHealer { return &noopHealer{caps: remote.NewCapabilities()} }

func (h *noopHealer) HealFromError(ctx context.Context, table string, err error) bool { return false }
func (h *noopHealer) Capabilities() *remote.Capabilities                              { return h.caps }

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func openTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
