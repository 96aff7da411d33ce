package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Table DDL used for proactive healing at startup. Kept minimal: row-level
// security policies and grants belong to backend provisioning, not this
// client.
var TableDDL = map[string]string{
	"tasks": `CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'todo',
		priority TEXT NOT NULL DEFAULT 'medium',
		due_date TEXT,
		tags JSONB,
		project_id TEXT,
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now(),
		is_deleted BOOLEAN NOT NULL DEFAULT false
	)`,
	"projects": `CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		name TEXT NOT NULL,
		description TEXT,
		color TEXT,
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now(),
		is_archived BOOLEAN NOT NULL DEFAULT false
	)`,
	"daily_reports": `CREATE TABLE IF NOT EXISTS daily_reports (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		date TEXT NOT NULL,
		task_id TEXT,
		task_name TEXT,
		should_complete TEXT,
		completed TEXT,
		uncompleted TEXT,
		plan_hours TEXT,
		actual_hours TEXT,
		remarks TEXT,
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now(),
		UNIQUE (user_id, date)
	)`,
	"weekly_reports": `CREATE TABLE IF NOT EXISTS weekly_reports (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		summary TEXT,
		completed_tasks TEXT,
		next_week_plan TEXT,
		issues TEXT,
		remarks TEXT,
		created_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now()
	)`,
}

// Columns added after the original schema shipped. Healing probes these at
// startup so filters can degrade when a deployment lags.
var LateColumns = []struct {
	Table, Column, Type string
}{
	{"daily_reports", "user_id", "TEXT"},
}

// Capabilities caches which schema elements are known to exist remotely.
// Probed once at startup and updated by healing; services consult it to
// decide whether owner filters are safe.
type Capabilities struct {
	mu   sync.RWMutex
	cols map[string]bool // "table.column" -> exists
}

func NewCapabilities() *Capabilities {
	return &Capabilities{cols: make(map[string]bool)}
}

// HasColumn reports whether the column is known to exist. Unprobed columns
// are assumed present so the common case pays no probe.
func (c *Capabilities) HasColumn(table, column string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exists, probed := c.cols[table+"."+column]
	return !probed || exists
}

// SetColumn records a probe or repair outcome.
func (c *Capabilities) SetColumn(table, column string, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cols[table+"."+column] = exists
}

// Healer performs best-effort schema repair through the privileged
// execute_sql procedure. Every failure path degrades to "column/table is not
// available"; nothing here ever propagates an error to the user.
type Healer struct {
	client *Client
	caps   *Capabilities
	logger *log.Logger
}

func NewHealer(client *Client, caps *Capabilities, logger *log.Logger) *Healer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Healer{client: client, caps: caps, logger: logger}
}

// Capabilities returns the shared capability set.
func (h *Healer) Capabilities() *Capabilities { return h.caps }

// EnsureColumn probes for the column and, when missing, attempts
// ALTER TABLE ... ADD COLUMN IF NOT EXISTS through execute_sql. It returns
// whether the column is now known to exist. Lack of privilege degrades to
// false. Only a schema mismatch marks the column absent in the capability
// cache; a transport or auth failure proves nothing about the schema, so the
// capability stays unset and a later pass re-probes.
func (h *Healer) EnsureColumn(ctx context.Context, table, column, columnType string) bool {
	err := h.probeColumn(ctx, table, column)
	if err == nil {
		h.caps.SetColumn(table, column, true)
		return true
	}
	if KindOf(err) != KindSchemaMismatch {
		return false
	}

	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s;", table, column, columnType)
	if _, err := h.client.RPC(ctx, "execute_sql", map[string]string{"query": ddl}); err != nil {
		h.logger.WithError(err).WithFields(log.Fields{"table": table, "column": column}).
			Warn("schema repair unavailable, degrading to column-less queries")
		h.caps.SetColumn(table, column, false)
		return false
	}

	switch err := h.probeColumn(ctx, table, column); {
	case err == nil:
		h.caps.SetColumn(table, column, true)
		h.logger.WithFields(log.Fields{"table": table, "column": column}).Info("added missing column")
		return true
	case KindOf(err) == KindSchemaMismatch:
		h.caps.SetColumn(table, column, false)
		return false
	default:
		return false
	}
}

// EnsureTable probes for the table and, when missing, attempts to create it
// through execute_sql. Returns whether the table is now known to exist.
func (h *Healer) EnsureTable(ctx context.Context, table, ddl string) bool {
	err := h.probeTable(ctx, table)
	if err == nil {
		return true
	}
	if KindOf(err) != KindSchemaMismatch {
		// Unreachable backend or auth trouble; nothing to heal.
		return false
	}

	if _, rpcErr := h.client.RPC(ctx, "execute_sql", map[string]string{"query": ddl}); rpcErr != nil {
		h.logger.WithError(rpcErr).WithField("table", table).
			Warn("schema repair unavailable, table stays missing")
		return false
	}
	if err := h.probeTable(ctx, table); err != nil {
		return false
	}
	h.logger.WithField("table", table).Info("created missing table")
	return true
}

// HealFromError inspects a remote failure and repairs the implicated column
// when it names one. Returns true when the caller should retry the original
// operation exactly once.
func (h *Healer) HealFromError(ctx context.Context, table string, err error) bool {
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindSchemaMismatch {
		return false
	}
	column := re.Column
	if column == "" {
		return false
	}
	columnType := "TEXT"
	for _, lc := range LateColumns {
		if lc.Table == table && lc.Column == column {
			columnType = lc.Type
		}
	}
	return h.EnsureColumn(ctx, table, column, columnType)
}

// Startup runs the proactive pass: ensure every entity table exists and probe
// the known late columns. All failures are swallowed; the privileged
// procedure may simply not exist in this environment.
func (h *Healer) Startup(ctx context.Context) {
	for table, ddl := range TableDDL {
		if !h.EnsureTable(ctx, table, ddl) {
			h.logger.WithField("table", table).Debug("table not confirmed at startup")
		}
	}
	for _, lc := range LateColumns {
		h.EnsureColumn(ctx, lc.Table, lc.Column, lc.Type)
	}
}

// probeColumn selects the column itself; a bare table select succeeds even
// when the column is missing, so the targeted select is the authoritative
// probe. The caller classifies the error.
func (h *Healer) probeColumn(ctx context.Context, table, column string) error {
	_, err := h.client.do(ctx, "GET", h.client.tableURL(table)+"?select="+column+"&limit=1", nil, nil)
	return err
}

func (h *Healer) probeTable(ctx context.Context, table string) error {
	_, err := h.client.Select(ctx, table, nil, "", 1)
	return err
}
