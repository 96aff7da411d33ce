package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// Preference keys used by the application.
const (
	PrefTheme       = "theme"
	PrefAutoSync    = "auto_sync"
	PrefOfflineMode = "offline_mode"
)

// GetPref returns the stored preference value, or fallback when unset.
func (s *Store) GetPref(ctx context.Context, key, fallback string) (string, error) {
	var val string
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("get preference %s: %w", key, err)
	}
	return val, nil
}

// SetPref stores a preference value.
func (s *Store) SetPref(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO preferences (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// GetBoolPref returns a boolean preference, or fallback when unset or
// unparsable.
func (s *Store) GetBoolPref(ctx context.Context, key string, fallback bool) (bool, error) {
	raw, err := s.GetPref(ctx, key, strconv.FormatBool(fallback))
	if err != nil {
		return fallback, err
	}
	val, perr := strconv.ParseBool(raw)
	if perr != nil {
		return fallback, nil
	}
	return val, nil
}

// SetBoolPref stores a boolean preference.
func (s *Store) SetBoolPref(ctx context.Context, key string, value bool) error {
	return s.SetPref(ctx, key, strconv.FormatBool(value))
}
