package storage

import (
	"context"
	"errors"
	"time"

	"notivox/internal/config"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": process-local store (no persistence)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AppRecord is the stored shape of one app's preferences.
// Keep it compact and schema-stable.
type AppRecord struct {
	Package  string
	Label    string
	Enabled  *bool // nil = follow global default
	Priority bool

	Overrides     []config.ConditionRule
	Substitutions []config.SubstitutionRule
}

// HasOverride reports whether any per-app rules are stored.
func (r AppRecord) HasOverride() bool {
	return len(r.Overrides) > 0 || len(r.Substitutions) > 0
}

// Store is the persistence API used by the app registry.
type Store interface {
	// LoadApps returns every stored record, ordered by label (case-insensitive).
	LoadApps(ctx context.Context) ([]AppRecord, error)
	// UpsertApp inserts or fully replaces a record by package.
	UpsertApp(ctx context.Context, rec AppRecord) error
	// SetEnabled updates only the enabled flag; nil resets to "unset".
	SetEnabled(ctx context.Context, pkg string, enabled *bool) error
	// ClearOverrides removes the per-app rules, leaving the enabled flag.
	ClearOverrides(ctx context.Context, pkg string) error
	// RemoveApp deletes a record (app uninstall cleanup).
	RemoveApp(ctx context.Context, pkg string) error
	Close() error
}
