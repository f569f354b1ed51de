package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"notivox/internal/config"
	"notivox/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadApps(ctx context.Context) ([]AppRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT package, name, is_enabled, is_priority, overrides, substitutions
		 FROM apps ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppRecord
	for rows.Next() {
		var (
			rec      AppRecord
			enabled  sql.NullInt64
			priority int
			ovJSON   string
			subJSON  string
		)
		if err := rows.Scan(&rec.Package, &rec.Label, &enabled, &priority, &ovJSON, &subJSON); err != nil {
			return nil, err
		}
		if enabled.Valid {
			v := enabled.Int64 != 0
			rec.Enabled = &v
		}
		rec.Priority = priority != 0
		rec.Overrides = decodeOverrides(s.log, rec.Package, ovJSON)
		rec.Substitutions = decodeSubstitutions(s.log, rec.Package, subJSON)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertApp(ctx context.Context, rec AppRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.Package == "" {
		return errors.New("package is required")
	}
	ovJSON, err := json.Marshal(orEmptyRules(rec.Overrides))
	if err != nil {
		return err
	}
	subJSON, err := json.Marshal(orEmptySubs(rec.Substitutions))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO apps(package, name, is_enabled, is_priority, overrides, substitutions)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(package) DO UPDATE SET
		   name=excluded.name,
		   is_enabled=excluded.is_enabled,
		   is_priority=excluded.is_priority,
		   overrides=excluded.overrides,
		   substitutions=excluded.substitutions`,
		rec.Package, rec.Label, nullBool(rec.Enabled), boolInt(rec.Priority),
		string(ovJSON), string(subJSON),
	)
	return err
}

func (s *sqliteStore) SetEnabled(ctx context.Context, pkg string, enabled *bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE apps SET is_enabled = ? WHERE package = ?`,
		nullBool(enabled), pkg)
	return err
}

func (s *sqliteStore) ClearOverrides(ctx context.Context, pkg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE apps SET overrides = '[]', substitutions = '[]' WHERE package = ?`, pkg)
	return err
}

func (s *sqliteStore) RemoveApp(ctx context.Context, pkg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE package = ?`, pkg)
	return err
}

// decodeOverrides tolerates bad JSON in a single row: the row's rules are
// dropped with a log line instead of failing the whole load.
func decodeOverrides(log logx.Logger, pkg, raw string) []config.ConditionRule {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var rules []config.ConditionRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		log.Warn("dropping unreadable overrides", logx.String("package", pkg), logx.Err(err))
		return nil
	}
	return rules
}

func decodeSubstitutions(log logx.Logger, pkg, raw string) []config.SubstitutionRule {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var rules []config.SubstitutionRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		log.Warn("dropping unreadable substitutions", logx.String("package", pkg), logx.Err(err))
		return nil
	}
	return rules
}

func orEmptyRules(r []config.ConditionRule) []config.ConditionRule {
	if r == nil {
		return []config.ConditionRule{}
	}
	return r
}

func orEmptySubs(r []config.SubstitutionRule) []config.SubstitutionRule {
	if r == nil {
		return []config.SubstitutionRule{}
	}
	return r
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return boolInt(*v)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
