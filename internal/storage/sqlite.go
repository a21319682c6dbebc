package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"autotour/internal/ruleset"
	logx "autotour/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
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

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Load(ctx context.Context) (map[string]ruleset.RuleSet, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT tenant, position, timing, params FROM tours ORDER BY tenant, position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]ruleset.RuleSet{}
	for rows.Next() {
		var (
			tenant, timing string
			pos            int
			params         sql.NullString
			rule           ruleset.Rule
		)
		if err := rows.Scan(&tenant, &pos, &timing, &params); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(timing), &rule.Timing); err != nil {
			return nil, fmt.Errorf("tours[%s/%d].timing: %w", tenant, pos, err)
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &rule.Params); err != nil {
				return nil, fmt.Errorf("tours[%s/%d].params: %w", tenant, pos, err)
			}
		}
		out[tenant] = append(out[tenant], rule)
	}
	return out, rows.Err()
}

// Save replaces every stored rule inside one transaction.
func (s *sqliteStore) Save(ctx context.Context, all map[string]ruleset.RuleSet) (err error) {
	if s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM tours`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tours(tenant, position, timing, params) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for tenant, rs := range all {
		for i, r := range rs {
			timing, mErr := json.Marshal(r.Timing)
			if mErr != nil {
				return mErr
			}
			var params any
			if len(r.Params) > 0 {
				b, mErr := json.Marshal(r.Params)
				if mErr != nil {
					return mErr
				}
				params = string(b)
			}
			if _, err = stmt.ExecContext(ctx, tenant, i, string(timing), params); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, tenant, actor, action, detail, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Tenant, nullStr(e.Actor), e.Action, nullStr(e.Detail), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, tenant string, limit int) ([]AuditEntry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, tenant, actor, action, detail, err, took_ms FROM audit WHERE tenant = ? ORDER BY id DESC LIMIT ?`,
		tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			at                    string
			e                     AuditEntry
			actor, detail, errCol sql.NullString
		)
		if err := rows.Scan(&at, &e.Tenant, &actor, &e.Action, &detail, &errCol, &e.TookMS); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Actor, e.Detail, e.Error = actor.String, detail.String, errCol.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
