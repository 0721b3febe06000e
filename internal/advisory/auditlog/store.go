// Package auditlog keeps every advisory escalation attempt in SQLite.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autotrader/internal/advisory"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("advisory audit path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS advisory_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			asset TEXT NOT NULL,
			ts INTEGER NOT NULL,
			direction TEXT,
			trigger TEXT,
			called INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			reason TEXT,
			constraint_code TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			raw TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_advisory_attempts_ts ON advisory_attempts(ts DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_advisory_attempts_asset_ts ON advisory_attempts(asset, ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("advisory audit schema: %w", err)
		}
	}
	return nil
}

// Record implements advisory.AuditLog.
func (s *Store) Record(ctx context.Context, a advisory.Attempt) error {
	called := 0
	if a.Called {
		called = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO advisory_attempts
		(trace_id, asset, ts, direction, trigger, called, state, reason, constraint_code, latency_ms, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TraceID, a.Asset, a.Time.UnixMilli(), a.Direction, a.Trigger, called,
		a.State, a.Reason, a.Constraint, a.LatencyMs, a.Raw)
	return err
}

// Query filters attempts; zero values mean no filter.
type Query struct {
	Asset string
	Since time.Time
	Limit int
}

// Recent returns attempts newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]advisory.Attempt, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	var (
		where []string
		args  []any
	)
	if q.Asset != "" {
		where = append(where, "asset = ?")
		args = append(args, strings.ToUpper(q.Asset))
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	stmt := `SELECT id, trace_id, asset, ts, direction, trigger, called, state, reason, constraint_code, latency_ms, raw
		FROM advisory_attempts`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []advisory.Attempt
	for rows.Next() {
		var (
			a                       advisory.Attempt
			ts                      int64
			called                  int
			direction, trigger      sql.NullString
			reason, constraint, raw sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.TraceID, &a.Asset, &ts, &direction, &trigger, &called,
			&a.State, &reason, &constraint, &a.LatencyMs, &raw); err != nil {
			return nil, err
		}
		a.Time = time.UnixMilli(ts).UTC()
		a.Called = called == 1
		a.Direction = direction.String
		a.Trigger = trigger.String
		a.Reason = reason.String
		a.Constraint = constraint.String
		a.Raw = raw.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// CallTimes lists when the advisor was actually called after since, oldest
// first. Used to seed the rate limiter after a restart.
func (s *Store) CallTimes(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts FROM advisory_attempts WHERE called = 1 AND ts > ? ORDER BY ts ASC`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, time.UnixMilli(ts).UTC())
	}
	return out, rows.Err()
}
