package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/warden/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS critical_events(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			body TEXT NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT 0,
			persisted_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_critical_events_delivered ON critical_events(delivered);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Put(ctx context.Context, rec store.Record) error {
	body, err := store.EncodeEvent(rec.Event)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO critical_events(id, kind, severity, occurred_at, body, delivered, persisted_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body=excluded.body,
			delivered=excluded.delivered;`,
		rec.Event.ID, string(rec.Event.Kind), string(rec.Event.Severity),
		rec.Event.Timestamp.UTC(), body, rec.Delivered, rec.PersistedAt.UTC())
	return err
}

func (s *DB) MarkDelivered(ctx context.Context, ids []string) error {
	return s.execIDs(ctx, `UPDATE critical_events SET delivered=1 WHERE id=?`, ids)
}

func (s *DB) Delete(ctx context.Context, ids []string) error {
	return s.execIDs(ctx, `DELETE FROM critical_events WHERE id=?`, ids)
}

func (s *DB) execIDs(ctx context.Context, q string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("critical event %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body, delivered, persisted_at FROM critical_events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Record
	for rows.Next() {
		var (
			body      string
			delivered bool
			at        time.Time
		)
		if err := rows.Scan(&body, &delivered, &at); err != nil {
			return nil, err
		}
		ev, err := store.DecodeEvent(body)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Record{Event: ev, Delivered: delivered, PersistedAt: at.UTC()})
	}
	return out, rows.Err()
}
