package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/warden/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS critical_events(
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			body JSONB NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT false,
			persisted_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_critical_events_delivered ON critical_events(delivered);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Put(ctx context.Context, rec store.Record) error {
	body, err := store.EncodeEvent(rec.Event)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO critical_events(id, kind, severity, occurred_at, body, delivered, persisted_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT(id) DO UPDATE SET
			body=EXCLUDED.body,
			delivered=EXCLUDED.delivered;`,
		rec.Event.ID, string(rec.Event.Kind), string(rec.Event.Severity),
		rec.Event.Timestamp.UTC(), body, rec.Delivered, rec.PersistedAt.UTC())
	return err
}

func (p *DB) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `UPDATE critical_events SET delivered=true WHERE id = ANY($1)`, ids)
	return err
}

func (p *DB) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM critical_events WHERE id = ANY($1)`, ids)
	return err
}

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT body::text, delivered, persisted_at FROM critical_events ORDER BY seq`)
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
			return nil, fmt.Errorf("row: %w", err)
		}
		out = append(out, store.Record{Event: ev, Delivered: delivered, PersistedAt: at.UTC()})
	}
	return out, rows.Err()
}
