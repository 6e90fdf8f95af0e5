package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/store"
)

func TestSQLite_PutListDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := New(filepath.Join(dir, "warden.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	var ids []string
	for _, msg := range []string{"first", "second", "third"} {
		ev := events.New(events.SeverityCritical, events.Error{Class: events.ClassSpawn, Message: msg})
		ids = append(ids, ev.ID)
		if err := db.Put(ctx, store.Record{Event: ev, PersistedAt: time.Now()}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := db.MarkDelivered(ctx, ids[:1]); err != nil {
		t.Fatalf("mark: %v", err)
	}
	recs, err := db.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.Event.ID != ids[i] {
			t.Fatalf("order mismatch at %d", i)
		}
	}
	if !recs[0].Delivered || recs[1].Delivered {
		t.Fatalf("delivered flags wrong: %+v", recs)
	}
	if p, ok := recs[2].Event.Payload.(events.Error); !ok || p.Message != "third" {
		t.Fatalf("payload not decoded: %+v", recs[2].Event)
	}

	if err := db.Delete(ctx, ids[:2]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, _ = db.List(ctx)
	if len(recs) != 1 || recs[0].Event.ID != ids[2] {
		t.Fatalf("unexpected records after delete: %+v", recs)
	}
}

func TestSQLite_EmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
