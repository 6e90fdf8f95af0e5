package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/store"
)

func newRecord(msg string) store.Record {
	ev := events.New(events.SeverityCritical, events.Error{Class: events.ClassCrash, Message: msg})
	return store.Record{Event: ev, PersistedAt: time.Now().UTC()}
}

func TestFileStore_PutIsOnDiskImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "critical_events.json")
	db, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	r1, r2 := newRecord("one"), newRecord("two")
	if err := db.Put(ctx, r1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put(ctx, r2); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var onDisk []store.Record
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(onDisk) != 2 || onDisk[0].Event.ID != r1.Event.ID || onDisk[1].Event.ID != r2.Event.ID {
		t.Fatalf("unexpected file contents: %s", data)
	}
}

func TestFileStore_ReloadMarkAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "critical_events.json")
	ctx := context.Background()
	db, _ := New(path)
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	r1, r2 := newRecord("a"), newRecord("b")
	_ = db.Put(ctx, r1)
	_ = db.Put(ctx, r2)
	if err := db.MarkDelivered(ctx, []string{r1.Event.ID}); err != nil {
		t.Fatalf("mark: %v", err)
	}

	reopened, _ := New(path)
	if err := reopened.EnsureSchema(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	recs, _ := reopened.List(ctx)
	if len(recs) != 2 || !recs[0].Delivered || recs[1].Delivered {
		t.Fatalf("unexpected records after reload: %+v", recs)
	}

	if err := reopened.Delete(ctx, []string{r1.Event.ID, "missing"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, _ = reopened.List(ctx)
	if len(recs) != 1 || recs[0].Event.ID != r2.Event.ID {
		t.Fatalf("unexpected records after delete: %+v", recs)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "critical_events.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	db, _ := New(path)
	if err := db.EnsureSchema(context.Background()); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFileStore_WriteFailureKeepsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "critical_events.json")
	db, _ := New(path)
	// Parent directory never created: the pending file cannot be opened.
	if err := db.Put(context.Background(), newRecord("x")); err == nil {
		t.Fatalf("expected write error")
	}
	recs, _ := db.List(context.Background())
	if len(recs) != 0 {
		t.Fatalf("failed write must not change state: %+v", recs)
	}
}
