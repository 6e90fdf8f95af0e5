package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/loykin/warden/internal/store"
)

// DB implements store.Store as a single JSON document holding every
// unacknowledged record. The document is rewritten atomically (fsync then
// rename) on each change.
type DB struct {
	mu   sync.Mutex
	path string
	recs []store.Record
}

// New opens (or prepares) the JSON file at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty file store path")
	}
	return &DB{path: p}, nil
}

func (d *DB) Path() string { return d.path }

// EnsureSchema creates the parent directory and loads existing records.
func (d *DB) EnsureSchema(_ context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		d.recs = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", d.path, err)
	}
	var recs []store.Record
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &recs); err != nil {
			return fmt.Errorf("parse %s: %w", d.path, err)
		}
	}
	d.recs = recs
	return nil
}

func (d *DB) Close() error { return nil }

func (d *DB) Put(_ context.Context, rec store.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := slices.Clone(d.recs)
	if i := d.index(rec.Event.ID); i >= 0 {
		next[i] = rec
	} else {
		next = append(next, rec)
	}
	return d.commit(next)
}

func (d *DB) MarkDelivered(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := slices.Clone(d.recs)
	changed := false
	for i := range next {
		if !next[i].Delivered && slices.Contains(ids, next[i].Event.ID) {
			next[i].Delivered = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return d.commit(next)
}

func (d *DB) Delete(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := slices.DeleteFunc(slices.Clone(d.recs), func(r store.Record) bool {
		return slices.Contains(ids, r.Event.ID)
	})
	if len(next) == len(d.recs) {
		return nil
	}
	return d.commit(next)
}

func (d *DB) List(_ context.Context) ([]store.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.recs), nil
}

func (d *DB) index(id string) int {
	return slices.IndexFunc(d.recs, func(r store.Record) bool { return r.Event.ID == id })
}

// commit writes next to disk and only then makes it the in-memory state.
func (d *DB) commit(next []store.Record) error {
	if next == nil {
		next = []store.Record{}
	}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	pending, err := renameio.NewPendingFile(d.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()
	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", d.path, err)
	}
	d.recs = next
	return nil
}
