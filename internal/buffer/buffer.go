// Package buffer keeps the recent event window in memory and mirrors
// unacknowledged critical events into a durable store.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/store"
)

const (
	DefaultCapacity       = 256
	DefaultPersistTimeout = 2 * time.Second
)

// PersistenceError reports that the durable store could not be updated.
// It is never fatal: the event stays in memory and is still published.
type PersistenceError struct {
	Op      string
	EventID string
	Err     error
}

func (e *PersistenceError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("critical store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("critical store %s %s: %v", e.Op, e.EventID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type Options struct {
	Capacity       int
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

type entry struct {
	rec   store.Record
	acked map[string]struct{}
}

// Buffer is safe for concurrent use. A nil store keeps critical events in
// memory only.
type Buffer struct {
	mu sync.Mutex

	ring  []events.Event
	start int
	n     int

	pending []*entry
	known   map[string]struct{}

	st             store.Store
	persistTimeout time.Duration
	log            *slog.Logger
}

// New loads previously persisted critical records from st.
func New(ctx context.Context, st store.Store, opts Options) (*Buffer, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Buffer{
		ring:           make([]events.Event, opts.Capacity),
		known:          make(map[string]struct{}),
		st:             st,
		persistTimeout: opts.PersistTimeout,
		log:            opts.Logger.With("component", "event_buffer"),
	}
	if st == nil {
		return b, nil
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("prepare critical store: %w", err)
	}
	recs, err := st.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load critical events: %w", err)
	}
	for _, r := range recs {
		b.pending = append(b.pending, &entry{rec: r, acked: map[string]struct{}{}})
	}
	if len(recs) > 0 {
		b.log.Info("Loaded unacknowledged critical events", "count", len(recs))
	}
	metrics.SetCriticalPending(len(b.pending))
	return b, nil
}

// Append adds ev to the ring and, for critical events, writes the record
// to the store before returning.
func (b *Buffer) Append(ctx context.Context, ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.push(ev)
	if !ev.Critical() {
		return nil
	}
	rec := store.Record{Event: ev, PersistedAt: time.Now().UTC()}
	b.pending = append(b.pending, &entry{rec: rec, acked: map[string]struct{}{}})
	metrics.SetCriticalPending(len(b.pending))
	if b.st == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, b.persistTimeout)
	defer cancel()
	if err := b.st.Put(pctx, rec); err != nil {
		metrics.IncPersistFailure()
		return &PersistenceError{Op: "put", EventID: ev.ID, Err: err}
	}
	return nil
}

func (b *Buffer) push(ev events.Event) {
	c := len(b.ring)
	if b.n < c {
		b.ring[(b.start+b.n)%c] = ev
		b.n++
		return
	}
	b.ring[b.start] = ev
	b.start = (b.start + 1) % c
}

// Recent returns up to limit of the newest buffered events, oldest first.
// limit <= 0 returns the whole window.
func (b *Buffer) Recent(limit int) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Since returns buffered events emitted after the event with id afterID.
// found is false when afterID is no longer (or never was) in the window;
// the whole window is returned in that case.
func (b *Buffer) Since(afterID string, limit int) (out []events.Event, found bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.snapshot()
	if afterID != "" {
		if i := slices.IndexFunc(all, func(e events.Event) bool { return e.ID == afterID }); i >= 0 {
			all, found = all[i+1:], true
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, found
}

func (b *Buffer) snapshot() []events.Event {
	c := len(b.ring)
	out := make([]events.Event, 0, b.n)
	for i := 0; i < b.n; i++ {
		out = append(out, b.ring[(b.start+i)%c])
	}
	return out
}

// Critical returns the unacknowledged critical records, oldest first.
func (b *Buffer) Critical() []store.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]store.Record, 0, len(b.pending))
	for _, e := range b.pending {
		out = append(out, e.rec)
	}
	return out
}

// Register makes subscriber a known subscriber whose acknowledgment is
// required before a critical record is removed.
func (b *Buffer) Register(subscriber string) {
	if subscriber == "" {
		return
	}
	b.mu.Lock()
	b.known[subscriber] = struct{}{}
	b.mu.Unlock()
}

// Unregister forgets subscriber so its acknowledgment is no longer
// required. Records every remaining subscriber has already acknowledged
// are removed and returned.
func (b *Buffer) Unregister(ctx context.Context, subscriber string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.known[subscriber]; !ok {
		return nil, nil
	}
	delete(b.known, subscriber)
	var done []string
	for _, e := range b.pending {
		delete(e.acked, subscriber)
		if len(e.acked) > 0 && b.ackedByAll(e) {
			done = append(done, e.rec.Event.ID)
		}
	}
	return done, b.remove(ctx, done)
}

// Subscribers returns the names whose acknowledgment is required.
func (b *Buffer) Subscribers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.known))
	for s := range b.known {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// MarkDelivered flags records as handed to at least one subscriber.
func (b *Buffer) MarkDelivered(ctx context.Context, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var changed []string
	for _, e := range b.pending {
		if !e.rec.Delivered && slices.Contains(ids, e.rec.Event.ID) {
			e.rec.Delivered = true
			changed = append(changed, e.rec.Event.ID)
		}
	}
	if len(changed) == 0 || b.st == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, b.persistTimeout)
	defer cancel()
	if err := b.st.MarkDelivered(pctx, changed); err != nil {
		metrics.IncPersistFailure()
		return &PersistenceError{Op: "mark delivered", Err: err}
	}
	return nil
}

// Ack records that subscriber has processed ids. A record is removed once
// every known subscriber has acknowledged it. An empty subscriber clears
// the records unconditionally.
func (b *Buffer) Ack(ctx context.Context, subscriber string, ids []string) ([]string, error) {
	if subscriber == "" {
		return b.clear(ctx, ids)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known[subscriber] = struct{}{}
	var done []string
	for _, e := range b.pending {
		if !slices.Contains(ids, e.rec.Event.ID) {
			continue
		}
		e.acked[subscriber] = struct{}{}
		if b.ackedByAll(e) {
			done = append(done, e.rec.Event.ID)
		}
	}
	return done, b.remove(ctx, done)
}

func (b *Buffer) ackedByAll(e *entry) bool {
	for s := range b.known {
		if _, ok := e.acked[s]; !ok {
			return false
		}
	}
	return true
}

// Clear removes the records with ids regardless of who acknowledged them.
func (b *Buffer) Clear(ctx context.Context, ids []string) error {
	_, err := b.clear(ctx, ids)
	return err
}

func (b *Buffer) clear(ctx context.Context, ids []string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var done []string
	for _, e := range b.pending {
		if slices.Contains(ids, e.rec.Event.ID) {
			done = append(done, e.rec.Event.ID)
		}
	}
	return done, b.remove(ctx, done)
}

// remove drops ids from memory first; a store failure only means the
// record may be replayed again after a restart.
func (b *Buffer) remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.pending = slices.DeleteFunc(b.pending, func(e *entry) bool {
		return slices.Contains(ids, e.rec.Event.ID)
	})
	metrics.SetCriticalPending(len(b.pending))
	if b.st == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, b.persistTimeout)
	defer cancel()
	if err := b.st.Delete(pctx, ids); err != nil {
		metrics.IncPersistFailure()
		return &PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

// PendingCount returns the number of unacknowledged critical records.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) Close() error {
	if b.st == nil {
		return nil
	}
	return b.st.Close()
}
