// Package bus fans events out to subscribers after handing them to the
// event buffer.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loykin/warden/internal/buffer"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/metrics"
)

const DefaultQueueSize = 256

var (
	ErrClosed         = errors.New("event bus closed")
	ErrSlowSubscriber = errors.New("subscriber queue overflow")
)

type Options struct {
	QueueSize int
	Logger    *slog.Logger
}

// Bus serializes Emit and Subscribe so that every subscriber observes
// events in emit order, with its replay ahead of any live event.
type Bus struct {
	mu     sync.Mutex
	buf    *buffer.Buffer
	subs   map[*Subscription]struct{}
	queue  int
	closed bool
	log    *slog.Logger
}

func New(buf *buffer.Buffer, opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		buf:   buf,
		subs:  make(map[*Subscription]struct{}),
		queue: opts.QueueSize,
		log:   opts.Logger.With("component", "event_bus"),
	}
}

// Subscription receives events on Events until it is closed. After the
// channel is closed, Err reports why.
type Subscription struct {
	id  string
	ch  chan events.Event
	bus *Bus

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *Subscription) ID() string                  { return s.id }
func (s *Subscription) Events() <-chan events.Event { return s.ch }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription. Pending events are discarded.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.detach(s, nil)
}

// Ack acknowledges critical events on behalf of this subscriber.
func (s *Subscription) Ack(ctx context.Context, ids []string) ([]string, error) {
	return s.bus.buf.Ack(ctx, s.id, ids)
}

// Emit buffers ev (persisting it first when critical) and publishes it.
// A persistence failure is returned but the event is still published.
func (b *Bus) Emit(ctx context.Context, ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	perr := b.buf.Append(ctx, ev)
	metrics.IncEvent(string(ev.Kind), string(ev.Severity))
	b.publish(ctx, ev)
	if perr == nil {
		return nil
	}
	b.log.Warn("Critical event kept in memory only", "event_id", ev.ID, "error", perr)
	notice := events.New(events.SeverityWarning, events.Error{
		Class:   events.ClassPersistence,
		Message: perr.Error(),
	})
	_ = b.buf.Append(ctx, notice)
	metrics.IncEvent(string(notice.Kind), string(notice.Severity))
	b.publish(ctx, notice)
	return perr
}

func (b *Bus) publish(ctx context.Context, ev events.Event) {
	delivered := false
	for s := range b.subs {
		select {
		case s.ch <- ev:
			delivered = true
		default:
			b.log.Warn("Subscriber too slow, disconnecting", "subscriber", s.id)
			metrics.IncSubscriberDropped()
			b.detach(s, ErrSlowSubscriber)
		}
	}
	if delivered && ev.Critical() {
		if err := b.buf.MarkDelivered(ctx, []string{ev.ID}); err != nil {
			b.log.Debug("Mark delivered failed", "event_id", ev.ID, "error", err)
		}
	}
}

// detach must be called with b.mu held.
func (b *Bus) detach(s *Subscription, cause error) {
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	metrics.SetSubscribers(len(b.subs))
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a subscriber. Unacknowledged critical events are
// queued first (oldest first), followed by buffered events emitted after
// sinceID when sinceID is still in the window, and then live events.
// A non-empty id makes the subscriber's acknowledgment required before
// critical records are removed.
func (b *Bus) Subscribe(ctx context.Context, id, sinceID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	replay := b.replay(sinceID)
	s := &Subscription{
		id:  id,
		ch:  make(chan events.Event, b.queue+len(replay)),
		bus: b,
	}
	var critical []string
	for _, ev := range replay {
		s.ch <- ev
		if ev.Critical() {
			critical = append(critical, ev.ID)
		}
	}
	b.buf.Register(id)
	b.subs[s] = struct{}{}
	metrics.SetSubscribers(len(b.subs))
	if len(critical) > 0 {
		if err := b.buf.MarkDelivered(ctx, critical); err != nil {
			b.log.Debug("Mark delivered failed", "error", err)
		}
		b.log.Info("Replaying critical events", "subscriber", id, "count", len(critical))
	}
	return s, nil
}

func (b *Bus) replay(sinceID string) []events.Event {
	recs := b.buf.Critical()
	out := make([]events.Event, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		out = append(out, r.Event)
		seen[r.Event.ID] = struct{}{}
	}
	if sinceID == "" {
		return out
	}
	buffered, found := b.buf.Since(sinceID, 0)
	if !found {
		return out
	}
	for _, ev := range buffered {
		if _, dup := seen[ev.ID]; !dup {
			out = append(out, ev)
		}
	}
	return out
}

// CriticalEvents returns the unacknowledged critical events, oldest first.
func (b *Bus) CriticalEvents() []events.Event {
	recs := b.buf.Critical()
	out := make([]events.Event, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Event)
	}
	return out
}

// Ack acknowledges ids for subscriber; an empty subscriber clears them.
func (b *Bus) Ack(ctx context.Context, subscriber string, ids []string) ([]string, error) {
	return b.buf.Ack(ctx, subscriber, ids)
}

// Unregister drops subscriber from the set whose acknowledgment is
// required and returns the critical ids that were only waiting on it.
func (b *Bus) Unregister(ctx context.Context, subscriber string) ([]string, error) {
	return b.buf.Unregister(ctx, subscriber)
}

// Since exposes the buffered window for polling consumers.
func (b *Bus) Since(afterID string, limit int) ([]events.Event, bool) {
	return b.buf.Since(afterID, limit)
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every subscriber with ErrClosed. Emit fails afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		b.detach(s, ErrClosed)
	}
}
