package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/warden/internal/events"
)

// Record is a critical event awaiting acknowledgment.
// PersistedAt is in UTC. Delivered is set once the event has been handed
// to at least one subscriber.
type Record struct {
	Event       events.Event
	PersistedAt time.Time
	Delivered   bool
}

// Store durably keeps the unacknowledged critical events.
// List returns records in the order they were first put.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Put(ctx context.Context, rec Record) error
	MarkDelivered(ctx context.Context, ids []string) error
	Delete(ctx context.Context, ids []string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

type recordMeta struct {
	Delivered   bool      `json:"delivered"`
	PersistedAt time.Time `json:"persisted_at"`
}

// MarshalJSON flattens the event envelope and the delivery flags into one
// object.
func (r Record) MarshalJSON() ([]byte, error) {
	ev, err := json.Marshal(r.Event)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(recordMeta{Delivered: r.Delivered, PersistedAt: r.PersistedAt})
	if err != nil {
		return nil, err
	}
	ev = bytes.TrimSpace(ev)
	ev = ev[:len(ev)-1]
	return append(append(ev, ','), meta[1:]...), nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var meta recordMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	if ev.ID == "" {
		return errors.New("record without event id")
	}
	*r = Record{Event: ev, PersistedAt: meta.PersistedAt, Delivered: meta.Delivered}
	return nil
}

// EncodeEvent and DecodeEvent are used by the SQL backends for the body
// column.
func EncodeEvent(ev events.Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return string(b), nil
}

func DecodeEvent(body string) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return events.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
