// Package events defines the versioned events published by the supervisor.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the payload version written by this build.
const SchemaVersion = 1

type Kind string

const (
	KindStatusChanged Kind = "status_changed"
	KindError         Kind = "error"
	KindActivity      Kind = "activity"
	KindSessionUpdate Kind = "session_update"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ErrorClass categorizes Error payloads.
type ErrorClass string

const (
	ClassSpawn       ErrorClass = "spawn"
	ClassCrash       ErrorClass = "crash"
	ClassPersistence ErrorClass = "persistence"
	ClassChannel     ErrorClass = "channel"
	ClassConfig      ErrorClass = "config"
)

// Payload is implemented by every kind-specific payload type.
type Payload interface {
	Kind() Kind
}

// StatusChanged reports one supervisor state transition.
type StatusChanged struct {
	From   string `json:"from"`
	To     string `json:"to"`
	PID    int    `json:"pid,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Error reports a failure. ExitCode is set for crashes.
type Error struct {
	Class    ErrorClass `json:"class"`
	Message  string     `json:"message"`
	ExitCode *int       `json:"exit_code,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
}

// Activity carries a line of backend output or an informational notice.
type Activity struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// SessionUpdate reports a change in the backend's active session count.
type SessionUpdate struct {
	Active   int `json:"active"`
	Previous int `json:"previous"`
}

// Unknown holds a payload of a kind this build does not understand.
type Unknown struct {
	Type Kind
	Raw  json.RawMessage
}

func (StatusChanged) Kind() Kind { return KindStatusChanged }
func (Error) Kind() Kind         { return KindError }
func (Activity) Kind() Kind      { return KindActivity }
func (SessionUpdate) Kind() Kind { return KindSessionUpdate }
func (u Unknown) Kind() Kind     { return u.Type }

// Event is immutable once created.
type Event struct {
	ID        string
	Timestamp time.Time
	Version   int
	Kind      Kind
	Severity  Severity
	Payload   Payload
}

// New stamps a payload with a fresh id and the current time.
func New(sev Severity, p Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Version:   SchemaVersion,
		Kind:      p.Kind(),
		Severity:  sev,
		Payload:   p,
	}
}

func (e Event) Critical() bool { return e.Severity == SeverityCritical }

// Known reports whether the payload was decoded into a concrete type.
func (e Event) Known() bool {
	_, unknown := e.Payload.(Unknown)
	return e.Payload != nil && !unknown
}

func (e Event) String() string {
	switch p := e.Payload.(type) {
	case StatusChanged:
		return fmt.Sprintf("%s -> %s", p.From, p.To)
	case Error:
		return fmt.Sprintf("%s error: %s", p.Class, p.Message)
	case Activity:
		return fmt.Sprintf("[%s] %s", p.Source, p.Message)
	case SessionUpdate:
		return fmt.Sprintf("sessions %d -> %d", p.Previous, p.Active)
	default:
		return string(e.Kind)
	}
}

type envelope struct {
	Type      Kind            `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Severity  Severity        `json:"severity"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON writes {type, id, timestamp, severity, payload: {version, ...}}.
func (e Event) MarshalJSON() ([]byte, error) {
	var body []byte
	switch p := e.Payload.(type) {
	case nil:
		body = []byte("{}")
	case Unknown:
		body = p.Raw
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
		}
		body = withVersion(b, e.Version)
	}
	return json.Marshal(envelope{
		Type:      e.Kind,
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Severity:  e.Severity,
		Payload:   body,
	})
}

func withVersion(obj []byte, v int) []byte {
	obj = bytes.TrimSpace(obj)
	head := fmt.Sprintf(`{"version":%d`, v)
	if len(obj) <= 2 {
		return []byte(head + "}")
	}
	return append([]byte(head+","), obj[1:]...)
}

// UnmarshalJSON never fails on unknown kinds or versions; only malformed
// JSON is an error.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var ver struct {
		Version int `json:"version"`
	}
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		if err := json.Unmarshal(env.Payload, &ver); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	p, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        env.ID,
		Timestamp: env.Timestamp,
		Version:   ver.Version,
		Kind:      env.Type,
		Severity:  env.Severity,
		Payload:   p,
	}
	return nil
}

func decodePayload(k Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch k {
	case KindStatusChanged:
		var v StatusChanged
		err = json.Unmarshal(raw, &v)
		p = v
	case KindError:
		var v Error
		err = json.Unmarshal(raw, &v)
		p = v
	case KindActivity:
		var v Activity
		err = json.Unmarshal(raw, &v)
		p = v
	case KindSessionUpdate:
		var v SessionUpdate
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return Unknown{Type: k, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", k, err)
	}
	return p, nil
}
