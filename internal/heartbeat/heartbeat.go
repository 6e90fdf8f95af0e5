// Package heartbeat keeps a consumer attached to the delivery channel. It
// probes the channel on an interval, falls back to polling when pushes
// cannot be trusted, and reconnects with backoff.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/events"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultTimeout       = 5 * time.Second
	DefaultMissThreshold = 2
	DefaultPollInterval  = 10 * time.Second
)

// Mode is how the consumer currently receives events.
type Mode int32

const (
	ModeLive Mode = iota
	ModePolling
)

func (m Mode) String() string {
	if m == ModePolling {
		return "polling"
	}
	return "live"
}

// Health is a snapshot of the connection state.
type Health struct {
	LastHeartbeatAt   time.Time `json:"last_heartbeat_at"`
	ConsecutiveMisses int       `json:"consecutive_misses"`
	Mode              Mode      `json:"-"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Degraded          bool      `json:"degraded"`
}

// Stream is a live subscription. Events is closed once the stream ends,
// after which Err reports the cause.
type Stream interface {
	Events() <-chan events.Event
	Err() error
	Close() error
}

// Transport reaches the delivery channel.
type Transport interface {
	Heartbeat(ctx context.Context, id string) (status string, err error)
	Status(ctx context.Context) (string, error)
	CriticalEvents(ctx context.Context) ([]events.Event, error)
	Events(ctx context.Context, since string) ([]events.Event, error)
	Subscribe(ctx context.Context, since string) (Stream, error)
	Ack(ctx context.Context, ids []string) error
}

// Handler receives everything the monitor surfaces. Calls are made from
// the monitor goroutine, one at a time.
type Handler interface {
	Event(ev events.Event)
	Status(status string)
	ModeChanged(mode Mode)
	// Degraded is raised once when reconnecting keeps failing.
	Degraded(err *ChannelError)
	// Recovered follows a Degraded notice once the stream is back.
	Recovered()
}

// ChannelError describes a delivery channel that could not be reattached.
type ChannelError struct {
	Attempts int
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("event channel unavailable after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Config tunes probing and reconnection.
type Config struct {
	Interval      time.Duration  `mapstructure:"interval"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	MissThreshold int            `mapstructure:"miss_threshold"`
	PollInterval  time.Duration  `mapstructure:"poll_interval"`
	Reconnect     backoff.Policy `mapstructure:"reconnect"`
}

func DefaultConfig() Config {
	return Config{
		Interval:      DefaultInterval,
		Timeout:       DefaultTimeout,
		MissThreshold: DefaultMissThreshold,
		PollInterval:  DefaultPollInterval,
		Reconnect:     backoff.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = d.MissThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Reconnect.Base <= 0 {
		c.Reconnect = d.Reconnect
	}
	return c
}
