package supervisor

import (
	"time"

	"github.com/loykin/warden/internal/events"
)

// Status is the lifecycle state of the backend.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusCrashed
	StatusUnknown
)

var statusNames = [...]string{"stopped", "starting", "running", "stopping", "crashed", "unknown"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ParseStatus is the inverse of String; unrecognized names map to StatusUnknown.
func ParseStatus(name string) Status {
	for i, n := range statusNames {
		if n == name {
			return Status(i)
		}
	}
	return StatusUnknown
}

// AllStatuses lists status names for metrics.
func AllStatuses() []string {
	return statusNames[:StatusUnknown]
}

var transitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusStopping, StatusStopped, StatusCrashed},
	StatusRunning:  {StatusStopping, StatusCrashed},
	StatusStopping: {StatusStopped},
	StatusCrashed:  {StatusStarting, StatusStopped},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// severityFor picks the severity of the status_changed event for a move
// into to.
func severityFor(to Status) events.Severity {
	switch to {
	case StatusStopped:
		return events.SeverityCritical
	case StatusCrashed:
		return events.SeverityWarning
	default:
		return events.SeverityInfo
	}
}

// Info is a point-in-time view of the supervisor.
type Info struct {
	Status         Status        `json:"-"`
	State          string        `json:"status"`
	Name           string        `json:"name"`
	PID            int           `json:"pid,omitempty"`
	Addr           string        `json:"addr,omitempty"`
	Binary         string        `json:"binary,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	Uptime         time.Duration `json:"uptime,omitempty"`
	Attempt        int           `json:"attempt"`
	CurrentBackoff time.Duration `json:"current_backoff,omitempty"`
	LastExitCode   *int          `json:"last_exit_code,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	Sessions       int           `json:"sessions"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
