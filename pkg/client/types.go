package client

import (
	"time"

	"github.com/loykin/warden/internal/events"
)

// Frame types exchanged on the /stream websocket.
const (
	FrameHello     = "hello"     // server: subscription established
	FrameEvent     = "event"     // server: one event
	FramePong      = "pong"      // server: heartbeat reply
	FrameAcked     = "acked"     // server: ack result
	FrameError     = "error"     // server: request failed
	FrameHeartbeat = "heartbeat" // client: liveness probe
	FrameAck       = "ack"       // client: acknowledge critical events
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type       string        `json:"type"`
	Subscriber string        `json:"subscriber,omitempty"`
	ID         string        `json:"id,omitempty"`
	IDs        []string      `json:"ids,omitempty"`
	Status     string        `json:"status,omitempty"`
	Event      *events.Event `json:"event,omitempty"`
	Error      string        `json:"error,omitempty"`
	Time       time.Time     `json:"time,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status         string        `json:"status"`
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

// VersionResponse is returned by GET /version.
type VersionResponse struct {
	Version string `json:"version"`
}

// EventsResponse is returned by GET /events and GET /events/critical.
// Found is false when the requested cursor fell out of the window.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Found  bool           `json:"found"`
}

// AckRequest acknowledges critical events. Without a subscriber the
// events are cleared for everyone.
type AckRequest struct {
	IDs        []string `json:"ids"`
	Subscriber string   `json:"subscriber,omitempty"`
}

// AckResponse lists the records that were removed.
type AckResponse struct {
	Removed []string `json:"removed"`
}

// HeartbeatRequest is sent by POST /heartbeat.
type HeartbeatRequest struct {
	ID string `json:"id"`
}

// HeartbeatResponse echoes the heartbeat id with the current status.
type HeartbeatResponse struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// PingResponse is returned by GET /ping.
type PingResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// OKResponse is returned by lifecycle commands.
type OKResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
}
