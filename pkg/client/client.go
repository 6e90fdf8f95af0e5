// Package client talks to a warden daemon over its HTTP API and event
// stream. A Client satisfies heartbeat.Transport.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
)

const (
	DefaultBaseURL = "http://localhost:8080/api"
	DefaultTimeout = 10 * time.Second
)

// Client provides HTTP client functionality to communicate with the warden daemon
type Client struct {
	baseURL    string
	subscriber string
	timeout    time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Subscriber names this consumer. A named subscriber must acknowledge
	// critical events before the daemon drops them.
	Subscriber string
	Logger     *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// APIError is a non-200 reply from the daemon.
type APIError struct {
	StatusCode int
	Message    string
	Reason     string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return "API error: " + e.Message
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// New creates a new warden API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL:    config.BaseURL,
		subscriber: config.Subscriber,
		timeout:    config.Timeout,
		logger:     config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// BaseURL returns the API root this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Ping(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Start launches the backend. A nil spec starts the configured one.
func (c *Client) Start(ctx context.Context, spec *process.Spec) (OKResponse, error) {
	var resp OKResponse
	var body any
	if spec != nil {
		body = spec
	}
	err := c.do(ctx, http.MethodPost, "/start", body, &resp)
	return resp, err
}

func (c *Client) Stop(ctx context.Context) (OKResponse, error) {
	var resp OKResponse
	err := c.do(ctx, http.MethodPost, "/stop", nil, &resp)
	return resp, err
}

func (c *Client) Restart(ctx context.Context) (OKResponse, error) {
	var resp OKResponse
	err := c.do(ctx, http.MethodPost, "/restart", nil, &resp)
	return resp, err
}

// Configure replaces the backend config while it is stopped.
func (c *Client) Configure(ctx context.Context, spec process.Spec) (OKResponse, error) {
	var resp OKResponse
	err := c.do(ctx, http.MethodPost, "/configure", spec, &resp)
	return resp, err
}

// Info returns the full status snapshot.
func (c *Client) Info(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}

// Status returns the backend status name.
func (c *Client) Status(ctx context.Context) (string, error) {
	info, err := c.Info(ctx)
	return info.Status, err
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var resp VersionResponse
	err := c.do(ctx, http.MethodGet, "/version", nil, &resp)
	return resp.Version, err
}

// EventsPage returns buffered events after since, at most limit of them
// (0 uses the server default).
func (c *Client) EventsPage(ctx context.Context, since string, limit int) (EventsResponse, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp EventsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Events returns buffered events after since.
func (c *Client) Events(ctx context.Context, since string) ([]events.Event, error) {
	resp, err := c.EventsPage(ctx, since, 0)
	return resp.Events, err
}

// CriticalEvents returns the unacknowledged critical events.
func (c *Client) CriticalEvents(ctx context.Context) ([]events.Event, error) {
	var resp EventsResponse
	err := c.do(ctx, http.MethodGet, "/events/critical", nil, &resp)
	return resp.Events, err
}

// AckEvents acknowledges ids as this client's subscriber and returns the
// records the daemon removed.
func (c *Client) AckEvents(ctx context.Context, ids []string) ([]string, error) {
	var resp AckResponse
	err := c.do(ctx, http.MethodPost, "/events/ack", AckRequest{IDs: ids, Subscriber: c.subscriber}, &resp)
	return resp.Removed, err
}

func (c *Client) Ack(ctx context.Context, ids []string) error {
	_, err := c.AckEvents(ctx, ids)
	return err
}

// Unregister tells the daemon that subscriber will not acknowledge any
// more critical events. It returns the ids that were only waiting on it.
func (c *Client) Unregister(ctx context.Context, subscriber string) ([]string, error) {
	var resp AckResponse
	err := c.do(ctx, http.MethodDelete, "/subscribers/"+url.PathEscape(subscriber), nil, &resp)
	return resp.Removed, err
}

// Heartbeat probes the delivery channel and returns the backend status.
func (c *Client) Heartbeat(ctx context.Context, id string) (string, error) {
	var resp HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/heartbeat", HeartbeatRequest{ID: id}, &resp); err != nil {
		return "", err
	}
	if resp.ID != id {
		return "", fmt.Errorf("heartbeat %q answered with %q", id, resp.ID)
	}
	return resp.Status, nil
}

func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	var resp PingResponse
	err := c.do(ctx, http.MethodGet, "/ping", nil, &resp)
	return resp, err
}

// ProcessMetrics returns the latest resource sample of the backend.
func (c *Client) ProcessMetrics(ctx context.Context) (metrics.ProcessMetrics, error) {
	var resp metrics.ProcessMetrics
	err := c.do(ctx, http.MethodGet, "/process/metrics", nil, &resp)
	return resp, err
}

// do sends in as JSON (when non-nil) and decodes a 200 reply into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = data
	}
	return c.doRequest(ctx, method, c.baseURL+path, body, out)
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", endpoint)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error, Reason: errorResp.Reason}
}
