// Package delivery exposes the supervisor and its event stream to the
// presentation layer over HTTP and a websocket.
package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/warden/internal/bus"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/supervisor"
	api "github.com/loykin/warden/pkg/client"
)

// Controller is the part of the supervisor the API drives.
type Controller interface {
	Start(ctx context.Context, spec *process.Spec) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Configure(ctx context.Context, spec process.Spec) error
	Info() supervisor.Info
	Version(ctx context.Context) (string, error)
	ProcessMetrics() (metrics.ProcessMetrics, error)
	Collector() *metrics.ProcessMetricsCollector
}

// EventSource is the part of the event bus the API reads from.
type EventSource interface {
	Subscribe(ctx context.Context, id, sinceID string) (*bus.Subscription, error)
	CriticalEvents() []events.Event
	Ack(ctx context.Context, subscriber string, ids []string) ([]string, error)
	Unregister(ctx context.Context, subscriber string) ([]string, error)
	Since(afterID string, limit int) ([]events.Event, bool)
}

const defaultEventsLimit = 100

// Router provides embeddable HTTP handlers under basePath:
//
//	POST {basePath}/start            body: optional server config JSON
//	POST {basePath}/stop
//	POST {basePath}/restart
//	POST {basePath}/configure        body: server config JSON
//	GET  {basePath}/status
//	GET  {basePath}/version
//	GET  {basePath}/events           query: since=<id>&limit=<n>
//	GET  {basePath}/events/critical
//	POST {basePath}/events/ack       body: {"ids":[...],"subscriber":"..."}
//	DELETE {basePath}/subscribers/:name
//	POST {basePath}/heartbeat        body: {"id":"..."}
//	GET  {basePath}/ping
//	GET  {basePath}/stream           websocket; query: subscriber, since
//	GET  {basePath}/process/metrics  query: history=true
//	GET  {basePath}/metrics          when metrics are enabled
type Router struct {
	ctrl     Controller
	src      EventSource
	basePath string
	metrics  bool
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewRouter(ctrl Controller, src EventSource, cfg Config, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		ctrl:     ctrl,
		src:      src,
		basePath: sanitizeBase(cfg.BasePath),
		metrics:  cfg.Metrics,
		log:      log.With("component", "delivery"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the API binds to loopback; the desktop shell's origin varies
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/configure", r.handleConfigure)
	group.GET("/status", r.handleStatus)
	group.GET("/version", r.handleVersion)
	group.GET("/events", r.handleEvents)
	group.GET("/events/critical", r.handleCritical)
	group.POST("/events/ack", r.handleAck)
	group.DELETE("/subscribers/:name", r.handleUnregister)
	group.POST("/heartbeat", r.handleHeartbeat)
	group.GET("/ping", r.handlePing)
	group.GET("/stream", r.handleStream)
	group.GET("/process/metrics", r.handleProcessMetrics)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

func (r *Router) handleStart(c *gin.Context) {
	spec, ok := r.bindSpec(c, true)
	if !ok {
		return
	}
	if err := r.ctrl.Start(c.Request.Context(), spec); err != nil {
		r.writeErr(c, "start", err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true, Status: r.ctrl.Info().State})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.ctrl.Stop(c.Request.Context()); err != nil {
		r.writeErr(c, "stop", err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true, Status: r.ctrl.Info().State})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.ctrl.Restart(c.Request.Context()); err != nil {
		r.writeErr(c, "restart", err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true, Status: r.ctrl.Info().State})
}

func (r *Router) handleConfigure(c *gin.Context) {
	spec, ok := r.bindSpec(c, false)
	if !ok {
		return
	}
	if err := r.ctrl.Configure(c.Request.Context(), *spec); err != nil {
		r.writeErr(c, "configure", err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true, Status: r.ctrl.Info().State})
}

// bindSpec decodes a server config body. With optional set an empty body
// yields a nil spec.
func (r *Router) bindSpec(c *gin.Context, optional bool) (*process.Spec, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "read body: " + err.Error()})
		return nil, false
	}
	if len(body) == 0 {
		if optional {
			return nil, true
		}
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "server config required"})
		return nil, false
	}
	var spec process.Spec
	if err := decodeSpec(body, &spec); err != nil {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return nil, false
	}
	if !isSafeAbsPath(spec.WorkDir) {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "invalid work_dir: must be absolute path without traversal"})
		return nil, false
	}
	if !isSafeAbsPath(spec.PIDFile) {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "invalid pid_file: must be absolute path without traversal"})
		return nil, false
	}
	return &spec, true
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctrl.Info())
}

func (r *Router) handleVersion(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	v, err := r.ctrl.Version(ctx)
	if err != nil {
		r.writeErr(c, "version", err)
		return
	}
	writeJSON(c, http.StatusOK, api.VersionResponse{Version: v})
}

func (r *Router) handleEvents(c *gin.Context) {
	limit := defaultEventsLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	evs, found := r.src.Since(c.Query("since"), limit)
	writeJSON(c, http.StatusOK, api.EventsResponse{Events: nonNil(evs), Found: found})
}

func (r *Router) handleCritical(c *gin.Context) {
	writeJSON(c, http.StatusOK, api.EventsResponse{Events: nonNil(r.src.CriticalEvents()), Found: true})
}

func (r *Router) handleAck(c *gin.Context) {
	var req api.AckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "ids required"})
		return
	}
	removed, err := r.src.Ack(c.Request.Context(), req.Subscriber, req.IDs)
	if err != nil {
		r.writeErr(c, "ack", err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(c, http.StatusOK, api.AckResponse{Removed: removed})
}

func (r *Router) handleUnregister(c *gin.Context) {
	removed, err := r.src.Unregister(c.Request.Context(), c.Param("name"))
	if err != nil {
		r.writeErr(c, "unregister", err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(c, http.StatusOK, api.AckResponse{Removed: removed})
}

func (r *Router) handleHeartbeat(c *gin.Context) {
	var req api.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, api.HeartbeatResponse{
		ID:     req.ID,
		Status: r.ctrl.Info().State,
		Time:   time.Now().UTC(),
	})
}

func (r *Router) handlePing(c *gin.Context) {
	writeJSON(c, http.StatusOK, api.PingResponse{OK: true, Status: r.ctrl.Info().State})
}

func (r *Router) handleProcessMetrics(c *gin.Context) {
	if c.Query("history") == "true" {
		writeJSON(c, http.StatusOK, r.ctrl.Collector().History())
		return
	}
	m, err := r.ctrl.ProcessMetrics()
	if err != nil {
		writeJSON(c, http.StatusNotFound, api.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, m)
}

// writeErr maps supervisor and spawn errors to HTTP status codes.
func (r *Router) writeErr(c *gin.Context, op string, err error) {
	code := http.StatusInternalServerError
	resp := api.ErrorResponse{Error: err.Error()}

	var ve *process.ValidationError
	var se *process.SpawnError
	switch {
	case errors.As(err, &ve):
		code = http.StatusBadRequest
	case errors.As(err, &se):
		code = http.StatusUnprocessableEntity
		resp.Reason = string(se.Reason)
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotStopped),
		errors.Is(err, supervisor.ErrStartAborted):
		code = http.StatusConflict
	case errors.Is(err, supervisor.ErrNoConfig):
		code = http.StatusBadRequest
	case errors.Is(err, supervisor.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= http.StatusInternalServerError {
		r.log.Error("API request failed", "op", op, "error", err)
	} else {
		r.log.Debug("API request rejected", "op", op, "status", code, "error", err)
	}
	writeJSON(c, code, resp)
}

func nonNil(evs []events.Event) []events.Event {
	if evs == nil {
		return []events.Event{}
	}
	return evs
}
