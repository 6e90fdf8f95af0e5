// Package warden supervises one backend server process and delivers its
// status, errors and activity to a presentation layer over HTTP and a
// websocket stream.
package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/warden/internal/buffer"
	"github.com/loykin/warden/internal/bus"
	cfg "github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/delivery"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/store/factory"
	"github.com/loykin/warden/internal/supervisor"
)

// Re-export core types for external consumers.

type Spec = process.Spec

type Status = supervisor.Status

const (
	StatusStopped  = supervisor.StatusStopped
	StatusStarting = supervisor.StatusStarting
	StatusRunning  = supervisor.StatusRunning
	StatusStopping = supervisor.StatusStopping
	StatusCrashed  = supervisor.StatusCrashed
	StatusUnknown  = supervisor.StatusUnknown
)

type Info = supervisor.Info

type Event = events.Event

type Config = cfg.Config

const shutdownTimeout = 10 * time.Second

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// App wires the critical event store, the event bus, the supervisor and
// the HTTP API together.
type App struct {
	cfg    *Config
	log    *slog.Logger
	buf    *buffer.Buffer
	bus    *bus.Bus
	sup    *supervisor.Supervisor
	router *delivery.Router
	srv    *http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewApp opens the critical event store and starts the supervisor. The
// backend is not spawned and nothing listens until Run or Serve.
func NewApp(ctx context.Context, c *Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(c.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	st, err := factory.NewFromDSN(c.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("open critical event store: %w", err)
	}
	buf, err := buffer.New(ctx, st, buffer.Options{
		Capacity:       c.Events.Capacity,
		PersistTimeout: c.Events.PersistTimeout,
		Logger:         log,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	scfg, err := c.Supervisor()
	if err != nil {
		_ = buf.Close()
		return nil, err
	}

	a := &App{cfg: c, log: log, buf: buf}
	a.bus = bus.New(buf, bus.Options{QueueSize: c.Events.QueueSize, Logger: log})
	a.sup = supervisor.New(scfg, a.bus, log)
	if c.Metrics.Enabled {
		if err := RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("Registering metrics failed", "error", err)
		}
		if err := a.sup.Collector().RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("Registering process metrics failed", "error", err)
		}
	}
	dcfg := c.DeliveryConfig()
	a.router = delivery.NewRouter(a.sup, a.bus, dcfg, log)
	a.srv = delivery.NewServer(dcfg, a.router)
	return a, nil
}

func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }
func (a *App) Bus() *bus.Bus                      { return a.bus }
func (a *App) Handler() http.Handler              { return a.srv.Handler }

// Run listens on the configured address and serves until ctx is done.
// With autostart the configured backend is started once the API is up.
func (a *App) Run(ctx context.Context, autostart bool) error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.srv.Addr, err)
	}
	return a.Serve(ctx, ln, autostart)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener, autostart bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("API listening", "addr", ln.Addr().String(), "base_path", a.cfg.Delivery.BasePath)
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.srv.Shutdown(sctx)
	})
	if autostart {
		g.Go(func() error {
			if a.sup.Spec().BinaryPath == "" {
				a.log.Info("No backend configured, waiting for /start")
				return nil
			}
			if err := a.sup.Start(gctx, nil); err != nil && gctx.Err() == nil {
				// stays visible through events and /status
				a.log.Error("Autostart failed", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops the backend, detaches every subscriber and closes the store.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.sup.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close supervisor: %w", err))
		}
		a.bus.Close()
		if err := a.buf.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// RegisterMetrics registers the warden collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
