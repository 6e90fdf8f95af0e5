// Package supervisor owns the lifecycle of the backend server process.
//
// All state lives in a single goroutine. Public methods send a command and
// wait for its reply; probe, timer and exit notifications arrive on channels
// and are tagged with a generation so results from a previous process are
// dropped.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"golang.org/x/time/rate"
)

// Emitter receives every event the supervisor produces.
type Emitter interface {
	Emit(ctx context.Context, ev events.Event) error
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionConfigure
	actionClose
)

type command struct {
	action commandAction
	spec   *process.Spec
	reply  chan error
}

type probeResult struct {
	gen uint64
	ok  bool
	err error
}

type sessionsResult struct {
	gen    uint64
	active int
	err    error
}

type Supervisor struct {
	cfg       Config
	emitter   Emitter
	log       *slog.Logger
	env       *env.Env
	limiter   *rate.Limiter
	collector *metrics.ProcessMetricsCollector
	httpc     *http.Client

	cmdCh   chan command
	probeCh chan probeResult
	sessCh  chan sessionsResult
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
	pid       atomic.Int32

	mu       sync.RWMutex
	info     Info
	specSnap process.Spec

	// owned by run
	status         Status
	spec           process.Spec
	proc           *process.Process
	gen            uint64
	attempt        backoff.Attempt
	manual         bool
	pending        chan error
	misses         int
	probing        bool
	probeCancel    context.CancelFunc
	sessionsBusy   bool
	probeTimer     *time.Timer
	startupTimer   *time.Timer
	retryTimer     *time.Timer
	stableTimer    *time.Timer
	sessionsTicker *time.Ticker
	sessions       int
	lastExit       *int
	lastErr        error
	startBegan     time.Time
}

// New starts the supervisor goroutine. The backend is not spawned until
// Start is called.
func New(cfg Config, emitter Emitter, log *slog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	e := env.New()
	e.FromOS()
	for k, v := range cfg.Env {
		e.Set(k, v)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:       cfg,
		emitter:   emitter,
		log:       log.With("component", "supervisor"),
		env:       e,
		collector: metrics.NewProcessMetricsCollector(cfg.Metrics),
		httpc:     &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
		cmdCh:     make(chan command),
		probeCh:   make(chan probeResult, 4),
		sessCh:    make(chan sessionsResult, 1),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusStopped,
		spec:      cfg.Spec.WithDefaults(),
	}
	if cfg.ActivityRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ActivityRate), cfg.ActivityBurst)
	}
	s.publish()
	metrics.SetCurrentState(s.status.String(), AllStatuses())
	s.collector.Start(ctx, s.pid.Load)
	go s.run()
	return s
}

// Start spawns the backend. A nil spec reuses the configured one. The call
// returns once the backend is Running, or with the reason it is not.
func (s *Supervisor) Start(ctx context.Context, spec *process.Spec) error {
	return s.send(ctx, command{action: actionStart, spec: spec})
}

// Stop terminates the backend and always leaves it Stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.send(ctx, command{action: actionStop})
}

// Restart stops then starts the backend as one action and resets the
// restart attempt count.
func (s *Supervisor) Restart(ctx context.Context) error {
	return s.send(ctx, command{action: actionRestart})
}

// Configure replaces the server config. It is only accepted while the
// backend is Stopped or Crashed.
func (s *Supervisor) Configure(ctx context.Context, spec process.Spec) error {
	return s.send(ctx, command{action: actionConfigure, spec: &spec})
}

// Close stops the backend and the supervisor goroutine.
func (s *Supervisor) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.send(ctx, command{action: actionClose})
		s.collector.Stop()
		s.httpc.CloseIdleConnections()
	})
	return err
}

// Done is closed after Close has finished.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmdCh <- c:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is StatusUnknown once the supervisor is closed.
func (s *Supervisor) Status() Status {
	if s.closed.Load() {
		return StatusUnknown
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Status
}

func (s *Supervisor) Info() Info {
	s.mu.RLock()
	info := s.info
	s.mu.RUnlock()
	if s.closed.Load() {
		info.Status = StatusUnknown
		info.State = StatusUnknown.String()
	}
	if info.PID > 0 {
		info.Uptime = time.Since(info.StartedAt).Round(time.Second)
	}
	return info
}

// Spec returns the current server config.
func (s *Supervisor) Spec() process.Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.specSnap
}

// Version asks the configured binary for its version.
func (s *Supervisor) Version(ctx context.Context) (string, error) {
	spec := s.Spec()
	if spec.BinaryPath == "" {
		return "", ErrNoConfig
	}
	return process.QueryVersion(ctx, spec)
}

// ProcessMetrics samples the running backend.
func (s *Supervisor) ProcessMetrics() (metrics.ProcessMetrics, error) {
	pid := s.pid.Load()
	if pid <= 0 {
		return metrics.ProcessMetrics{}, errors.New("backend not running")
	}
	return metrics.Sample(pid)
}

// Collector exposes the periodic sampler for registration and history.
func (s *Supervisor) Collector() *metrics.ProcessMetricsCollector { return s.collector }

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.cancel()
	for {
		var exited <-chan struct{}
		if s.proc != nil {
			exited = s.proc.Done()
		}
		select {
		case c := <-s.cmdCh:
			if s.handle(c) {
				return
			}
		case <-exited:
			s.onExit()
		case r := <-s.probeCh:
			s.onProbe(r)
		case r := <-s.sessCh:
			s.onSessions(r)
		case <-timerC(s.probeTimer):
			s.probeTimer = nil
			s.launchProbe()
		case <-timerC(s.startupTimer):
			s.startupTimer = nil
			s.onStartupTimeout()
		case <-timerC(s.retryTimer):
			s.retryTimer = nil
			s.onRetry()
		case <-timerC(s.stableTimer):
			s.stableTimer = nil
			s.resetAttempts("stable")
		case <-tickerC(s.sessionsTicker):
			s.pollSessions()
		}
	}
}

func (s *Supervisor) handle(c command) (exit bool) {
	switch c.action {
	case actionStart:
		s.handleStart(c)
	case actionStop:
		c.reply <- s.handleStop("stop requested")
	case actionRestart:
		s.handleRestart(c)
	case actionConfigure:
		c.reply <- s.handleConfigure(*c.spec)
	case actionClose:
		err := s.handleStop("supervisor shutting down")
		s.replyPending(ErrClosed)
		s.closed.Store(true)
		c.reply <- err
		return true
	}
	return false
}

func (s *Supervisor) handleStart(c command) {
	if s.status == StatusRunning || s.status == StatusStarting {
		c.reply <- ErrAlreadyRunning
		return
	}
	spec := s.spec
	if c.spec != nil {
		spec = *c.spec
	}
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		c.reply <- err
		return
	}
	s.spec = spec
	s.cancelRetry()
	s.resetAttempts("manual start")
	if err := s.spawn(true, "start requested"); err != nil {
		c.reply <- err
		return
	}
	s.pending = c.reply
}

func (s *Supervisor) handleStop(reason string) error {
	switch s.status {
	case StatusStarting, StatusRunning:
		return s.stopProc(reason)
	case StatusCrashed:
		s.cancelRetry()
		s.transition(StatusStopped, reason)
	}
	return nil
}

func (s *Supervisor) handleRestart(c command) {
	if err := s.handleStop("restart requested"); err != nil {
		s.log.Warn("stop during restart failed", "error", err)
	}
	metrics.IncRestart("manual")
	s.handleStart(command{action: actionStart, reply: c.reply})
}

func (s *Supervisor) handleConfigure(spec process.Spec) error {
	if s.status != StatusStopped && s.status != StatusCrashed {
		return fmt.Errorf("configure: %w", ErrNotStopped)
	}
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}
	s.spec = spec
	s.publish()
	s.log.Info("server config updated", "binary", spec.BinaryPath, "addr", spec.Addr())
	s.emit(events.SeverityInfo, events.Activity{
		Source:  "config",
		Message: fmt.Sprintf("server config updated: %s on %s", spec.BinaryPath, spec.Addr()),
	})
	return nil
}

// transition moves to a new status and emits exactly one status_changed
// event for it.
func (s *Supervisor) transition(to Status, reason string) {
	from := s.status
	if !CanTransition(from, to) {
		s.log.Error("refusing illegal transition", "from", from, "to", to, "reason", reason)
		return
	}
	s.status = to
	metrics.RecordStateTransition(from.String(), to.String())
	metrics.SetCurrentState(to.String(), AllStatuses())
	s.publish()

	pid := 0
	if s.proc != nil {
		pid = s.proc.PID()
	}
	s.log.Info("backend status changed", "from", from, "to", to, "pid", pid, "reason", reason)
	s.emit(severityFor(to), events.StatusChanged{
		From:   from.String(),
		To:     to.String(),
		PID:    pid,
		Reason: reason,
	})
}

func (s *Supervisor) emit(sev events.Severity, p events.Payload) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(context.Background(), events.New(sev, p)); err != nil {
		s.log.Warn("emit event failed", "kind", p.Kind(), "error", err)
	}
}

func (s *Supervisor) emitError(sev events.Severity, class events.ErrorClass, err error, exitCode *int) {
	s.emit(sev, events.Error{
		Class:    class,
		Message:  err.Error(),
		ExitCode: exitCode,
		Attempts: s.attempt.Count,
	})
}

// publish copies loop-owned state into the snapshot read by Status and Info.
func (s *Supervisor) publish() {
	info := Info{
		Status:         s.status,
		State:          s.status.String(),
		Name:           s.spec.Name,
		Binary:         s.spec.BinaryPath,
		Attempt:        s.attempt.Count,
		CurrentBackoff: s.attempt.CurrentBackoff,
		LastExitCode:   s.lastExit,
		Sessions:       s.sessions,
		UpdatedAt:      time.Now().UTC(),
	}
	if s.spec.Port > 0 {
		info.Addr = s.spec.Addr()
	}
	if s.proc != nil {
		info.PID = s.proc.PID()
		info.StartedAt = s.proc.StartedAt()
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	s.mu.Lock()
	s.info = info
	s.specSnap = s.spec
	s.mu.Unlock()
	s.pid.Store(int32(info.PID))
}

func (s *Supervisor) replyPending(err error) {
	if s.pending != nil {
		s.pending <- err
		s.pending = nil
	}
}

func (s *Supervisor) resetAttempts(why string) {
	if s.attempt.Count > 0 {
		s.log.Info("restart attempts reset", "previous", s.attempt.Count, "why", why)
	}
	s.attempt = backoff.Attempt{}
	metrics.SetRestartAttempt(0)
	s.publish()
}

func (s *Supervisor) cancelRetry() {
	stopTimer(s.retryTimer)
	s.retryTimer = nil
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
