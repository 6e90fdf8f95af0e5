package supervisor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/loykin/warden/internal/detector"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
)

// spawn launches a new backend and moves to Starting. On failure nothing
// transitions and the error is returned.
func (s *Supervisor) spawn(manual bool, reason string) error {
	s.manual = manual
	if _, err := process.ReapOrphan(s.ctx, s.spec.PIDFile, s.spec.GracePeriod, s.log); err != nil {
		s.log.Warn("orphan check failed", "pid_file", s.spec.PIDFile, "error", err)
	}
	stdout, stderr, err := s.cfg.Output.ProcessWriters(s.spec.Name)
	if err != nil {
		s.log.Warn("backend log files unavailable", "error", err)
	}
	p, err := process.Start(s.spec, process.Options{
		Env:    s.env.Merge(s.spec.Env),
		Stdout: stdout,
		Stderr: stderr,
		OnLine: s.onLine,
		Logger: s.log,
	})
	if err != nil {
		closeQuietly(stdout, stderr)
		s.lastErr = err
		s.log.Error("backend spawn failed", "binary", s.spec.BinaryPath, "addr", s.spec.Addr(), "error", err)
		s.emitError(events.SeverityWarning, events.ClassSpawn, err, nil)
		s.publish()
		return err
	}

	s.proc = p
	s.gen++
	s.misses = 0
	s.lastErr = nil
	s.startBegan = time.Now()
	s.transition(StatusStarting, reason)
	s.startupTimer = time.NewTimer(s.spec.StartupTimeout)
	s.probeTimer = time.NewTimer(s.cfg.Health.StartupProbeInterval)
	return nil
}

// stopProc terminates the current process: Stopping, SIGTERM, grace,
// SIGKILL, Stopped. A pending start is answered with ErrStartAborted.
func (s *Supervisor) stopProc(reason string) error {
	s.cancelRetry()
	s.cancelProbes()
	p := s.proc
	s.transition(StatusStopping, reason)

	ctx, cancel := context.WithTimeout(context.Background(), s.spec.GracePeriod+5*time.Second)
	defer cancel()
	err := p.Stop(ctx, s.spec.GracePeriod)
	if err != nil {
		s.log.Warn("backend stop incomplete", "pid", p.PID(), "error", err)
	}
	code := p.ExitCode()
	s.lastExit = &code
	s.clearProc()
	s.replyPending(ErrStartAborted)
	s.transition(StatusStopped, "stopped")
	return err
}

// cancelProbes drops any scheduled or in-flight liveness work for the
// current process.
func (s *Supervisor) cancelProbes() {
	if s.probeCancel != nil {
		s.probeCancel()
		s.probeCancel = nil
	}
	s.probing = false
	stopTimer(s.probeTimer)
	s.probeTimer = nil
	stopTimer(s.startupTimer)
	s.startupTimer = nil
	stopTimer(s.stableTimer)
	s.stableTimer = nil
	if s.sessionsTicker != nil {
		s.sessionsTicker.Stop()
		s.sessionsTicker = nil
	}
}

func (s *Supervisor) clearProc() {
	s.cancelProbes()
	s.proc = nil
	s.gen++
	s.sessions = 0
	s.sessionsBusy = false
	s.publish()
}

// onExit handles the process leaving on its own.
func (s *Supervisor) onExit() {
	p := s.proc
	code := p.ExitCode()
	exitErr := p.ExitErr()
	s.lastExit = &code
	s.clearProc()

	switch s.status {
	case StatusStarting:
		err := &process.SpawnError{Reason: process.ReasonExited, Err: fmt.Errorf("exit code %d", code)}
		s.startFailed(err, code)
	case StatusRunning:
		s.handleUnexpectedExit(code, exitErr)
	}
}

// handleUnexpectedExit is the failure path for a backend that was Running.
func (s *Supervisor) handleUnexpectedExit(code int, cause error) {
	metrics.IncCrash()
	crash := &CrashError{ExitCode: code, Attempts: s.attempt.Count, Err: cause}
	s.fail(crash, &code)
}

// startFailed ends a Starting phase that did not reach Running. A manual
// start goes back to Stopped and reports to its caller; a retry counts as
// another failed attempt.
func (s *Supervisor) startFailed(err error, code int) {
	s.lastErr = err
	if s.manual {
		s.log.Error("backend failed to start", "error", err)
		s.emitError(events.SeverityWarning, events.ClassSpawn, err, nil)
		s.transition(StatusStopped, err.Error())
		s.replyPending(err)
		return
	}
	var exit *int
	if code >= 0 {
		exit = &code
	}
	s.fail(err, exit)
}

// fail moves to Crashed and consults the restart policy.
func (s *Supervisor) fail(cause error, exitCode *int) {
	s.lastErr = cause
	d := s.cfg.Restart.Decide(s.attempt)
	reason := cause.Error()
	if d.GiveUp() {
		reason += fmt.Sprintf("; giving up after %d restart attempts", s.attempt.Count)
	} else {
		s.attempt = s.attempt.Next(time.Now(), d.Delay)
		metrics.SetRestartAttempt(s.attempt.Count)
		reason += fmt.Sprintf("; restart %d in %s", s.attempt.Count, d.Delay)
	}
	if s.status != StatusCrashed {
		s.transition(StatusCrashed, reason)
	} else {
		s.publish()
	}

	if d.GiveUp() {
		s.log.Error("backend keeps crashing, not restarting", "attempts", s.attempt.Count, "error", cause)
		s.emitError(events.SeverityCritical, events.ClassCrash, cause, exitCode)
		return
	}
	s.log.Warn("backend restart scheduled", "attempt", s.attempt.Count, "delay", d.Delay, "error", cause)
	s.retryTimer = time.NewTimer(d.Delay)
}

func (s *Supervisor) onRetry() {
	if s.status != StatusCrashed {
		return
	}
	metrics.IncRestart("crash")
	if err := s.spawn(false, fmt.Sprintf("restart attempt %d", s.attempt.Count)); err != nil {
		s.fail(err, nil)
	}
}

func (s *Supervisor) onStartupTimeout() {
	if s.status != StatusStarting || s.proc == nil {
		return
	}
	err := &process.SpawnError{
		Reason: process.ReasonStartupTimeout,
		Err:    fmt.Errorf("no successful health check within %s", s.spec.StartupTimeout),
	}
	s.log.Warn("backend startup timed out, killing", "pid", s.proc.PID(), "timeout", s.spec.StartupTimeout)
	if kerr := s.proc.Kill(); kerr != nil {
		s.log.Error("kill after startup timeout failed", "error", kerr)
	}
	s.clearProc()
	s.startFailed(err, -1)
}

func (s *Supervisor) becomeRunning() {
	stopTimer(s.startupTimer)
	s.startupTimer = nil
	s.transition(StatusRunning, "health check passed")
	metrics.IncStart()
	metrics.ObserveStartDuration(time.Since(s.startBegan).Seconds())
	s.replyPending(nil)

	if s.cfg.StableAfter <= 0 {
		s.resetAttempts("running")
	} else if s.attempt.Count > 0 {
		s.stableTimer = time.NewTimer(s.cfg.StableAfter)
	}
	s.probeTimer = time.NewTimer(s.cfg.Health.Interval)
	if s.spec.SessionsURL != "" {
		s.sessionsTicker = time.NewTicker(s.cfg.SessionsInterval)
	}
}

func (s *Supervisor) detectorFor(spec process.Spec) detector.Detector {
	switch {
	case spec.HealthURL != "":
		return detector.HTTPDetector{URL: spec.HealthURL, Client: s.httpc}
	case spec.HealthCommand != "":
		return detector.CommandDetector{Command: spec.HealthCommand}
	default:
		return detector.TCPDetector{Addr: spec.Addr()}
	}
}

func (s *Supervisor) launchProbe() {
	if s.proc == nil || s.probing {
		return
	}
	gen := s.gen
	det := s.detectorFor(s.spec)
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Health.Timeout)
	s.probing = true
	s.probeCancel = cancel
	go func() {
		defer cancel()
		ok, err := det.Alive(ctx)
		select {
		case s.probeCh <- probeResult{gen: gen, ok: ok, err: err}:
		case <-s.done:
		}
	}()
}

func (s *Supervisor) onProbe(r probeResult) {
	if r.gen != s.gen || s.proc == nil {
		return
	}
	s.probing = false
	s.probeCancel = nil

	switch s.status {
	case StatusStarting:
		if r.ok {
			s.becomeRunning()
			return
		}
		s.probeTimer = time.NewTimer(s.cfg.Health.StartupProbeInterval)
	case StatusRunning:
		if r.ok {
			s.misses = 0
		} else {
			s.misses++
			s.log.Debug("health check missed", "misses", s.misses, "error", r.err)
			if s.misses >= s.cfg.Health.MissThreshold {
				s.killUnresponsive()
				return
			}
		}
		s.probeTimer = time.NewTimer(s.cfg.Health.Interval)
	}
}

// killUnresponsive treats a hung backend as crashed.
func (s *Supervisor) killUnresponsive() {
	p := s.proc
	misses := s.misses
	s.log.Warn("backend unresponsive, killing", "pid", p.PID(), "misses", misses)
	if err := p.Kill(); err != nil {
		s.log.Error("kill unresponsive backend failed", "error", err)
	}
	code := p.ExitCode()
	s.lastExit = &code
	s.clearProc()
	s.handleUnexpectedExit(code, fmt.Errorf("%d consecutive failed health checks", misses))
}

func (s *Supervisor) onLine(stream, line string) {
	if s.limiter == nil || !s.limiter.Allow() {
		return
	}
	s.emit(events.SeverityInfo, events.Activity{Source: stream, Message: line})
}

func closeQuietly(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
