//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/process"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// lumberjack starts its mill goroutine on first write and never stops it
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Emit(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

// transitions returns "from->to" for every status_changed event.
func (r *recorder) transitions() []string {
	var out []string
	for _, ev := range r.all() {
		if sc, ok := ev.Payload.(events.StatusChanged); ok {
			out = append(out, sc.From+"->"+sc.To)
		}
	}
	return out
}

func (r *recorder) reasons(to string) []string {
	var out []string
	for _, ev := range r.all() {
		if sc, ok := ev.Payload.(events.StatusChanged); ok && sc.To == to {
			out = append(out, sc.Reason)
		}
	}
	return out
}

func (r *recorder) count(transition string) int {
	n := 0
	for _, tr := range r.transitions() {
		if tr == transition {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// newTestSupervisor writes script as the backend binary. The script sees
// $TEST_DIR; the backend counts as healthy while $TEST_DIR/up exists.
func newTestSupervisor(t *testing.T, script string, tweak func(*Config)) (*Supervisor, *recorder, string) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "backend.sh")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cfg := Config{
		Spec: process.Spec{
			BinaryPath:     bin,
			Port:           freePort(t),
			HealthCommand:  "test -f " + filepath.Join(dir, "up"),
			StartupTimeout: 5 * time.Second,
			GracePeriod:    time.Second,
			Env:            map[string]string{"TEST_DIR": dir},
		},
		Health: HealthConfig{
			Interval:             50 * time.Millisecond,
			Timeout:              time.Second,
			MissThreshold:        2,
			StartupProbeInterval: 20 * time.Millisecond,
		},
		Restart:      backoff.Policy{Base: 50 * time.Millisecond, Multiplier: 2, Cap: time.Second, MaxAttempts: 5},
		ActivityRate: -1,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	rec := &recorder{}
	s := New(cfg, rec, nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, rec, dir
}

func pidGone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

const healthyScript = `touch "$TEST_DIR/up"; exec sleep 30`

func TestStartReachesRunningThenStops(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, healthyScript, nil)
	ctx := context.Background()

	if err := s.Start(ctx, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status() != StatusRunning {
		t.Fatalf("status = %s, want running", s.Status())
	}
	info := s.Info()
	if info.PID <= 0 || info.State != "running" {
		t.Fatalf("info = %+v", info)
	}
	if err := s.Start(ctx, nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !pidGone(info.PID) {
		t.Fatalf("backend pid %d still alive", info.PID)
	}
	want := []string{"stopped->starting", "starting->running", "running->stopping", "stopping->stopped"}
	if got := rec.transitions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions = %v", got)
	}
	last := rec.all()[len(rec.all())-1]
	if last.Severity != events.SeverityCritical {
		t.Fatalf("move to stopped should be critical, got %s", last.Severity)
	}
	if err := s.Stop(ctx); err != nil || rec.count("stopping->stopped") != 1 {
		t.Fatalf("stop on stopped backend should be a no-op")
	}
}

func TestStartValidationFailsWithoutTransition(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, healthyScript, nil)
	bad := s.Spec()
	bad.Port = 80

	err := s.Start(context.Background(), &bad)
	var ve *process.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(rec.all()) != 0 || s.Status() != StatusStopped {
		t.Fatalf("validation failure must not transition: %v", rec.transitions())
	}
}

func TestStartBinaryMissing(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, healthyScript, func(c *Config) {
		c.Spec.BinaryPath = "/nonexistent/backend"
	})
	err := s.Start(context.Background(), nil)
	if !process.IsSpawnError(err, process.ReasonBinaryMissing) {
		t.Fatalf("expected binary missing, got %v", err)
	}
	if len(rec.transitions()) != 0 || s.Status() != StatusStopped {
		t.Fatalf("unexpected transitions %v", rec.transitions())
	}
	if s.Info().LastError == "" {
		t.Fatalf("last error should be recorded")
	}
}

func TestStartPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	s, _, _ := newTestSupervisor(t, healthyScript, func(c *Config) {
		c.Spec.Port = ln.Addr().(*net.TCPAddr).Port
	})
	if err := s.Start(context.Background(), nil); !process.IsSpawnError(err, process.ReasonPortInUse) {
		t.Fatalf("expected port in use, got %v", err)
	}
}

func TestStartupTimeoutKillsBackend(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, `exec sleep 30`, func(c *Config) {
		c.Spec.StartupTimeout = 300 * time.Millisecond
	})
	err := s.Start(context.Background(), nil)
	if !process.IsSpawnError(err, process.ReasonStartupTimeout) {
		t.Fatalf("expected startup timeout, got %v", err)
	}
	if s.Status() != StatusStopped {
		t.Fatalf("status = %s", s.Status())
	}
	want := "stopped->starting,starting->stopped"
	if got := strings.Join(rec.transitions(), ","); got != want {
		t.Fatalf("transitions = %s", got)
	}
	var pid int
	for _, ev := range rec.all() {
		if sc, ok := ev.Payload.(events.StatusChanged); ok && sc.To == "starting" {
			pid = sc.PID
		}
	}
	if pid == 0 || !pidGone(pid) {
		t.Fatalf("backend %d should have been killed", pid)
	}
}

func TestExitDuringManualStart(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, `exit 4`, nil)
	err := s.Start(context.Background(), nil)
	if !process.IsSpawnError(err, process.ReasonExited) {
		t.Fatalf("expected exited during startup, got %v", err)
	}
	if got := strings.Join(rec.transitions(), ","); got != "stopped->starting,starting->stopped" {
		t.Fatalf("transitions = %s", got)
	}
	if code := s.Info().LastExitCode; code == nil || *code != 4 {
		t.Fatalf("last exit code = %v", code)
	}
}

// The first run crashes after reaching Running, the next two die during
// startup and the third retry stays up.
const flakyScript = `
n=$(cat "$TEST_DIR/count" 2>/dev/null || echo 0)
n=$((n+1))
echo $n > "$TEST_DIR/count"
case $n in
1) touch "$TEST_DIR/up"; sleep 0.3; rm -f "$TEST_DIR/up"; exit 1 ;;
2|3) exit 1 ;;
*) touch "$TEST_DIR/up"; exec sleep 30 ;;
esac`

func TestCrashBackoffAndReset(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, flakyScript, nil)
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "third restart to reach running", func() bool {
		return rec.count("starting->running") == 2
	})

	want := []string{
		"stopped->starting", "starting->running",
		"running->crashed", "crashed->starting",
		"starting->crashed", "crashed->starting",
		"starting->crashed", "crashed->starting",
		"starting->running",
	}
	if got := rec.transitions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("transitions = %v", got)
	}
	reasons := rec.reasons("crashed")
	delays := []string{"restart 1 in 50ms", "restart 2 in 100ms", "restart 3 in 200ms"}
	for i, d := range delays {
		if !strings.Contains(reasons[i], d) {
			t.Fatalf("crash %d reason %q should contain %q", i+1, reasons[i], d)
		}
	}
	waitFor(t, "attempt reset", func() bool { return s.Info().Attempt == 0 })
	if s.Status() != StatusRunning {
		t.Fatalf("status = %s", s.Status())
	}
}

func TestGiveUpEmitsCriticalError(t *testing.T) {
	script := strings.Replace(flakyScript, "2|3) exit 1", "2|3|4) exit 1", 1)
	s, rec, _ := newTestSupervisor(t, script, func(c *Config) {
		c.Restart.MaxAttempts = 2
	})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "critical crash error", func() bool {
		for _, ev := range rec.all() {
			if e, ok := ev.Payload.(events.Error); ok && e.Class == events.ClassCrash && ev.Critical() {
				return true
			}
		}
		return false
	})
	if s.Status() != StatusCrashed || s.Info().Attempt != 2 {
		t.Fatalf("status=%s attempt=%d", s.Status(), s.Info().Attempt)
	}
	reasons := rec.reasons("crashed")
	if !strings.Contains(reasons[len(reasons)-1], "giving up after 2") {
		t.Fatalf("last crash reason = %q", reasons[len(reasons)-1])
	}

	time.Sleep(200 * time.Millisecond)
	if s.Status() != StatusCrashed {
		t.Fatalf("no automatic restart expected after giving up")
	}

	// run 4 fails during startup; restart is manual so it goes back to stopped
	if err := s.Restart(context.Background()); !process.IsSpawnError(err, process.ReasonExited) {
		t.Fatalf("restart: %v", err)
	}
	if s.Info().Attempt != 0 {
		t.Fatalf("manual restart should reset attempts, got %d", s.Info().Attempt)
	}
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("second restart: %v", err)
	}
	if s.Status() != StatusRunning {
		t.Fatalf("status = %s", s.Status())
	}
}

func TestCrashInsideStableWindowKeepsCount(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, `touch "$TEST_DIR/up"; sleep 0.3; exit 1`, func(c *Config) {
		c.StableAfter = 5 * time.Second
		c.Restart.MaxAttempts = 3
	})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "critical crash error", func() bool {
		for _, ev := range rec.all() {
			if e, ok := ev.Payload.(events.Error); ok && e.Class == events.ClassCrash && ev.Critical() {
				return true
			}
		}
		return false
	})
	if s.Status() != StatusCrashed || s.Info().Attempt != 3 {
		t.Fatalf("status=%s attempt=%d", s.Status(), s.Info().Attempt)
	}
	if n := rec.count("starting->running"); n < 2 {
		t.Fatalf("expected restarts to reach running inside the window, got %d: %v", n, rec.transitions())
	}
	reasons := rec.reasons("crashed")
	if !strings.Contains(reasons[len(reasons)-1], "giving up after 3") {
		t.Fatalf("last crash reason = %q", reasons[len(reasons)-1])
	}
}

func TestStableWindowResetsCount(t *testing.T) {
	script := `
n=$(cat "$TEST_DIR/count" 2>/dev/null || echo 0)
n=$((n+1))
echo $n > "$TEST_DIR/count"
touch "$TEST_DIR/up"
if [ $n -eq 1 ]; then sleep 0.3; exit 1; fi
exec sleep 30`
	s, rec, _ := newTestSupervisor(t, script, func(c *Config) {
		c.StableAfter = 500 * time.Millisecond
	})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "restart to reach running", func() bool { return rec.count("starting->running") == 2 })
	running := time.Now()
	if got := s.Info().Attempt; got != 1 {
		t.Fatalf("attempt reset before the stable window: %d", got)
	}

	waitFor(t, "attempt reset", func() bool { return s.Info().Attempt == 0 })
	if elapsed := time.Since(running); elapsed < 300*time.Millisecond {
		t.Fatalf("attempt reset after %s", elapsed)
	}
	if s.Status() != StatusRunning {
		t.Fatalf("status = %s", s.Status())
	}
}

func TestStopWhileStarting(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, `exec sleep 30`, func(c *Config) {
		c.Spec.StartupTimeout = 20 * time.Second
	})
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background(), nil) }()
	waitFor(t, "starting", func() bool { return s.Status() == StatusStarting })
	pid := s.Info().PID

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStartAborted) {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("start did not return")
	}
	if s.Status() != StatusStopped || !pidGone(pid) {
		t.Fatalf("status=%s pid alive=%v", s.Status(), !pidGone(pid))
	}
	want := "stopped->starting,starting->stopping,stopping->stopped"
	if got := strings.Join(rec.transitions(), ","); got != want {
		t.Fatalf("transitions = %s", got)
	}
}

func TestUnresponsiveBackendIsRestarted(t *testing.T) {
	s, rec, dir := newTestSupervisor(t, healthyScript, nil)
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := s.Info().PID
	if err := os.Remove(filepath.Join(dir, "up")); err != nil {
		t.Fatalf("remove up: %v", err)
	}
	waitFor(t, "restart after missed health checks", func() bool {
		return rec.count("starting->running") == 2
	})
	reasons := rec.reasons("crashed")
	if len(reasons) != 1 || !strings.Contains(reasons[0], "2 consecutive failed health checks") {
		t.Fatalf("crash reasons = %v", reasons)
	}
	if !pidGone(first) {
		t.Fatalf("hung backend %d should have been killed", first)
	}
}

func TestConfigureOnlyWhenStopped(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, healthyScript, nil)
	ctx := context.Background()
	if err := s.Start(ctx, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	spec := s.Spec()
	spec.Port = freePort(t)
	if err := s.Configure(ctx, spec); !errors.Is(err, ErrNotStopped) {
		t.Fatalf("configure while running: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Configure(ctx, spec); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if s.Spec().Port != spec.Port {
		t.Fatalf("spec not updated")
	}
	found := false
	for _, ev := range rec.all() {
		if a, ok := ev.Payload.(events.Activity); ok && a.Source == "config" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected config activity event")
	}
	spec.BinaryPath = ""
	var ve *process.ValidationError
	if err := s.Configure(ctx, spec); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestActivityFromBackendOutput(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, `echo hello-from-backend; `+healthyScript, func(c *Config) {
		c.ActivityRate = 100
		c.ActivityBurst = 10
		c.Output.File.Dir = t.TempDir()
	})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "activity event", func() bool {
		for _, ev := range rec.all() {
			if a, ok := ev.Payload.(events.Activity); ok && a.Source == process.Stdout && a.Message == "hello-from-backend" {
				return true
			}
		}
		return false
	})
	logPath := filepath.Join(s.cfg.Output.File.Dir, "backend.stdout.log")
	waitFor(t, "rotated stdout log", func() bool {
		b, _ := os.ReadFile(logPath)
		return strings.Contains(string(b), "hello-from-backend")
	})
}

func TestSessionUpdates(t *testing.T) {
	var mu sync.Mutex
	body := `[{"id":"a"},{"id":"b"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprint(w, body)
	}))
	defer srv.Close()

	s, rec, _ := newTestSupervisor(t, healthyScript, func(c *Config) {
		c.Spec.SessionsURL = srv.URL
		c.SessionsInterval = 30 * time.Millisecond
	})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	sessionEvents := func() []events.SessionUpdate {
		var out []events.SessionUpdate
		for _, ev := range rec.all() {
			if su, ok := ev.Payload.(events.SessionUpdate); ok {
				out = append(out, su)
			}
		}
		return out
	}
	waitFor(t, "first session update", func() bool { return len(sessionEvents()) == 1 })
	if su := sessionEvents()[0]; su.Active != 2 || su.Previous != 0 {
		t.Fatalf("update = %+v", su)
	}
	mu.Lock()
	body = `{"active":1}`
	mu.Unlock()
	waitFor(t, "second session update", func() bool { return len(sessionEvents()) == 2 })
	if su := sessionEvents()[1]; su.Active != 1 || su.Previous != 2 {
		t.Fatalf("update = %+v", su)
	}
	if s.Info().Sessions != 1 {
		t.Fatalf("info sessions = %d", s.Info().Sessions)
	}
	_ = s.Stop(context.Background())
}

func TestCloseReportsUnknown(t *testing.T) {
	s, rec, _ := newTestSupervisor(t, healthyScript, nil)
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := s.Info().PID
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.Status() != StatusUnknown || s.Info().State != "unknown" {
		t.Fatalf("status after close = %s", s.Status())
	}
	if !pidGone(pid) {
		t.Fatalf("backend should be stopped on close")
	}
	if err := s.Start(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close: %v", err)
	}
	if rec.count("stopping->stopped") != 1 {
		t.Fatalf("transitions = %v", rec.transitions())
	}
}

func TestVersion(t *testing.T) {
	s, _, _ := newTestSupervisor(t, `if [ "$1" = "--version" ]; then echo "backend 0.9.1"; exit 0; fi; `+healthyScript, nil)
	v, err := s.Version(context.Background())
	if err != nil || v != "backend 0.9.1" {
		t.Fatalf("version = %q, %v", v, err)
	}
}

func TestProcessMetricsRequiresRunningBackend(t *testing.T) {
	s, _, _ := newTestSupervisor(t, healthyScript, nil)
	if _, err := s.ProcessMetrics(); err == nil {
		t.Fatalf("expected error while stopped")
	}
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	m, err := s.ProcessMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if int(m.PID) != s.Info().PID {
		t.Fatalf("metrics pid %d != %d", m.PID, s.Info().PID)
	}
}
