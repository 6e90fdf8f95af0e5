package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/warden/internal/detector"
)

// Stream names passed to LineFunc.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

const (
	maxLineBytes = 1 << 20
	reapWait     = 2 * time.Second
	// drainWait bounds how long output is read after the child exited.
	// A descendant can keep the pipes open long after that.
	drainWait = time.Second
)

// LineFunc receives each line written by the backend.
type LineFunc func(stream, line string)

// Options controls how a backend process is attached to the supervisor.
type Options struct {
	Env    []string
	Stdout io.WriteCloser
	Stderr io.WriteCloser
	OnLine LineFunc
	Logger *slog.Logger
}

// Process is a running backend. Exactly one goroutine waits on the child;
// everyone else observes Done.
type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	pipes     sync.WaitGroup
	log       *slog.Logger

	mu       sync.Mutex
	exitErr  error
	exitCode int
	exitedAt time.Time
}

// Start resolves the binary, checks the port, and spawns the backend. The
// returned process may still be starting up; readiness is probed by the caller.
func Start(spec Spec, opts Options) (*Process, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	bin, err := spec.ResolveBinary()
	if err != nil {
		return nil, err
	}
	if err := spec.CheckPort(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cmd := spec.BuildCommand(bin)
	cmd.Env = opts.Env
	// Own pipes instead of StdoutPipe so Wait does not depend on readers.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Reason: ReasonSpawnFailed, Err: err}
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return nil, &SpawnError{Reason: ReasonSpawnFailed, Err: err}
	}
	cmd.Stdout, cmd.Stderr = stdoutW, stderrW
	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		return nil, &SpawnError{Reason: ReasonSpawnFailed, Err: err}
	}

	p := &Process{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		exitCode:  -1,
		log:       log.With("process", spec.Name, "pid", cmd.Process.Pid),
	}
	if spec.PIDFile != "" {
		if err := detector.WritePIDFile(spec.PIDFile, p.pid); err != nil {
			p.log.Warn("write pid file failed", "path", spec.PIDFile, "error", err)
		}
	}
	p.pipes.Add(2)
	go p.pump(Stdout, stdout, opts.Stdout, opts.OnLine)
	go p.pump(Stderr, stderr, opts.Stderr, opts.OnLine)
	go p.wait(spec.PIDFile, []*os.File{stdout, stderr}, opts.Stdout, opts.Stderr)
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (p *Process) pump(stream string, r io.Reader, w io.Writer, onLine LineFunc) {
	defer p.pipes.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if w != nil {
			_, _ = io.WriteString(w, line+"\n")
		}
		if onLine != nil && strings.TrimSpace(line) != "" {
			onLine(stream, line)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		p.log.Debug("output pump stopped", "stream", stream, "error", err)
		// drain so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) wait(pidFile string, pipes []*os.File, closers ...io.WriteCloser) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.exitedAt = time.Now()
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()

	p.drain(pipes)
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
	if pidFile != "" {
		removePIDFile(pidFile, p.pid)
	}
	close(p.done)
}

// drain lets the pumps finish the output written before exit. Pipes still
// held open by a descendant are closed after drainWait.
func (p *Process) drain(pipes []*os.File) {
	drained := make(chan struct{})
	go func() {
		p.pipes.Wait()
		close(drained)
	}()
	t := time.NewTimer(drainWait)
	defer t.Stop()
	select {
	case <-drained:
	case <-t.C:
		p.log.Warn("output still open after exit, closing pipes", "wait", drainWait)
		closeAll(pipes...)
		<-drained
	}
	closeAll(pipes...)
}

func (p *Process) Name() string         { return p.name }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is -1 while running or when the child died from a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// ExitErr is the error returned by Wait, nil for a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Uptime is measured until exit once the process has exited.
func (p *Process) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exitedAt.IsZero() {
		return p.exitedAt.Sub(p.startedAt)
	}
	return time.Since(p.startedAt)
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL after
// grace. It returns once the child is reaped or ctx is done.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := terminateGroup(p.pid); err != nil {
		p.log.Warn("terminate failed", "error", err)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		_ = killGroup(p.pid)
		return ctx.Err()
	case <-t.C:
	}
	p.log.Warn("grace period elapsed, killing", "grace", grace)
	return p.Kill()
}

// Kill sends SIGKILL to the process group and waits briefly for the reap.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := killGroup(p.pid); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(reapWait):
		return errors.New("process did not exit after kill")
	}
}
