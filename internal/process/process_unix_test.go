//go:build !windows

package process

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/warden/internal/detector"
)

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

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backend.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func waitLine(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case l := <-ch:
			if strings.Contains(l, want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for line %q", want)
		}
	}
}

func TestStartStop(t *testing.T) {
	bin := writeScript(t, `echo "listening on $2:$4"; exec sleep 30`)
	pidFile := filepath.Join(t.TempDir(), "backend.pid")
	lines := make(chan string, 16)
	spec := Spec{BinaryPath: bin, Port: freePort(t), PIDFile: pidFile}

	p, err := Start(spec, Options{OnLine: func(_, l string) { lines <- l }})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitLine(t, lines, "listening on 127.0.0.1:")

	if pid, _, err := detector.ReadPIDFile(pidFile); err != nil || pid != p.PID() {
		t.Fatalf("pid file = %d, %v; want %d", pid, err, p.PID())
	}
	if p.Exited() {
		t.Fatalf("process should be running")
	}
	if err := p.Stop(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !p.Exited() {
		t.Fatalf("Done should be closed after Stop")
	}
	if p.ExitCode() != -1 {
		t.Fatalf("expected signaled exit (-1), got %d", p.ExitCode())
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err=%v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	bin := writeScript(t, `trap '' TERM; echo ready; while true; do sleep 0.1; done`)
	lines := make(chan string, 16)
	p, err := Start(Spec{BinaryPath: bin, Port: freePort(t)}, Options{OnLine: func(_, l string) { lines <- l }})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitLine(t, lines, "ready")

	start := time.Now()
	if err := p.Stop(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Fatalf("stop returned before the grace period")
	}
	if !p.Exited() {
		t.Fatalf("process survived SIGKILL")
	}
}

func TestExitCodeAndOutputFiles(t *testing.T) {
	bin := writeScript(t, `echo out-line; echo err-line >&2; exit 3`)
	dir := t.TempDir()
	outF, _ := os.Create(filepath.Join(dir, "out.log"))
	errF, _ := os.Create(filepath.Join(dir, "err.log"))

	p, err := Start(Spec{BinaryPath: bin, Port: freePort(t)}, Options{Stdout: outF, Stderr: errF})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	if p.ExitCode() != 3 || p.ExitErr() == nil {
		t.Fatalf("exit code = %d err=%v", p.ExitCode(), p.ExitErr())
	}
	out, _ := os.ReadFile(filepath.Join(dir, "out.log"))
	errb, _ := os.ReadFile(filepath.Join(dir, "err.log"))
	if string(out) != "out-line\n" || string(errb) != "err-line\n" {
		t.Fatalf("captured stdout=%q stderr=%q", out, errb)
	}
}

func TestExitSeenWhileDescendantHoldsOutput(t *testing.T) {
	bin := writeScript(t, `echo before-exit; sleep 30 & exit 3`)
	lines := make(chan string, 16)
	p, err := Start(Spec{BinaryPath: bin, Port: freePort(t)}, Options{OnLine: func(_, l string) { lines <- l }})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = killGroup(p.PID()) })

	began := time.Now()
	select {
	case <-p.Done():
	case <-time.After(drainWait + 3*time.Second):
		t.Fatalf("exit not observed while the background sleep holds stdout")
	}
	if p.ExitCode() != 3 {
		t.Fatalf("exit code = %d", p.ExitCode())
	}
	if elapsed := time.Since(began); elapsed > drainWait+2*time.Second {
		t.Fatalf("exit observed after %s", elapsed)
	}
	waitLine(t, lines, "before-exit")
}

func TestStartPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	bin := writeScript(t, `exec sleep 30`)
	_, err = Start(Spec{BinaryPath: bin, Port: ln.Addr().(*net.TCPAddr).Port}, Options{})
	if !IsSpawnError(err, ReasonPortInUse) {
		t.Fatalf("expected port in use, got %v", err)
	}
}

func TestReapOrphan(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start orphan: %v", err)
	}
	reaped := make(chan struct{})
	go func() { _ = cmd.Wait(); close(reaped) }()

	pidFile := filepath.Join(t.TempDir(), "orphan.pid")
	if err := detector.WritePIDFile(pidFile, cmd.Process.Pid); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	pid, err := ReapOrphan(context.Background(), pidFile, time.Second, nil)
	if err != nil || pid != cmd.Process.Pid {
		t.Fatalf("reap = %d, %v", pid, err)
	}
	select {
	case <-reaped:
	case <-time.After(5 * time.Second):
		t.Fatalf("orphan still running")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed")
	}

	if pid, err := ReapOrphan(context.Background(), pidFile, time.Second, nil); err != nil || pid != 0 {
		t.Fatalf("missing pid file should be a no-op: %d, %v", pid, err)
	}
}

func TestQueryVersion(t *testing.T) {
	bin := writeScript(t, `if [ "$1" = "--version" ]; then echo; echo "backend 1.4.2"; exit 0; fi; exit 1`)
	v, err := QueryVersion(context.Background(), Spec{BinaryPath: bin})
	if err != nil || v != "backend 1.4.2" {
		t.Fatalf("version = %q, %v", v, err)
	}
	if _, err := QueryVersion(context.Background(), Spec{BinaryPath: "/nope"}); !IsSpawnError(err, ReasonBinaryMissing) {
		t.Fatalf("expected binary missing, got %v", err)
	}
}
