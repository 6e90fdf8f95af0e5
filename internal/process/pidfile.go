package process

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/warden/internal/detector"
)

// ReapOrphan kills a backend left behind by a previous supervisor, as
// recorded in pidFile. It returns the pid it reaped, or 0.
func ReapOrphan(ctx context.Context, pidFile string, grace time.Duration, log *slog.Logger) (int, error) {
	if pidFile == "" {
		return 0, nil
	}
	pid, err := detector.PIDFileDetector{PIDFile: pidFile}.PID()
	if err != nil {
		return 0, err
	}
	if pid <= 0 || pid == os.Getpid() {
		_ = os.Remove(pidFile)
		return 0, nil
	}
	if log != nil {
		log.Warn("reaping orphaned backend", "pid", pid, "pid_file", pidFile)
	}
	_ = terminateGroup(pid)
	if !waitGone(ctx, pid, grace) {
		_ = killGroup(pid)
		waitGone(ctx, pid, reapWait)
	}
	_ = os.Remove(pidFile)
	return pid, nil
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	det := detector.PIDDetector{PID: pid}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if alive, _ := det.Alive(ctx); !alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return false
}

// removePIDFile deletes the file only if it still names pid.
func removePIDFile(path string, pid int) {
	got, _, err := detector.ReadPIDFile(path)
	if err == nil && got == pid {
		_ = os.Remove(path)
	}
}
