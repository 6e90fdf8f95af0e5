package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is stored on the second line of a pid file so that a reused pid
// is not mistaken for the process that wrote it.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile records pid and its start time at path.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, _ := json.Marshal(PIDMeta{StartUnix: ProcessStartUnix(pid)})
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(meta)+"\n"), 0o600)
}

// ReadPIDFile returns the pid and, when present, the recorded start time.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, PIDMeta{}, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, PIDMeta{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var meta PIDMeta
	if line := strings.TrimSpace(rest); line != "" {
		// ignore a malformed meta line; the pid alone is still usable
		_ = json.Unmarshal([]byte(line), &meta)
	}
	return pid, meta, nil
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

// PID returns the recorded pid if it still belongs to the process that
// wrote the file, or 0.
func (d PIDFileDetector) PID() (int, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if meta.StartUnix > 0 {
		cur := ProcessStartUnix(pid)
		if cur > 0 && cur != meta.StartUnix {
			return 0, nil // PID reused; not our process
		}
	}
	if !pidAlive(pid) {
		return 0, nil
	}
	return pid, nil
}

func (d PIDFileDetector) Alive(_ context.Context) (bool, error) {
	pid, err := d.PID()
	return pid > 0, err
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive(_ context.Context) (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string                      { return fmt.Sprintf("pid:%d", d.PID) }
