package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("backend already running")
	ErrNotStopped     = errors.New("backend must be stopped first")
	ErrClosed         = errors.New("supervisor closed")
	ErrStartAborted   = errors.New("start aborted by stop")
	ErrNoConfig       = errors.New("no server config")
)

// CrashError describes an unexpected exit of a running backend.
type CrashError struct {
	ExitCode int
	Attempts int
	Err      error
}

func (e *CrashError) Error() string {
	msg := fmt.Sprintf("backend exited unexpectedly (exit code %d", e.ExitCode)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(", %d restart attempts", e.Attempts)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CrashError) Unwrap() error { return e.Err }
