package process

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	MinPort = 1024
	MaxPort = 65535

	DefaultName           = "backend"
	DefaultHost           = "127.0.0.1"
	DefaultStartupTimeout = 30 * time.Second
	DefaultGracePeriod    = 5 * time.Second
)

// DefaultArgs is used when Spec.Args is empty. {host} and {port} are
// replaced at spawn time.
var DefaultArgs = []string{"--host", "{host}", "--port", "{port}"}

// Spec describes the backend server process.
type Spec struct {
	Name           string            `json:"name" mapstructure:"name"`
	BinaryPath     string            `json:"binary" mapstructure:"binary"`
	Args           []string          `json:"args,omitempty" mapstructure:"args"`
	Host           string            `json:"host" mapstructure:"host"`
	Port           int               `json:"port" mapstructure:"port"`
	WorkDir        string            `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Env            map[string]string `json:"env,omitempty" mapstructure:"env"`
	PIDFile        string            `json:"pid_file,omitempty" mapstructure:"pid_file"`
	HealthURL      string            `json:"health_url,omitempty" mapstructure:"health_url"`
	HealthCommand  string            `json:"health_command,omitempty" mapstructure:"health_command"`
	SessionsURL    string            `json:"sessions_url,omitempty" mapstructure:"sessions_url"`
	StartupTimeout time.Duration     `json:"startup_timeout,omitempty" mapstructure:"startup_timeout"`
	GracePeriod    time.Duration     `json:"grace_period,omitempty" mapstructure:"grace_period"`
}

// WithDefaults fills unset optional fields.
func (s Spec) WithDefaults() Spec {
	if s.Name == "" {
		s.Name = DefaultName
	}
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = DefaultStartupTimeout
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	return s
}

// Addr is host:port of the backend listener.
func (s Spec) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ValidationError lists every problem found in a Spec. Nothing is spawned
// when it is returned.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid server config: " + strings.Join(e.Problems, "; ")
}

// Validate checks the spec without touching the filesystem or network.
func (s Spec) Validate() error {
	var probs []string
	if strings.TrimSpace(s.BinaryPath) == "" {
		probs = append(probs, "binary path is required")
	}
	if s.Port < MinPort || s.Port > MaxPort {
		probs = append(probs, fmt.Sprintf("port %d outside %d-%d", s.Port, MinPort, MaxPort))
	}
	if strings.ContainsAny(s.Host, " /") {
		probs = append(probs, fmt.Sprintf("invalid host %q", s.Host))
	}
	if s.StartupTimeout < 0 || s.GracePeriod < 0 {
		probs = append(probs, "timeouts must not be negative")
	}
	if len(probs) > 0 {
		return &ValidationError{Problems: probs}
	}
	return nil
}

// SpawnReason classifies a SpawnError.
type SpawnReason string

const (
	ReasonBinaryMissing  SpawnReason = "binary not found"
	ReasonPortInUse      SpawnReason = "port in use"
	ReasonSpawnFailed    SpawnReason = "spawn failed"
	ReasonStartupTimeout SpawnReason = "startup timeout"
	ReasonExited         SpawnReason = "exited during startup"
	ReasonAborted        SpawnReason = "start aborted"
)

// SpawnError is returned when the backend could not be brought up.
type SpawnError struct {
	Reason SpawnReason
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err == nil {
		return "spawn backend: " + string(e.Reason)
	}
	return fmt.Sprintf("spawn backend: %s: %v", e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ResolveBinary returns the absolute path of the configured binary.
func (s Spec) ResolveBinary() (string, error) {
	p := strings.TrimSpace(s.BinaryPath)
	if !strings.ContainsRune(p, os.PathSeparator) && !strings.Contains(p, "/") {
		found, err := exec.LookPath(p)
		if err != nil {
			return "", &SpawnError{Reason: ReasonBinaryMissing, Err: err}
		}
		return found, nil
	}
	fi, err := os.Stat(p)
	if err != nil {
		return "", &SpawnError{Reason: ReasonBinaryMissing, Err: err}
	}
	if fi.IsDir() {
		return "", &SpawnError{Reason: ReasonBinaryMissing, Err: fmt.Errorf("%s is a directory", p)}
	}
	return p, nil
}

// CheckPort fails with ReasonPortInUse when something already listens on
// the backend address.
func (s Spec) CheckPort() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return &SpawnError{Reason: ReasonPortInUse, Err: err}
	}
	return ln.Close()
}

// BuildArgs expands {host} and {port} in Args (or DefaultArgs).
func (s Spec) BuildArgs() []string {
	src := s.Args
	if len(src) == 0 {
		src = DefaultArgs
	}
	r := strings.NewReplacer("{host}", s.Host, "{port}", strconv.Itoa(s.Port))
	out := make([]string, len(src))
	for i, a := range src {
		out[i] = r.Replace(a)
	}
	return out
}

// BuildCommand returns the command for binary, configured for group signaling.
func (s Spec) BuildCommand(binary string) *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(binary, s.BuildArgs()...)
	cmd.Dir = s.WorkDir
	configureSysProcAttr(cmd)
	return cmd
}

// IsSpawnError reports whether err is a SpawnError with reason r.
func IsSpawnError(err error, r SpawnReason) bool {
	var se *SpawnError
	return errors.As(err, &se) && se.Reason == r
}
