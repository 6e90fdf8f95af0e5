// Package config loads the daemon configuration from TOML with WARDEN_
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/buffer"
	"github.com/loykin/warden/internal/bus"
	"github.com/loykin/warden/internal/delivery"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/heartbeat"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/supervisor"
)

const (
	EnvPrefix          = "WARDEN"
	CriticalEventsFile = "critical_events.json"
)

// Config represents the top-level TOML structure.
type Config struct {
	StateDir  string                  `mapstructure:"state_dir"`
	Env       []string                `mapstructure:"env"`
	EnvFiles  []string                `mapstructure:"env_files"`
	Server    process.Spec            `mapstructure:"server"`
	Health    supervisor.HealthConfig `mapstructure:"health"`
	Restart   RestartConfig           `mapstructure:"restart"`
	Events    EventsConfig            `mapstructure:"events"`
	Delivery  delivery.Config         `mapstructure:"delivery"`
	Heartbeat heartbeat.Config        `mapstructure:"heartbeat"`
	Log       logger.Config           `mapstructure:"log"`
	Metrics   MetricsConfig           `mapstructure:"metrics"`
}

type RestartConfig struct {
	backoff.Policy `mapstructure:",squash"`
	StableAfter    time.Duration `mapstructure:"stable_after"`
}

type EventsConfig struct {
	// Store is a DSN for the critical event store; empty means a JSON file
	// in the state dir.
	Store            string        `mapstructure:"store"`
	Capacity         int           `mapstructure:"capacity"`
	PersistTimeout   time.Duration `mapstructure:"persist_timeout"`
	QueueSize        int           `mapstructure:"queue_size"`
	ActivityRate     float64       `mapstructure:"activity_rate"`
	ActivityBurst    int           `mapstructure:"activity_burst"`
	SessionsInterval time.Duration `mapstructure:"sessions_interval"`
}

type MetricsConfig struct {
	Enabled bool                         `mapstructure:"enabled"`
	Process metrics.ProcessMetricsConfig `mapstructure:"process"`
}

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Load reads path (optional) over the defaults and applies WARDEN_*
// environment overrides, e.g. WARDEN_DELIVERY_LISTEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultStateDir is <user config dir>/warden, or .warden when the user
// config dir is unknown.
func DefaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(dir, "warden")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("server.name", process.DefaultName)
	v.SetDefault("server.binary", "")
	v.SetDefault("server.args", process.DefaultArgs)
	v.SetDefault("server.host", process.DefaultHost)
	v.SetDefault("server.port", 0)
	v.SetDefault("server.work_dir", "")
	v.SetDefault("server.pid_file", "")
	v.SetDefault("server.health_url", "")
	v.SetDefault("server.health_command", "")
	v.SetDefault("server.sessions_url", "")
	v.SetDefault("server.startup_timeout", process.DefaultStartupTimeout)
	v.SetDefault("server.grace_period", process.DefaultGracePeriod)

	v.SetDefault("health.interval", supervisor.DefaultHealthInterval)
	v.SetDefault("health.timeout", supervisor.DefaultHealthTimeout)
	v.SetDefault("health.miss_threshold", supervisor.DefaultMissThreshold)
	v.SetDefault("health.startup_probe_interval", supervisor.DefaultStartupProbeInterval)

	v.SetDefault("restart.base_delay", backoff.DefaultBase)
	v.SetDefault("restart.multiplier", backoff.DefaultMultiplier)
	v.SetDefault("restart.cap_delay", backoff.DefaultCap)
	v.SetDefault("restart.max_attempts", backoff.DefaultMaxAttempts)
	v.SetDefault("restart.stable_after", supervisor.DefaultStableAfter)

	v.SetDefault("events.store", "")
	v.SetDefault("events.capacity", buffer.DefaultCapacity)
	v.SetDefault("events.persist_timeout", buffer.DefaultPersistTimeout)
	v.SetDefault("events.queue_size", bus.DefaultQueueSize)
	v.SetDefault("events.activity_rate", supervisor.DefaultActivityRate)
	v.SetDefault("events.activity_burst", supervisor.DefaultActivityBurst)
	v.SetDefault("events.sessions_interval", supervisor.DefaultSessionsInterval)

	v.SetDefault("delivery.listen", delivery.DefaultListen)
	v.SetDefault("delivery.base_path", delivery.DefaultBasePath)
	v.SetDefault("delivery.write_timeout", delivery.DefaultWriteTimeout)

	v.SetDefault("heartbeat.interval", heartbeat.DefaultInterval)
	v.SetDefault("heartbeat.timeout", heartbeat.DefaultTimeout)
	v.SetDefault("heartbeat.miss_threshold", heartbeat.DefaultMissThreshold)
	v.SetDefault("heartbeat.poll_interval", heartbeat.DefaultPollInterval)
	v.SetDefault("heartbeat.reconnect.base_delay", backoff.DefaultBase)
	v.SetDefault("heartbeat.reconnect.multiplier", backoff.DefaultMultiplier)
	v.SetDefault("heartbeat.reconnect.cap_delay", backoff.DefaultCap)
	v.SetDefault("heartbeat.reconnect.max_attempts", backoff.DefaultMaxAttempts)

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.process.enabled", false)
	v.SetDefault("metrics.process.interval", 5*time.Second)
	v.SetDefault("metrics.process.max_history", 120)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(c.StateDir) == "" {
		add("state_dir must not be empty")
	}
	if len(c.Server.Env) > 0 {
		// viper folds map keys to lower case
		add("server.env is not supported, use the top-level env list")
	}
	if c.Server.BinaryPath != "" {
		var ve *process.ValidationError
		if err := c.Server.WithDefaults().Validate(); err != nil {
			if errors.As(err, &ve) {
				for _, s := range ve.Problems {
					add("server: %s", s)
				}
			} else {
				add("server: %v", err)
			}
		}
	}

	if c.Health.Interval <= 0 {
		add("health.interval must be positive")
	}
	if c.Health.Timeout <= 0 {
		add("health.timeout must be positive")
	}
	if c.Health.MissThreshold < 1 {
		add("health.miss_threshold must be at least 1")
	}
	if err := c.Restart.Validate(); err != nil {
		add("restart: %v", flatten(err))
	}
	if c.Restart.StableAfter < 0 {
		add("restart.stable_after must not be negative")
	}

	if c.Events.Capacity <= 0 {
		add("events.capacity must be positive")
	}
	if c.Events.QueueSize <= 0 {
		add("events.queue_size must be positive")
	}
	if c.Events.PersistTimeout <= 0 {
		add("events.persist_timeout must be positive")
	}

	if _, _, err := net.SplitHostPort(c.Delivery.Listen); err != nil {
		add("delivery.listen %q: %v", c.Delivery.Listen, err)
	}
	if c.Delivery.WriteTimeout > 0 && c.Delivery.WriteTimeout <= c.Server.StartupTimeout {
		add("delivery.write_timeout %s must exceed server.startup_timeout %s", c.Delivery.WriteTimeout, c.Server.StartupTimeout)
	}

	hb := c.Heartbeat
	if hb.Interval <= 0 || hb.Timeout <= 0 || hb.PollInterval <= 0 {
		add("heartbeat interval, timeout and poll_interval must be positive")
	} else if hb.Timeout >= hb.Interval {
		add("heartbeat.timeout %s must be below heartbeat.interval %s", hb.Timeout, hb.Interval)
	}
	if hb.MissThreshold < 1 {
		add("heartbeat.miss_threshold must be at least 1")
	}
	if err := hb.Reconnect.Validate(); err != nil {
		add("heartbeat.reconnect: %v", flatten(err))
	}

	switch strings.ToLower(c.Log.Slog.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("log.slog.level %q is not one of debug, info, warn, error", c.Log.Slog.Level)
	}
	switch strings.ToLower(c.Log.Slog.Format) {
	case "", "text", "json":
	default:
		add("log.slog.format %q is not text or json", c.Log.Slog.Format)
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

// StoreDSN returns the critical event store location.
func (c *Config) StoreDSN() string {
	if c.Events.Store != "" {
		return c.Events.Store
	}
	return filepath.Join(c.StateDir, CriticalEventsFile)
}

// Environment merges env_files in order, then the env list.
func (c *Config) Environment() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range env.Parse(c.Env) {
		m[k] = v
	}
	return m, nil
}

// Supervisor builds the supervisor configuration.
func (c *Config) Supervisor() (supervisor.Config, error) {
	vars, err := c.Environment()
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		Spec:             c.Server,
		Health:           c.Health,
		Restart:          c.Restart.Policy,
		StableAfter:      c.Restart.StableAfter,
		ActivityRate:     c.Events.ActivityRate,
		ActivityBurst:    c.Events.ActivityBurst,
		SessionsInterval: c.Events.SessionsInterval,
		Env:              vars,
		Output:           c.Log,
		Metrics:          c.Metrics.Process,
	}, nil
}

// DeliveryConfig returns the HTTP settings with metrics exposure applied.
func (c *Config) DeliveryConfig() delivery.Config {
	d := c.Delivery
	d.Metrics = c.Metrics.Enabled
	return d
}

func flatten(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
