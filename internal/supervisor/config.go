package supervisor

import (
	"time"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
)

const (
	DefaultHealthInterval       = 5 * time.Second
	DefaultHealthTimeout        = 2 * time.Second
	DefaultMissThreshold        = 3
	DefaultStartupProbeInterval = 250 * time.Millisecond
	DefaultStableAfter          = 10 * time.Second
	DefaultActivityRate         = 20.0
	DefaultActivityBurst        = 50
	DefaultSessionsInterval     = 5 * time.Second
)

// HealthConfig controls liveness probing.
type HealthConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MissThreshold        int           `mapstructure:"miss_threshold"`
	StartupProbeInterval time.Duration `mapstructure:"startup_probe_interval"`
}

// Config is everything a Supervisor needs besides its collaborators.
type Config struct {
	Spec    process.Spec
	Health  HealthConfig
	Restart backoff.Policy
	// StableAfter is how long the backend must stay Running before the
	// restart attempt count resets. Zero resets on reaching Running.
	StableAfter time.Duration
	// ActivityRate limits backend output forwarded as activity events
	// (per second). Negative disables forwarding.
	ActivityRate     float64
	ActivityBurst    int
	SessionsInterval time.Duration
	// Env is layered over the OS environment for every spawn, below Spec.Env.
	Env     map[string]string
	Output  logger.Config
	Metrics metrics.ProcessMetricsConfig
}

// DefaultConfig returns a config with every tunable set.
func DefaultConfig() Config {
	return Config{
		Health: HealthConfig{
			Interval:             DefaultHealthInterval,
			Timeout:              DefaultHealthTimeout,
			MissThreshold:        DefaultMissThreshold,
			StartupProbeInterval: DefaultStartupProbeInterval,
		},
		Restart:          backoff.Default(),
		StableAfter:      DefaultStableAfter,
		ActivityRate:     DefaultActivityRate,
		ActivityBurst:    DefaultActivityBurst,
		SessionsInterval: DefaultSessionsInterval,
	}
}

// withDefaults fills zero fields. StableAfter is left alone since zero is
// meaningful.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Health.Interval <= 0 {
		c.Health.Interval = d.Health.Interval
	}
	if c.Health.Timeout <= 0 {
		c.Health.Timeout = d.Health.Timeout
	}
	if c.Health.MissThreshold <= 0 {
		c.Health.MissThreshold = d.Health.MissThreshold
	}
	if c.Health.StartupProbeInterval <= 0 {
		c.Health.StartupProbeInterval = d.Health.StartupProbeInterval
	}
	if c.Restart == (backoff.Policy{}) {
		c.Restart = d.Restart
	}
	if c.ActivityRate == 0 {
		c.ActivityRate = d.ActivityRate
	}
	if c.ActivityBurst <= 0 {
		c.ActivityBurst = d.ActivityBurst
	}
	if c.SessionsInterval <= 0 {
		c.SessionsInterval = d.SessionsInterval
	}
	return c
}
