// Package backoff decides whether and when a failed operation is retried.
// The same policy shape drives backend restarts and consumer reconnects.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Default policy values.
const (
	DefaultBase        = 1 * time.Second
	DefaultMultiplier  = 2.0
	DefaultCap         = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	Base        time.Duration `mapstructure:"base_delay" json:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" json:"multiplier"`
	Cap         time.Duration `mapstructure:"cap_delay" json:"cap_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
}

// Attempt tracks consecutive retries. The zero value means no retry has
// been made yet.
type Attempt struct {
	Count          int           `json:"count"`
	LastAttemptAt  time.Time     `json:"last_attempt_at"`
	CurrentBackoff time.Duration `json:"current_backoff"`
}

// Decision is the result of Decide. Retry is false when the policy gives up.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp reports whether the decision ends automatic retries.
func (d Decision) GiveUp() bool { return !d.Retry }

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		Base:        DefaultBase,
		Multiplier:  DefaultMultiplier,
		Cap:         DefaultCap,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate checks that the policy produces non-decreasing, bounded delays.
func (p Policy) Validate() error {
	var errs []error
	if p.Base <= 0 {
		errs = append(errs, fmt.Errorf("base delay must be positive, got %s", p.Base))
	}
	if p.Multiplier < 1 || math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0) {
		errs = append(errs, fmt.Errorf("multiplier must be a finite value >= 1, got %v", p.Multiplier))
	}
	if p.Cap < p.Base {
		errs = append(errs, fmt.Errorf("cap delay %s must not be below base delay %s", p.Cap, p.Base))
	}
	if p.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max attempts must not be negative, got %d", p.MaxAttempts))
	}
	return errors.Join(errs...)
}

// Delay returns min(Base * Multiplier^n, Cap).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(n))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.Cap) {
		return p.Cap
	}
	if r := time.Duration(d); r < p.Cap {
		return r
	}
	return p.Cap
}

// Decide is a pure function of the policy and the attempt.
func (p Policy) Decide(a Attempt) Decision {
	if a.Count >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(a.Count)}
}

// Next returns the attempt recorded once a retry with delay is scheduled.
func (a Attempt) Next(now time.Time, delay time.Duration) Attempt {
	return Attempt{
		Count:          a.Count + 1,
		LastAttemptAt:  now,
		CurrentBackoff: delay,
	}
}
