// Package rotation coordinates proxy IP rotation across every polling
// monitor in the process. One shared coordinator arbitrates who rotates,
// gates all outbound requests while a rotation is in flight, and trips a
// circuit breaker after repeated failures.
package rotation

import (
	"errors"
	"time"
)

const (
	// DefaultMaxAttempts is the number of consecutive failed rotations
	// before the circuit breaker trips to FAILED.
	DefaultMaxAttempts = 3

	// DefaultRetryDelay is the pause between change+verify sub-attempts
	// within one rotation sequence.
	DefaultRetryDelay = 10 * time.Second

	// DefaultCooldown is the pause after a successful rotation before
	// workers resume, letting the IP change settle network-wide.
	DefaultCooldown = 60 * time.Second

	// DefaultRotationTimeout is the hard cap on one whole rotation
	// sequence; exceeding it counts as a failure.
	DefaultRotationTimeout = 180 * time.Second

	// DefaultJitterMax bounds the random delay each worker sleeps after
	// the readiness gate reopens, spreading out the resume burst.
	DefaultJitterMax = 30 * time.Second

	// DefaultProbeTimeout bounds the liveness probe through the rotated
	// proxy.
	DefaultProbeTimeout = 10 * time.Second

	// DefaultProbeURL is the IP-echo service used to verify the proxy
	// actually answers after an IP change.
	DefaultProbeURL = "http://api.ipify.org"
)

// Config holds the coordinator timings. Production uses the defaults;
// tests shrink them.
type Config struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	RotationTimeout time.Duration `mapstructure:"rotation_timeout"`
	JitterMax       time.Duration `mapstructure:"jitter_max"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	ProbeURL        string        `mapstructure:"probe_url"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     DefaultMaxAttempts,
		RetryDelay:      DefaultRetryDelay,
		Cooldown:        DefaultCooldown,
		RotationTimeout: DefaultRotationTimeout,
		JitterMax:       DefaultJitterMax,
		ProbeTimeout:    DefaultProbeTimeout,
		ProbeURL:        DefaultProbeURL,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.RotationTimeout <= 0 {
		return errors.New("rotation timeout must be positive")
	}
	if c.RetryDelay < 0 || c.Cooldown < 0 || c.JitterMax < 0 {
		return errors.New("delays cannot be negative")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	return nil
}
