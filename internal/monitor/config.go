package monitor

import (
	"errors"
	"time"

	"github.com/jonesrussell/adwatch/internal/domain"
)

const (
	// DefaultWorkers is the per-platform fetch worker count.
	DefaultWorkers = 3

	// DefaultCycleInterval is the pause between full polling cycles.
	DefaultCycleInterval = 60 * time.Second

	// DefaultIdleInterval is the recheck pause when no tasks are active.
	DefaultIdleInterval = 10 * time.Second

	// DefaultFetchDelayMin and DefaultFetchDelayMax bound the randomized
	// pause each worker sleeps between catalog fetches.
	DefaultFetchDelayMin = 5 * time.Second
	DefaultFetchDelayMax = 10 * time.Second

	// DefaultBlockCooldown is the post-cycle pause after the first
	// blocked cycle; consecutive blocks multiply it.
	DefaultBlockCooldown = 5 * time.Minute

	// DefaultBlockCooldownMax caps the escalated block cooldown.
	DefaultBlockCooldownMax = 30 * time.Minute

	// DefaultCleanupInterval is how often the dedup store is pruned.
	DefaultCleanupInterval = 24 * time.Hour

	// DefaultCleanupRetentionDays is how long viewed listings are kept.
	DefaultCleanupRetentionDays = 7
)

// Config configures one platform monitor.
type Config struct {
	Platform             domain.Platform `mapstructure:"platform"`
	Workers              int             `mapstructure:"workers"`
	CycleInterval        time.Duration   `mapstructure:"cycle_interval"`
	IdleInterval         time.Duration   `mapstructure:"idle_interval"`
	FetchDelayMin        time.Duration   `mapstructure:"fetch_delay_min"`
	FetchDelayMax        time.Duration   `mapstructure:"fetch_delay_max"`
	BlockCooldown        time.Duration   `mapstructure:"block_cooldown"`
	BlockCooldownMax     time.Duration   `mapstructure:"block_cooldown_max"`
	CleanupInterval      time.Duration   `mapstructure:"cleanup_interval"`
	CleanupRetentionDays int             `mapstructure:"cleanup_retention_days"`
}

// DefaultConfig returns monitor defaults for the platform.
func DefaultConfig(platform domain.Platform) Config {
	return Config{
		Platform:             platform,
		Workers:              DefaultWorkers,
		CycleInterval:        DefaultCycleInterval,
		IdleInterval:         DefaultIdleInterval,
		FetchDelayMin:        DefaultFetchDelayMin,
		FetchDelayMax:        DefaultFetchDelayMax,
		BlockCooldown:        DefaultBlockCooldown,
		BlockCooldownMax:     DefaultBlockCooldownMax,
		CleanupInterval:      DefaultCleanupInterval,
		CleanupRetentionDays: DefaultCleanupRetentionDays,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.Platform.IsValid() {
		return errors.New("unknown platform")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.CycleInterval <= 0 {
		return errors.New("cycle interval must be positive")
	}
	if c.FetchDelayMin < 0 || c.FetchDelayMax < c.FetchDelayMin {
		return errors.New("fetch delay range is invalid")
	}
	if c.BlockCooldown <= 0 || c.BlockCooldownMax < c.BlockCooldown {
		return errors.New("block cooldown must be positive and not exceed its cap")
	}
	if c.CleanupRetentionDays <= 0 {
		return errors.New("cleanup retention must be positive")
	}
	return nil
}
