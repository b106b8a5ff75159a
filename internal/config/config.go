// Package config loads and validates the application configuration from
// a YAML file, a .env file, and environment variables, in ascending
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
	"github.com/jonesrussell/adwatch/internal/monitor"
	"github.com/jonesrussell/adwatch/internal/notify"
	"github.com/jonesrussell/adwatch/internal/rotation"
)

// Server defaults.
const (
	defaultServerAddress      = ":8080"
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerWriteTimeout = 30 * time.Second
	defaultServerIdleTimeout  = 60 * time.Second
)

// defaultDatabasePath is where the SQLite file lands when unset.
const defaultDatabasePath = "adwatch.db"

// defaultCookieTTL is how long fetched session cookies are reused.
const defaultCookieTTL = 30 * time.Minute

// ServerConfig holds the REST API listener settings.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// TelegramConfig holds the admin alert channel. Per-subscription
// channels arrive with each registration, not here.
type TelegramConfig struct {
	AdminBotToken string   `mapstructure:"admin_bot_token"`
	AdminChatIDs  []string `mapstructure:"admin_chat_ids"`
}

// AdminChannel returns the admin channel as a domain config.
func (t TelegramConfig) AdminChannel() domain.ChannelConfig {
	return domain.ChannelConfig{BotToken: t.AdminBotToken, ChatIDs: t.AdminChatIDs}
}

// MonitorConfig is one platform monitor's settings plus its enable flag.
type MonitorConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	monitor.Config `mapstructure:",squash"`
}

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Database DatabaseConfig          `mapstructure:"database"`
	Logging  logger.Config           `mapstructure:"logging"`
	Proxy    domain.ProxyCredentials `mapstructure:"proxy"`
	Rotation rotation.Config         `mapstructure:"rotation"`
	Queue    notify.Config           `mapstructure:"queue"`
	Telegram TelegramConfig          `mapstructure:"telegram"`
	Avito    MonitorConfig           `mapstructure:"avito"`
	Cian     MonitorConfig           `mapstructure:"cian"`

	// Cookies maps platform -> cookie name -> value, for sites that
	// require a primed session.
	Cookies   map[string]map[string]string `mapstructure:"cookies"`
	CookieTTL time.Duration                `mapstructure:"cookie_ttl"`
}

// Load reads configuration using the given viper instance. Callers set
// up file paths and env binding; Load applies defaults, unmarshals, and
// validates.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file is fine: env and defaults carry the day.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewViper builds a viper instance with the conventional search paths
// and env binding (ADWATCH_SERVER_ADDRESS overrides server.address).
func NewViper(cfgFile string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/adwatch")
	}
	v.SetEnvPrefix("ADWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", defaultServerAddress)
	v.SetDefault("server.read_timeout", defaultServerReadTimeout)
	v.SetDefault("server.write_timeout", defaultServerWriteTimeout)
	v.SetDefault("server.idle_timeout", defaultServerIdleTimeout)

	v.SetDefault("database.path", defaultDatabasePath)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")

	rot := rotation.DefaultConfig()
	v.SetDefault("rotation.max_attempts", rot.MaxAttempts)
	v.SetDefault("rotation.retry_delay", rot.RetryDelay)
	v.SetDefault("rotation.cooldown", rot.Cooldown)
	v.SetDefault("rotation.rotation_timeout", rot.RotationTimeout)
	v.SetDefault("rotation.jitter_max", rot.JitterMax)
	v.SetDefault("rotation.probe_timeout", rot.ProbeTimeout)
	v.SetDefault("rotation.probe_url", rot.ProbeURL)

	q := notify.DefaultConfig()
	v.SetDefault("queue.capacity", q.Capacity)
	v.SetDefault("queue.send_interval", q.SendInterval)
	v.SetDefault("queue.drain_timeout", q.DrainTimeout)
	v.SetDefault("queue.max_attempts", q.MaxAttempts)
	v.SetDefault("queue.retry_after", q.RetryAfter)
	v.SetDefault("queue.backoff_base", q.BackoffBase)

	for _, platform := range []domain.Platform{domain.PlatformAvito, domain.PlatformCian} {
		prefix := string(platform) + "."
		mc := monitor.DefaultConfig(platform)
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"platform", string(platform))
		v.SetDefault(prefix+"workers", mc.Workers)
		v.SetDefault(prefix+"cycle_interval", mc.CycleInterval)
		v.SetDefault(prefix+"idle_interval", mc.IdleInterval)
		v.SetDefault(prefix+"fetch_delay_min", mc.FetchDelayMin)
		v.SetDefault(prefix+"fetch_delay_max", mc.FetchDelayMax)
		v.SetDefault(prefix+"block_cooldown", mc.BlockCooldown)
		v.SetDefault(prefix+"block_cooldown_max", mc.BlockCooldownMax)
		v.SetDefault(prefix+"cleanup_interval", mc.CleanupInterval)
		v.SetDefault(prefix+"cleanup_retention_days", mc.CleanupRetentionDays)
	}

	v.SetDefault("cookie_ttl", defaultCookieTTL)
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server address is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if err := c.Rotation.Validate(); err != nil {
		return fmt.Errorf("rotation: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if c.Avito.Enabled {
		if err := c.Avito.Config.Validate(); err != nil {
			return fmt.Errorf("avito monitor: %w", err)
		}
	}
	if c.Cian.Enabled {
		if err := c.Cian.Config.Validate(); err != nil {
			return fmt.Errorf("cian monitor: %w", err)
		}
	}
	// The proxy is optional; without one the coordinator reports
	// unconfigured and block handling degrades to cooldowns only.
	if (c.Proxy.ProxyString == "") != (c.Proxy.ChangeIPURL == "") {
		return errors.New("proxy_string and change_ip_url must be set together")
	}
	return nil
}

// PlatformCookies converts the raw cookie map to typed platform keys.
func (c *Config) PlatformCookies() map[domain.Platform]map[string]string {
	out := make(map[domain.Platform]map[string]string, len(c.Cookies))
	for raw, pairs := range c.Cookies {
		platform, ok := domain.ParsePlatform(raw)
		if !ok {
			continue
		}
		out[platform] = pairs
	}
	return out
}
