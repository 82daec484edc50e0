// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stepbatch/stepbatch/internal/policy/ratelimit"
	"github.com/stepbatch/stepbatch/internal/policy/static"
	"github.com/stepbatch/stepbatch/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Session  SessionConfig     `mapstructure:"session"`
	Redis    RedisConfig       `mapstructure:"redis"`
	DB       DBConfig          `mapstructure:"db"`
	Archive  ArchiveConfig     `mapstructure:"archive"`
	PubSub   PubSubConfig      `mapstructure:"pubsub"`
	Remote   RemoteConfig      `mapstructure:"remote"`
	Progress ProgressConfig    `mapstructure:"progress"`
	Policy   []static.Override `mapstructure:"policy_overrides"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SessionConfig selects the session backend and lifetime.
type SessionConfig struct {
	// Provider is "memory" or "postgres".
	Provider   string `mapstructure:"provider"`
	ExpiryDays int    `mapstructure:"expiry_days"`
}

// RedisConfig controls the distributed progress tier. An empty Addr disables
// it; progress then lives only in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArchiveConfig selects where finished batch results are archived.
type ArchiveConfig struct {
	// Provider is "gcs", "local", or "memory".
	Provider string       `mapstructure:"provider"`
	Bucket   string       `mapstructure:"bucket"`
	Prefix   string       `mapstructure:"prefix"`
	Local    local.Config `mapstructure:"local"`
}

// PubSubConfig holds metadata for batch completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RemoteConfig configures the upstream executor client.
type RemoteConfig struct {
	BaseURL   string           `mapstructure:"base_url"`
	APIKey    string           `mapstructure:"api_key"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
}

// ProgressConfig tunes progress record lifetime and stream pacing.
type ProgressConfig struct {
	// TTLSeconds bounds how long an abandoned progress record survives.
	TTLSeconds int `mapstructure:"ttl_seconds"`
	// TickMs is the stream poll interval.
	TickMs int `mapstructure:"tick_ms"`
	// IdleTicks is how many unchanged ticks a stream tolerates before
	// reporting a timeout.
	IdleTicks int `mapstructure:"idle_ticks"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STEPBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("session.provider", "memory")
	v.SetDefault("session.expiry_days", 7)
	v.SetDefault("archive.provider", "memory")
	v.SetDefault("archive.prefix", "sessions")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.rate_limit.rps", 0)
	v.SetDefault("remote.rate_limit.burst", 1)
	v.SetDefault("progress.ttl_seconds", 3600)
	v.SetDefault("progress.tick_ms", 1000)
	v.SetDefault("progress.idle_ticks", 300)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Session.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when session.provider is postgres")
		}
	default:
		return fmt.Errorf("session.provider must be memory or postgres")
	}
	if c.Session.ExpiryDays <= 0 {
		return fmt.Errorf("session.expiry_days must be > 0")
	}
	switch c.Archive.Provider {
	case "memory":
	case "local":
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider must be memory, local, or gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Progress.TTLSeconds <= 0 {
		return fmt.Errorf("progress.ttl_seconds must be > 0")
	}
	if c.Progress.TickMs <= 0 {
		return fmt.Errorf("progress.tick_ms must be > 0")
	}
	if c.Progress.IdleTicks <= 0 {
		return fmt.Errorf("progress.idle_ticks must be > 0")
	}
	return nil
}

// SessionExpiry converts the configured lifetime in days to a duration.
func (c Config) SessionExpiry() time.Duration {
	return time.Duration(c.Session.ExpiryDays) * 24 * time.Hour
}

// ProgressTTL converts the record lifetime to a duration.
func (c Config) ProgressTTL() time.Duration {
	return time.Duration(c.Progress.TTLSeconds) * time.Second
}

// StreamTick converts the poll interval to a duration.
func (c Config) StreamTick() time.Duration {
	return time.Duration(c.Progress.TickMs) * time.Millisecond
}
