// Package config loads and validates sweep configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Space      SpaceConfig      `mapstructure:"space"`
	Run        RunConfig        `mapstructure:"run"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Sink       SinkConfig       `mapstructure:"sink"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the status/metrics HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SpaceConfig bounds the combination space. Start and End accept "1990" or
// "1990-11"; the range is inclusive.
type SpaceConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// RunConfig governs the worker pool and batching pipeline.
type RunConfig struct {
	PoolSize            int `mapstructure:"pool_size"`
	PersonParallelism   int `mapstructure:"person_parallelism"`
	BatchSize           int `mapstructure:"batch_size"`
	FlushIntervalSec    int `mapstructure:"flush_interval_seconds"`
	PersistBackoffSec   int `mapstructure:"persist_backoff_seconds"`
	QueryTimeoutSec     int `mapstructure:"query_timeout_seconds"`
	RestartSessionAfter int `mapstructure:"restart_session_after"`
	StartStaggerMs      int `mapstructure:"start_stagger_ms"`
}

// ThrottleConfig paces requests against the registry endpoint.
type ThrottleConfig struct {
	MinDelayMs      int     `mapstructure:"min_delay_ms"`
	MaxDelayMs      int     `mapstructure:"max_delay_ms"`
	CooldownEvery   int     `mapstructure:"cooldown_every"`
	CooldownSec     int     `mapstructure:"cooldown_seconds"`
	EscalateAfter   int     `mapstructure:"escalate_after"`
	BackoffFactor   float64 `mapstructure:"backoff_factor"`
	MaxBackoffScale float64 `mapstructure:"max_backoff_scale"`
	GlobalRPS       float64 `mapstructure:"global_rps"`
	GlobalBurst     int     `mapstructure:"global_burst"`
}

// RetryConfig bounds in-place retries of transient query errors. MaxRetries
// counts retries on top of the initial call.
type RetryConfig struct {
	MaxRetries  int `mapstructure:"max_retries"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelaySec int `mapstructure:"max_delay_seconds"`
}

// CheckpointConfig sets where progress records live.
type CheckpointConfig struct {
	Dir string `mapstructure:"dir"`
}

// BrowserConfig configures the headless browser sessions.
type BrowserConfig struct {
	Headless      bool   `mapstructure:"headless"`
	UserAgent     string `mapstructure:"user_agent"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// SinkConfig selects where matches are persisted.
//   - Provider: "csv", "sqlite", "postgres", or "memory".
type SinkConfig struct {
	Provider string `mapstructure:"provider"`
	CSVPath  string `mapstructure:"csv_path"`
	SQLite   string `mapstructure:"sqlite_path"`
	DSN      string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for match notifications. Empty ProjectID
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CURPSWEEP")
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
	v.SetDefault("space.start", "1950")
	v.SetDefault("space.end", "2010")
	v.SetDefault("run.pool_size", 2)
	v.SetDefault("run.person_parallelism", 1)
	v.SetDefault("run.batch_size", 25)
	v.SetDefault("run.flush_interval_seconds", 30)
	v.SetDefault("run.persist_backoff_seconds", 5)
	v.SetDefault("run.query_timeout_seconds", 90)
	v.SetDefault("run.restart_session_after", 5)
	v.SetDefault("run.start_stagger_ms", 1500)
	v.SetDefault("throttle.min_delay_ms", 800)
	v.SetDefault("throttle.max_delay_ms", 2500)
	v.SetDefault("throttle.cooldown_every", 50)
	v.SetDefault("throttle.cooldown_seconds", 20)
	v.SetDefault("throttle.escalate_after", 3)
	v.SetDefault("throttle.backoff_factor", 2.0)
	v.SetDefault("throttle.max_backoff_scale", 8.0)
	v.SetDefault("throttle.global_rps", 2.0)
	v.SetDefault("throttle.global_burst", 2)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_seconds", 10)
	v.SetDefault("checkpoint.dir", "checkpoints")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("sink.provider", "csv")
	v.SetDefault("sink.csv_path", "matches.csv")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Space.Start == "" || c.Space.End == "" {
		return fmt.Errorf("space.start and space.end are required")
	}
	if c.Run.PoolSize <= 0 {
		return fmt.Errorf("run.pool_size must be > 0")
	}
	if c.Run.BatchSize <= 0 {
		return fmt.Errorf("run.batch_size must be > 0")
	}
	if c.Throttle.MinDelayMs < 0 || c.Throttle.MaxDelayMs < c.Throttle.MinDelayMs {
		return fmt.Errorf("throttle delay window is invalid")
	}
	if c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir is required")
	}
	switch c.Sink.Provider {
	case "csv":
		if c.Sink.CSVPath == "" {
			return fmt.Errorf("sink.csv_path is required for the csv sink")
		}
	case "sqlite":
		if c.Sink.SQLite == "" {
			return fmt.Errorf("sink.sqlite_path is required for the sqlite sink")
		}
	case "postgres":
		if c.Sink.DSN == "" {
			return fmt.Errorf("sink.dsn is required for the postgres sink")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown sink.provider %q", c.Sink.Provider)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// QueryTimeout returns the per-query budget as a duration.
func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.Run.QueryTimeoutSec) * time.Second
}

// FlushInterval returns the aggregator flush cadence as a duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Run.FlushIntervalSec) * time.Second
}

// PersistBackoff returns the fixed persist retry wait as a duration.
func (c Config) PersistBackoff() time.Duration {
	return time.Duration(c.Run.PersistBackoffSec) * time.Second
}
