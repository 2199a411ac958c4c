// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Session   SessionConfig   `mapstructure:"session"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Streaming StreamingConfig `mapstructure:"streaming"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// AnalyzerConfig points at the analysis backend.
type AnalyzerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DatabaseConfig controls access to the relational database. An empty DSN
// selects the in-memory state store and the identity user resolver.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// BrokerConfig governs job state retention.
type BrokerConfig struct {
	RetentionMinutes     int `mapstructure:"retention_minutes"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	HealthTimeoutSeconds int `mapstructure:"health_timeout_seconds"`
}

// PresenceConfig wires the presence channel client. An empty URL disables it.
type PresenceConfig struct {
	URL                       string `mapstructure:"url"`
	Topic                     string `mapstructure:"topic"`
	Key                       string `mapstructure:"key"`
	HeartbeatSeconds          int    `mapstructure:"heartbeat_seconds"`
	WatchdogSeconds           int    `mapstructure:"watchdog_seconds"`
	StalenessThresholdSeconds int    `mapstructure:"staleness_threshold_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig sets the bucket for terminal result archival. An empty bucket
// disables archival.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// StreamingConfig tunes the SSE endpoints.
type StreamingConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	BufferSize       int `mapstructure:"buffer_size"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REALTIME")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("analyzer.base_url", "http://localhost:9090")
	v.SetDefault("analyzer.timeout_seconds", 120)
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("broker.retention_minutes", 15)
	v.SetDefault("broker.sweep_interval_seconds", 60)
	v.SetDefault("session.health_timeout_seconds", 5)
	v.SetDefault("presence.topic", "online-users")
	v.SetDefault("presence.heartbeat_seconds", 25)
	v.SetDefault("presence.watchdog_seconds", 10)
	v.SetDefault("presence.staleness_threshold_seconds", 30)
	v.SetDefault("archive.prefix", "results")
	v.SetDefault("streaming.heartbeat_seconds", 15)
	v.SetDefault("streaming.buffer_size", 256)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Analyzer.BaseURL == "" {
		return fmt.Errorf("analyzer.base_url must be set")
	}
	if c.Analyzer.TimeoutSeconds <= 0 {
		return fmt.Errorf("analyzer.timeout_seconds must be > 0")
	}
	if c.Broker.RetentionMinutes <= 0 {
		return fmt.Errorf("broker.retention_minutes must be > 0")
	}
	if c.Streaming.BufferSize <= 0 {
		return fmt.Errorf("streaming.buffer_size must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Presence.URL != "" && c.Presence.Key == "" {
		return fmt.Errorf("presence.key must be set when presence is enabled")
	}
	return nil
}

// Retention converts the broker retention setting into a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Broker.RetentionMinutes) * time.Minute
}

// SweepInterval converts the broker sweep setting into a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Broker.SweepIntervalSeconds) * time.Second
}

// AnalyzerTimeout converts the analyzer timeout setting into a duration.
func (c Config) AnalyzerTimeout() time.Duration {
	return time.Duration(c.Analyzer.TimeoutSeconds) * time.Second
}
