package config

import (
	"time"

	"github.com/mattjoyce/hookrelay/internal/auth"
)

// Config represents the complete hookrelay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Sources   SourcesConfig   `yaml:"sources"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Forward   ForwardConfig   `yaml:"forward"`
	Admin     AdminConfig     `yaml:"admin"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig defines the two HTTP listeners.
type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	AdminListen    string        `yaml:"admin_listen"`
	MaxBodySize    ByteSize      `yaml:"max_body_size"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	TrustedProxies []string      `yaml:"trusted_proxies,omitempty"`
}

// StoreConfig defines the durable queue file.
type StoreConfig struct {
	Path        string        `yaml:"path"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"`
	MinFreeDisk ByteSize      `yaml:"min_free_disk"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SourcesConfig holds the per-producer settings.
type SourcesConfig struct {
	GitHub GitHubConfig `yaml:"github"`
	Linear LinearConfig `yaml:"linear"`
}

type GitHubConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Secret    string        `yaml:"secret"`
	BotSuffix string        `yaml:"bot_suffix"`
	Cooldown  time.Duration `yaml:"cooldown"`
	Retry     *RetryConfig  `yaml:"retry,omitempty"`
}

type LinearConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Secret           string        `yaml:"secret"`
	AgentUserID      string        `yaml:"agent_user_id"`
	TimestampWindow  time.Duration `yaml:"timestamp_window"`
	EnforceTimestamp bool          `yaml:"enforce_timestamp"`
	Cooldown         time.Duration `yaml:"cooldown"`
	Retry            *RetryConfig  `yaml:"retry,omitempty"`
}

// RetryConfig overrides the forward retry policy. Zero fields inherit.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	BackoffBase time.Duration `yaml:"backoff_base,omitempty"`
	BackoffMax  time.Duration `yaml:"backoff_max,omitempty"`
	MaxElapsed  time.Duration `yaml:"max_elapsed,omitempty"`
}

// GatewayConfig locates the downstream agent gateway.
type GatewayConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Timeout        time.Duration `yaml:"timeout"`
}

// ForwardConfig sizes the worker pool and its default retry policy.
type ForwardConfig struct {
	Workers      int           `yaml:"workers"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	MaxElapsed   time.Duration `yaml:"max_elapsed"`
}

// AdminConfig defines admin API authentication.
type AdminConfig struct {
	// Token is the full-access admin bearer token.
	Token  string             `yaml:"token"`
	Tokens []auth.TokenConfig `yaml:"tokens,omitempty"`
}

// RateLimitConfig sets token bucket sizes. Zero disables a scope.
type RateLimitConfig struct {
	IPPerMinute     int `yaml:"ip_per_minute"`
	SourcePerMinute int `yaml:"source_per_minute"`
}

type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Defaults returns a Config with the relay's default settings.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			AdminListen:   "127.0.0.1:8081",
			MaxBodySize:   1 << 20,
			ShutdownGrace: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:        "./data/hookrelay.db",
			DedupTTL:    7 * 24 * time.Hour,
			MinFreeDisk: 100 << 20,
		},
		Log: LogConfig{Level: "info"},
		Sources: SourcesConfig{
			GitHub: GitHubConfig{
				Enabled:   true,
				BotSuffix: "[bot]",
				Cooldown:  30 * time.Second,
			},
			Linear: LinearConfig{
				Enabled:          true,
				TimestampWindow:  60 * time.Second,
				EnforceTimestamp: true,
				Cooldown:         30 * time.Second,
			},
		},
		Gateway: GatewayConfig{
			ConnectTimeout: 5 * time.Second,
			Timeout:        20 * time.Second,
		},
		Forward: ForwardConfig{
			Workers:      4,
			LeaseTTL:     60 * time.Second,
			PollInterval: time.Second,
			MaxAttempts:  5,
			BackoffBase:  time.Second,
			BackoffMax:   30 * time.Second,
			MaxElapsed:   time.Hour,
		},
		RateLimit: RateLimitConfig{
			IPPerMinute:     100,
			SourcePerMinute: 500,
		},
		Scheduler: SchedulerConfig{Interval: 15 * time.Second},
	}
}
