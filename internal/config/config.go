package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr     string `env:"WS_ADDR" envDefault:":3333"`
	TestMode bool   `env:"WS_TEST_MODE" envDefault:"false"`

	// Upstream quote provider
	UpstreamHost   string        `env:"UPSTREAM_HOST" envDefault:"hq.sinajs.cn"`
	FetchTimeout   time.Duration `env:"FETCH_TIMEOUT" envDefault:"5s"`
	FetchBatchSize int           `env:"FETCH_BATCH_SIZE" envDefault:"800"`

	// Fan-out
	FanoutInterval time.Duration `env:"FANOUT_INTERVAL" envDefault:"1s"`

	// Sessions
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	MaxConnections    int           `env:"WS_MAX_CONNECTIONS" envDefault:"5000"`
	SendBufferSize    int           `env:"WS_SEND_BUFFER" envDefault:"256"`

	// Auth
	TokenSecret string `env:"TOKEN_SECRET"`
	CronSecret  string `env:"CRON_SECRET"`

	// Rule engine
	WindowSpan           time.Duration `env:"WINDOW_SPAN" envDefault:"1h"`
	CompressionThreshold float64       `env:"COMPRESSION_THRESHOLD" envDefault:"0.0001"`
	NotifyCooldown       time.Duration `env:"NOTIFY_COOLDOWN" envDefault:"5m"`

	// Web Push identity
	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:ops@stockwatch.io"`

	// Connection rate limiting (DoS protection)
	ConnRateLimitEnabled bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate  float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitBurst   int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitRate    float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Safety thresholds
	CPURejectThreshold float64       `env:"CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	ResourceInterval   time.Duration `env:"RESOURCE_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load() (*Config, error) {
	// .env is a development convenience; production injects the environment.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.FetchBatchSize < 1 || c.FetchBatchSize > 800 {
		return fmt.Errorf("FETCH_BATCH_SIZE must be 1-800, got %d", c.FetchBatchSize)
	}
	if c.FanoutInterval < 100*time.Millisecond {
		return fmt.Errorf("FANOUT_INTERVAL must be >= 100ms, got %s", c.FanoutInterval)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CompressionThreshold <= 0 {
		return fmt.Errorf("COMPRESSION_THRESHOLD must be > 0, got %g", c.CompressionThreshold)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Bool("test_mode", c.TestMode).
		Str("upstream_host", c.UpstreamHost).
		Int("fetch_batch_size", c.FetchBatchSize).
		Dur("fanout_interval", c.FanoutInterval).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("max_connections", c.MaxConnections).
		Dur("window_span", c.WindowSpan).
		Float64("compression_threshold", c.CompressionThreshold).
		Dur("notify_cooldown", c.NotifyCooldown).
		Bool("conn_rate_limit", c.ConnRateLimitEnabled).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
