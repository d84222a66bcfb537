// Package config loads the chartfeed configuration. Sources are layered,
// later ones winning: struct defaults, YAML file, .env file, CHARTFEED_*
// environment variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHARTFEED_"

// Config holds all application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	// Symbol is selected at startup when set.
	Symbol   string `yaml:"symbol" env:"SYMBOL"`
	Exchange string `yaml:"exchange" env:"EXCHANGE" default:"xnys" validate:"required"`

	Upstream   UpstreamConfig  `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Session    SessionConfig   `yaml:"session" envPrefix:"SESSION_"`
	Indicators IndicatorConfig `yaml:"indicators" envPrefix:"INDICATORS_"`
	Redis      RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	SQLite     SQLiteConfig    `yaml:"sqlite" envPrefix:"SQLITE_"`
	HTTP       HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Alerts     AlertsConfig    `yaml:"alerts" envPrefix:"ALERTS_"`
}

// UpstreamConfig describes the market-data backend.
type UpstreamConfig struct {
	RESTURL           string        `yaml:"rest_url" env:"REST_URL" default:"http://localhost:8000" validate:"required,url"`
	StreamURL         string        `yaml:"stream_url" env:"STREAM_URL" default:"ws://localhost:8000/ws" validate:"required,url"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" default:"15s" validate:"gt=0"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY" default:"1s" validate:"gt=0"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" env:"MAX_RECONNECT_DELAY" default:"30s" validate:"gtefield=ReconnectDelay"`
	PingInterval      time.Duration `yaml:"ping_interval" env:"PING_INTERVAL" default:"15s" validate:"gt=0"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" default:"45s" validate:"gtfield=PingInterval"`
	BreakerFailures   int           `yaml:"breaker_failures" env:"BREAKER_FAILURES" default:"3" validate:"min=1"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN" default:"60s" validate:"gt=0"`
	// CandleCacheTTL should stay under the session poll interval so each
	// poll sees fresh bars.
	CandleCacheTTL time.Duration `yaml:"candle_cache_ttl" env:"CANDLE_CACHE_TTL" default:"15s" validate:"gte=0"`
}

// SessionConfig holds the chart session timings.
type SessionConfig struct {
	Debounce         time.Duration `yaml:"debounce" env:"DEBOUNCE" default:"100ms" validate:"gt=0"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT" default:"15s" validate:"gt=0"`
	BackoffBase      time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE" default:"500ms" validate:"gt=0"`
	MaxRetries       int           `yaml:"max_retries" env:"MAX_RETRIES" default:"2" validate:"min=0,max=10"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" default:"30s" validate:"gt=0"`
	VWAPPollInterval time.Duration `yaml:"vwap_poll_interval" env:"VWAP_POLL_INTERVAL" default:"2s" validate:"gte=0"`
	StaleTimeout     time.Duration `yaml:"stale_timeout" env:"STALE_TIMEOUT" default:"60s" validate:"gt=0"`
	SpikeExpiry      time.Duration `yaml:"spike_expiry" env:"SPIKE_EXPIRY" default:"30s" validate:"gt=0"`
}

// IndicatorConfig selects the overlays.
type IndicatorConfig struct {
	EMAPeriods []int `yaml:"ema_periods" env:"EMA_PERIODS" envSeparator:"," default:"[9,20]" validate:"dive,min=1,max=500"`
}

// RedisConfig enables the Redis update publisher.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Addr      string        `yaml:"addr" env:"ADDR" default:"localhost:6379" validate:"required_if=Enabled true"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB" validate:"min=0"`
	StatusTTL time.Duration `yaml:"status_ttl" env:"STATUS_TTL" default:"30m" validate:"gt=0"`
}

// SQLiteConfig enables the finalized-candle journal.
type SQLiteConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH" default:"data/candles.db" validate:"required_if=Enabled true"`
}

// HTTPConfig configures the metrics, health and control server.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR" default:":9090" validate:"required"`
}

// AlertsConfig routes finding and feed-state alerts. With no webhook or
// Telegram target, enabled alerts are only logged.
type AlertsConfig struct {
	Enabled        bool   `yaml:"enabled" env:"ENABLED"`
	WebhookURL     string `yaml:"webhook_url" env:"WEBHOOK_URL" validate:"omitempty,url"`
	TelegramToken  string `yaml:"telegram_token" env:"TELEGRAM_TOKEN"`
	TelegramChatID string `yaml:"telegram_chat_id" env:"TELEGRAM_CHAT_ID" validate:"required_with=TelegramToken"`
	QueueSize      int    `yaml:"queue_size" env:"QUEUE_SIZE" default:"64" validate:"min=1"`
}

// Load builds the configuration. path may be empty to skip the YAML
// file; envFiles default to ".env" and may be missing.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	return nil
}
