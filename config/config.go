// Package config loads the console configuration.
//
// Sources are applied in order: a .env file if present, struct defaults,
// an optional YAML file, then environment variables. The result is
// validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Symbol       string `yaml:"symbol" default:"SPY" validate:"required,uppercase"`
	PositionSize int64  `yaml:"position_size" default:"100" validate:"gt=0"`

	// Broker connection, used by live broker adapters.
	BrokerHost     string `yaml:"broker_host" default:"127.0.0.1"`
	BrokerPort     int    `yaml:"broker_port" default:"7497" validate:"gt=0,lte=65535"`
	BrokerClientID int    `yaml:"broker_client_id" default:"1"`

	// Bar intake.
	Timeframes  string `yaml:"timeframes" default:"10,30" validate:"required"`
	BarCapacity int    `yaml:"bar_capacity" default:"500" validate:"gte=50"`
	History10s  string `yaml:"history_10s" default:"1800 S" validate:"required"`
	History30s  string `yaml:"history_30s" default:"3600 S" validate:"required"`
	SessionTZ   string `yaml:"session_tz" default:"America/New_York" validate:"required"`

	// Orders and risk.
	MaxOrdersPerSecond float64 `yaml:"max_orders_per_second" default:"1" validate:"gt=0"`
	OrderBurst         int     `yaml:"order_burst" default:"1" validate:"gte=1"`
	MaxPosition        int64   `yaml:"max_position" default:"1000" validate:"gte=0"`
	MaxDailyLoss       float64 `yaml:"max_daily_loss" default:"500" validate:"gte=0"`

	// Paper broker.
	PaperSlippageBps     int64   `yaml:"paper_slippage_bps" default:"0" validate:"gte=0"`
	PaperCommission      float64 `yaml:"paper_commission_per_share" default:"0.005" validate:"gte=0"`
	PaperMinCommission   float64 `yaml:"paper_min_commission" default:"1" validate:"gte=0"`
	PaperFillSlices      int     `yaml:"paper_fill_slices" default:"1" validate:"gte=1"`
	PaperAckDelay        string  `yaml:"paper_ack_delay" default:"50ms"`
	PaperFillDelay       string  `yaml:"paper_fill_delay" default:"200ms"`

	// Replay feed; empty disables it.
	ReplayFile  string  `yaml:"replay_file"`
	ReplaySpeed float64 `yaml:"replay_speed" default:"10" validate:"gte=0"`

	// Broker bridge feed; empty disables it. With FeedAggregate set, trade
	// prints are built into bars locally.
	FeedURL       string `yaml:"feed_url" validate:"omitempty,url"`
	FeedAggregate bool   `yaml:"feed_aggregate" default:"true"`

	// Infrastructure.
	HTTPAddr      string  `yaml:"http_addr" default:":8080" validate:"required"`
	MetricsAddr   string  `yaml:"metrics_addr" default:":9090"`
	APIRateLimit  float64 `yaml:"api_rate_limit" default:"20" validate:"gte=0"`
	RedisAddr     string  `yaml:"redis_addr"`
	RedisPassword string  `yaml:"redis_password"`
	RedisPrefix   string  `yaml:"redis_prefix" default:"console"`
	JournalPath   string  `yaml:"journal_path" default:"data/journal.db"`
	WebhookURL    string  `yaml:"webhook_url" validate:"omitempty,url"`
	TelegramToken string  `yaml:"telegram_token"`
	TelegramChat  string  `yaml:"telegram_chat_id"`
	LogLevel      string  `yaml:"log_level" default:"info" validate:"oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
}

var validate = validator.New()

// Load reads configuration. path names an optional YAML file; an empty
// path or a missing file is skipped.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.ParseTFs()) == 0 {
		return fmt.Errorf("invalid config: no valid timeframes in %q", c.Timeframes)
	}
	if !strings.HasPrefix(c.SessionTZ, "America/") && !strings.HasPrefix(c.SessionTZ, "US/") {
		return fmt.Errorf("invalid config: session_tz %q must be an America/ or US/ zone", c.SessionTZ)
	}
	if _, err := time.LoadLocation(c.SessionTZ); err != nil {
		return fmt.Errorf("invalid config: session_tz: %w", err)
	}
	for _, d := range []string{c.PaperAckDelay, c.PaperFillDelay} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Symbol = strings.ToUpper(getEnv("SYMBOL", c.Symbol))
	c.PositionSize = getEnvInt64("POSITION_SIZE", c.PositionSize)
	c.BrokerHost = getEnv("BROKER_HOST", c.BrokerHost)
	c.BrokerPort = int(getEnvInt64("BROKER_PORT", int64(c.BrokerPort)))
	c.BrokerClientID = int(getEnvInt64("BROKER_CLIENT_ID", int64(c.BrokerClientID)))

	c.Timeframes = getEnv("ENABLED_TFS", c.Timeframes)
	c.BarCapacity = int(getEnvInt64("BAR_CAPACITY", int64(c.BarCapacity)))
	c.SessionTZ = getEnv("SESSION_TZ", c.SessionTZ)

	c.MaxOrdersPerSecond = getEnvFloat("MAX_ORDERS_PER_SECOND", c.MaxOrdersPerSecond)
	c.MaxPosition = getEnvInt64("MAX_POSITION", c.MaxPosition)
	c.MaxDailyLoss = getEnvFloat("MAX_DAILY_LOSS", c.MaxDailyLoss)
	c.PaperSlippageBps = getEnvInt64("PAPER_SLIPPAGE_BPS", c.PaperSlippageBps)
	c.PaperCommission = getEnvFloat("PAPER_COMMISSION_PER_SHARE", c.PaperCommission)

	c.ReplayFile = getEnv("REPLAY_FILE", c.ReplayFile)
	c.ReplaySpeed = getEnvFloat("REPLAY_SPEED", c.ReplaySpeed)
	c.FeedURL = getEnv("FEED_URL", c.FeedURL)
	if v := os.Getenv("FEED_AGGREGATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.FeedAggregate = b
		}
	}

	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.JournalPath = getEnv("JOURNAL_PATH", c.JournalPath)
	c.WebhookURL = getEnv("WEBHOOK_URL", c.WebhookURL)
	c.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.TelegramToken)
	c.TelegramChat = getEnv("TELEGRAM_CHAT_ID", c.TelegramChat)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// ParseTFs parses Timeframes into bar widths in seconds, skipping invalid
// entries.
func (c *Config) ParseTFs() []int {
	parts := strings.Split(c.Timeframes, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(p, "s"))
		if err != nil || n <= 0 {
			slog.Warn("skipping invalid timeframe", "value", p)
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

// HistoryDuration returns the broker history request length for a
// timeframe in seconds ("1800 S"). Unknown timeframes get 100 bars.
func (c *Config) HistoryDuration(tfSeconds int) string {
	switch tfSeconds {
	case 10:
		return c.History10s
	case 30:
		return c.History30s
	}
	return strconv.Itoa(tfSeconds*100) + " S"
}

// Location returns the session time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SessionTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PaperDelays returns the parsed paper broker ack and fill delays.
func (c *Config) PaperDelays() (ack, fill time.Duration) {
	ack, _ = time.ParseDuration(c.PaperAckDelay)
	fill, _ = time.ParseDuration(c.PaperFillDelay)
	return ack, fill
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
