// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	AppEnv    string `mapstructure:"APP_ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"oneof=json text"`
	HTTPAddr  string `mapstructure:"HTTP_ADDR" validate:"required"`

	DBURL          string `mapstructure:"DB_URL"`
	MigrationsPath string `mapstructure:"MIGRATIONS_PATH" validate:"required"`

	GithubToken   string `mapstructure:"GITHUB_TOKEN"`
	GithubBaseURL string `mapstructure:"GITHUB_BASE_URL" validate:"omitempty,url"`

	TelegramBotToken    string        `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID      string        `mapstructure:"TELEGRAM_CHAT_ID"`
	TelegramAPIURL      string        `mapstructure:"TELEGRAM_API_URL" validate:"omitempty,url"`
	TelegramRatePerSec  int           `mapstructure:"TELEGRAM_RATE_PER_SEC" validate:"min=1"`
	TelegramSendTimeout time.Duration `mapstructure:"TELEGRAM_SEND_TIMEOUT" validate:"min=0"`

	// SchedulerEnabledRaw is tri-state: empty means "enabled only in production".
	SchedulerEnabledRaw string        `mapstructure:"SCHEDULER_ENABLED" validate:"omitempty,boolean"`
	PollingIntervalMS   int           `mapstructure:"POLLING_INTERVAL_MS" validate:"min=1000"`
	MaxRetries          int           `mapstructure:"SCHEDULER_MAX_RETRIES" validate:"min=1,max=10"`
	RetryBaseDelayMS    int           `mapstructure:"SCHEDULER_RETRY_BASE_DELAY_MS" validate:"min=0"`
	RetryMaxDelayMS     int           `mapstructure:"SCHEDULER_RETRY_MAX_DELAY_MS" validate:"min=0"`
	StopTimeout         time.Duration `mapstructure:"SCHEDULER_STOP_TIMEOUT" validate:"min=0"`
	MaxCommitsPerCheck  int           `mapstructure:"SCHEDULER_MAX_COMMITS" validate:"min=1,max=100"`
	NotifyFormat        string        `mapstructure:"NOTIFY_FORMAT" validate:"oneof=chunked summary"`
	NotifyOnFailure     bool          `mapstructure:"NOTIFY_ON_FAILURE"`
	TestCommitCount     int           `mapstructure:"TEST_NOTIFICATION_COMMITS" validate:"min=1,max=100"`

	LedgerRetentionDays int    `mapstructure:"LEDGER_RETENTION_DAYS" validate:"min=1"`
	LedgerCleanupSpec   string `mapstructure:"LEDGER_CLEANUP_SPEC" validate:"required"`

	EventsDriver string   `mapstructure:"EVENTS_DRIVER" validate:"oneof=none kafka amqp"`
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS" validate:"required_if=EventsDriver kafka"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
	AMQPURL      string   `mapstructure:"AMQP_URL" validate:"required_if=EventsDriver amqp"`
	AMQPExchange string   `mapstructure:"AMQP_EXCHANGE"`
}

// keys without a default still need binding so AutomaticEnv picks them up on Unmarshal.
var boundKeys = []string{
	"APP_ENV",
	"DB_URL",
	"GITHUB_TOKEN",
	"GITHUB_BASE_URL",
	"TELEGRAM_BOT_TOKEN",
	"TELEGRAM_CHAT_ID",
	"TELEGRAM_API_URL",
	"SCHEDULER_ENABLED",
	"KAFKA_BROKERS",
	"AMQP_URL",
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("MIGRATIONS_PATH", "file://migrations")
	v.SetDefault("TELEGRAM_RATE_PER_SEC", 1)
	v.SetDefault("TELEGRAM_SEND_TIMEOUT", "10s")
	v.SetDefault("POLLING_INTERVAL_MS", 300000)
	v.SetDefault("SCHEDULER_MAX_RETRIES", 3)
	v.SetDefault("SCHEDULER_RETRY_BASE_DELAY_MS", 1000)
	v.SetDefault("SCHEDULER_RETRY_MAX_DELAY_MS", 30000)
	v.SetDefault("SCHEDULER_STOP_TIMEOUT", "30s")
	v.SetDefault("SCHEDULER_MAX_COMMITS", 100)
	v.SetDefault("NOTIFY_FORMAT", "chunked")
	v.SetDefault("NOTIFY_ON_FAILURE", false)
	v.SetDefault("TEST_NOTIFICATION_COMMITS", 5)
	v.SetDefault("LEDGER_RETENTION_DAYS", 30)
	v.SetDefault("LEDGER_CLEANUP_SPEC", "@daily")
	v.SetDefault("EVENTS_DRIVER", "none")
	v.SetDefault("KAFKA_TOPIC", "commit-notifications")
	v.SetDefault("AMQP_EXCHANGE", "commit-notifier")

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range boundKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// SchedulerEnabled resolves SCHEDULER_ENABLED, falling back to APP_ENV=production when unset.
func (c *Config) SchedulerEnabled() bool {
	if c.SchedulerEnabledRaw != "" {
		enabled, err := strconv.ParseBool(c.SchedulerEnabledRaw)
		return err == nil && enabled
	}
	return strings.EqualFold(c.AppEnv, "production")
}

func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

// LedgerRetention is how long notified commit SHAs are kept in the dedup ledger.
func (c *Config) LedgerRetention() time.Duration {
	return time.Duration(c.LedgerRetentionDays) * 24 * time.Hour
}
