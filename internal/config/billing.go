package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the tunables of the billing engine. It is loaded
// from an optional billing.yaml and can be hot-reloaded without a restart.
type BillingConfig struct {
	Currency string `mapstructure:"currency"`

	// DefaultGracePeriodDays applies when a client has no grace period
	// of its own.
	DefaultGracePeriodDays int `mapstructure:"default_grace_period_days"`

	RunInterval     time.Duration `mapstructure:"run_interval"`
	GenerateEnabled bool          `mapstructure:"generate_enabled"`
	SweepBatchSize  int           `mapstructure:"sweep_batch_size"`

	WebhookRatePerMinute int64 `mapstructure:"webhook_rate_per_minute"`
	WebhookBurst         int64 `mapstructure:"webhook_burst"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Currency:               "KES",
		DefaultGracePeriodDays: 5,
		RunInterval:            6 * time.Hour,
		GenerateEnabled:        true,
		SweepBatchSize:         500,
		WebhookRatePerMinute:   120,
		WebhookBurst:           30,
	}
}

// BillingConfigHolder exposes the current billing configuration and keeps
// it fresh when the file on disk changes.
type BillingConfigHolder struct {
	current atomic.Value
}

func NewBillingConfigHolder() *BillingConfigHolder {
	h := &BillingConfigHolder{}
	h.current.Store(DefaultBillingConfig())

	v := viper.New()
	v.SetConfigName("billing")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/takaops")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Printf("billing config: read failed, using defaults: %v", err)
		}
		return h
	}

	h.apply(v)
	v.OnConfigChange(func(_ fsnotify.Event) {
		h.apply(v)
	})
	v.WatchConfig()
	return h
}

func (h *BillingConfigHolder) apply(v *viper.Viper) {
	cfg := DefaultBillingConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		log.Printf("billing config: unmarshal failed, keeping previous: %v", err)
		return
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if cfg.Currency == "" {
		cfg.Currency = "KES"
	}
	if cfg.DefaultGracePeriodDays < 0 {
		cfg.DefaultGracePeriodDays = 0
	}
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = DefaultBillingConfig().RunInterval
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = DefaultBillingConfig().SweepBatchSize
	}
	h.current.Store(cfg)
}

// Current returns the active billing configuration.
func (h *BillingConfigHolder) Current() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// Override replaces the active configuration. Intended for tests.
func (h *BillingConfigHolder) Override(cfg BillingConfig) {
	h.current.Store(cfg)
}
