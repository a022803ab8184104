package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries the billing policy knobs that product can tune without
// a deploy. It is hot-reloaded from billing.yml when the file changes.
type BillingConfig struct {
	// SameDaySwitchChargesRemainder controls proration when a pay-in-advance
	// plan change lands on the last day of the period (daysRemaining == 0).
	// false: no proration is produced and the new plan bills from the next
	// cycle. true: the remainder nets to the full new-plan base amount.
	SameDaySwitchChargesRemainder bool `mapstructure:"sameDaySwitchChargesRemainder"`

	// WalletForecastWindowDays is the trailing window used to estimate average
	// daily wallet consumption for depletion forecasts.
	WalletForecastWindowDays int `mapstructure:"walletForecastWindowDays"`

	// LockTimeoutSeconds bounds how long invoice generation waits on row locks
	// before the run is treated as a (retryable) conflict.
	LockTimeoutSeconds int `mapstructure:"lockTimeoutSeconds"`

	// MaxConflictRetries bounds orchestrator retries on transient storage
	// contention. A detected double-invoice is fatal regardless.
	MaxConflictRetries int `mapstructure:"maxConflictRetries"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		SameDaySwitchChargesRemainder: false,
		WalletForecastWindowDays:      30,
		LockTimeoutSeconds:            5,
		MaxConflictRetries:            3,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewBillingConfigHolderFromConfig builds a holder with defaults when no
// billing.yml is present; tests construct holders directly via NewStaticBillingConfig.
func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tally/config")
	v.AddConfigPath("/etc/tally")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.sameDaySwitchChargesRemainder", defaults.SameDaySwitchChargesRemainder)
	v.SetDefault("billing.walletForecastWindowDays", defaults.WalletForecastWindowDays)
	v.SetDefault("billing.lockTimeoutSeconds", defaults.LockTimeoutSeconds)
	v.SetDefault("billing.maxConflictRetries", defaults.MaxConflictRetries)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfig wraps a fixed config, mainly for tests.
func NewStaticBillingConfig(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.WalletForecastWindowDays <= 0 {
		return errors.New("billing.walletForecastWindowDays must be positive")
	}
	if cfg.LockTimeoutSeconds <= 0 {
		return errors.New("billing.lockTimeoutSeconds must be positive")
	}
	if cfg.MaxConflictRetries < 0 {
		return errors.New("billing.maxConflictRetries cannot be negative")
	}
	return nil
}
