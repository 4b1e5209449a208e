// Package config defines all configuration for the bridge. Config is loaded
// from a YAML file (default: configs/config.yaml) with sensitive fields
// overridable via TIGER_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"tiger-webhook/internal/bridgeerr"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Port      int    `mapstructure:"port"`
	MockMode  bool   `mapstructure:"mock_mode"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Polling   PollingConfig           `mapstructure:"polling"`
	Spread    SpreadConfig            `mapstructure:"spread"`
	Execution ExecutionConfig         `mapstructure:"execution"`
	Delta     DeltaConfig             `mapstructure:"delta"`
	Dispatch  DispatchConfig          `mapstructure:"dispatch"`
	Gateway   GatewayConfig           `mapstructure:"gateway"`
	Selection ContractSelectionConfig `mapstructure:"contract_selection"`
	Accounts  []AccountConfig         `mapstructure:"accounts"`
	Notifier  NotifierConfig          `mapstructure:"notifier"`
}

// PollingConfig tunes the dual polling manager (positions and orders loops).
type PollingConfig struct {
	PositionIntervalMinutes int  `mapstructure:"position_polling_interval_minutes"`
	OrderIntervalMinutes    int  `mapstructure:"order_polling_interval_minutes"`
	MaxConsecutiveErrors    int  `mapstructure:"max_polling_errors"`
	AutoStart               bool `mapstructure:"auto_start_polling"`
	ConcurrencyLimit        int  `mapstructure:"concurrency_limit"` // 0 means "one per enabled account"
	ShutdownGraceSeconds    int  `mapstructure:"shutdown_grace_seconds"`
}

// PositionInterval is the position loop's polling interval as a Duration.
func (p PollingConfig) PositionInterval() time.Duration {
	return time.Duration(p.PositionIntervalMinutes) * time.Minute
}

// OrderInterval is the order loop's polling interval as a Duration.
func (p PollingConfig) OrderInterval() time.Duration {
	return time.Duration(p.OrderIntervalMinutes) * time.Minute
}

// ShutdownGrace is how long an in-flight tick is given to finish once a
// shutdown signal arrives before the loop abandons it.
func (p PollingConfig) ShutdownGrace() time.Duration {
	return time.Duration(p.ShutdownGraceSeconds) * time.Second
}

// SpreadConfig gates contract selection and order step progression on quote
// quality.
type SpreadConfig struct {
	MaxRatio     float64 `mapstructure:"spread_ratio_threshold"`
	MaxTickWidth int64   `mapstructure:"spread_tick_multiple_threshold"`
}

// ExecutionConfig tunes the progressive limit-order engine.
type ExecutionConfig struct {
	MaxSteps             int           `mapstructure:"progressive_max_steps"`
	StepInterval         time.Duration `mapstructure:"progressive_step_interval_seconds"`
	EnableMarketFallback bool          `mapstructure:"enable_market_fallback"`
	MaxPlaceRetries      int           `mapstructure:"max_place_retries"`
	MaxSpreadHolds       int           `mapstructure:"max_spread_holds"`
	// ForceProgress advances the order at its current step price once
	// MaxSpreadHolds is exhausted instead of failing with
	// UnreasonableSpreadPersisted.
	ForceProgress bool `mapstructure:"force_progress"`
}

// DeltaConfig tunes the append-only Delta ledger.
type DeltaConfig struct {
	ChangeThreshold float64 `mapstructure:"delta_change_threshold"`
	RetentionDays   int     `mapstructure:"delta_retention_days"`
	DBPath          string  `mapstructure:"db_path"`
}

// DispatchConfig tunes the inbound signal dispatcher.
type DispatchConfig struct {
	DedupeWindow  time.Duration `mapstructure:"dedupe_window_seconds"`
	SignalTimeout time.Duration `mapstructure:"signal_timeout_seconds"`
}

// GatewayConfig tunes the broker gateway client.
type GatewayConfig struct {
	CallTimeout     time.Duration `mapstructure:"gateway_call_timeout_seconds"`
	BaseURL         string        `mapstructure:"base_url"`
	ChainCacheTTL   time.Duration `mapstructure:"chain_cache_ttl_seconds"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace_seconds"`
	WSFeedURL       string        `mapstructure:"ws_feed_url"`
	WSFeedEnabled   bool          `mapstructure:"ws_feed_enabled"`
	// DryRun short-circuits every mutating broker call (place/replace/cancel)
	// to a logged no-op instead of sending it, for validating a new account's
	// config before trading live with it.
	DryRun bool `mapstructure:"dry_run"`
}

// ContractSelectionConfig tunes how option contracts are selected for a
// signal.
type ContractSelectionConfig struct {
	MinDaysToExpiry    int     `mapstructure:"min_days_to_expiry"`
	MaxDaysToExpiry    int     `mapstructure:"max_days_to_expiry"`
	TargetDaysToExpiry int     `mapstructure:"target_days_to_expiry"`
	TargetDeltaOpen    float64 `mapstructure:"target_delta_open"`
	MoneynessRuleClose string  `mapstructure:"moneyness_rule_close"`
}

// AccountConfig describes one tradeable account the bridge manages.
type AccountConfig struct {
	Name                string `mapstructure:"name"`
	Enabled             bool   `mapstructure:"enabled"`
	BrokerCredentialRef string `mapstructure:"broker_credentials_ref"`
	NotifierChannel     string `mapstructure:"notifier_channel"`
}

// NotifierConfig tunes the best-effort outbound notifier.
type NotifierConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// secondsToDurationHookFunc converts a bare number (as loaded from YAML
// keys named *_seconds) into a time.Duration by treating it as whole
// seconds, so `gateway_call_timeout_seconds: 10` yields 10*time.Second
// rather than 10 nanoseconds.
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("mock_mode", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("polling.position_polling_interval_minutes", 15)
	v.SetDefault("polling.order_polling_interval_minutes", 5)
	v.SetDefault("polling.max_polling_errors", 5)
	v.SetDefault("polling.auto_start_polling", true)
	v.SetDefault("polling.concurrency_limit", 0)
	v.SetDefault("polling.shutdown_grace_seconds", 5)

	v.SetDefault("spread.spread_ratio_threshold", 0.15)
	v.SetDefault("spread.spread_tick_multiple_threshold", 2)

	v.SetDefault("execution.progressive_max_steps", 5)
	v.SetDefault("execution.progressive_step_interval_seconds", 8)
	v.SetDefault("execution.enable_market_fallback", false)
	v.SetDefault("execution.max_place_retries", 3)
	v.SetDefault("execution.max_spread_holds", 3)
	v.SetDefault("execution.force_progress", false)

	v.SetDefault("delta.delta_change_threshold", 0.01)
	v.SetDefault("delta.delta_retention_days", 90)
	v.SetDefault("delta.db_path", "data/delta.db")

	v.SetDefault("dispatch.dedupe_window_seconds", 60)
	v.SetDefault("dispatch.signal_timeout_seconds", 60)

	v.SetDefault("gateway.gateway_call_timeout_seconds", 10)
	v.SetDefault("gateway.chain_cache_ttl_seconds", 60)
	v.SetDefault("gateway.shutdown_grace_seconds", 5)
	v.SetDefault("gateway.ws_feed_enabled", false)
	v.SetDefault("gateway.dry_run", false)

	v.SetDefault("contract_selection.min_days_to_expiry", 7)
	v.SetDefault("contract_selection.max_days_to_expiry", 45)
	v.SetDefault("contract_selection.target_days_to_expiry", 30)
	v.SetDefault("contract_selection.target_delta_open", 0.30)
	v.SetDefault("contract_selection.moneyness_rule_close", "closest_atm")

	v.SetDefault("notifier.max_retries", 3)
}

// Load reads config from a YAML file with TIGER_* env var overrides for
// sensitive fields. YAML parsing itself is delegated entirely to viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TIGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Config, "config.Load", "read config file", err)
	}

	var cfg Config
	decodeSeconds := func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			secondsToDurationHookFunc(),
		)
	}
	if err := v.Unmarshal(&cfg, decodeSeconds); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Config, "config.Load", "unmarshal config", err)
	}

	if url := os.Getenv("TIGER_NOTIFIER_WEBHOOK_URL"); url != "" {
		cfg.Notifier.WebhookURL = url
	}
	if tok := os.Getenv("TIGER_NOTIFIER_TELEGRAM_TOKEN"); tok != "" {
		cfg.Notifier.TelegramToken = tok
	}
	if os.Getenv("TIGER_MOCK_MODE") == "true" || os.Getenv("TIGER_MOCK_MODE") == "1" {
		cfg.MockMode = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, returning the first
// violation found as a bridgeerr.Config error.
func (c *Config) Validate() error {
	op := "Config.Validate"
	if c.Port <= 0 {
		return bridgeerr.New(bridgeerr.Config, op, "port must be > 0")
	}
	if len(c.Accounts) == 0 {
		return bridgeerr.New(bridgeerr.Config, op, "at least one account must be configured")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Name == "" {
			return bridgeerr.New(bridgeerr.Config, op, "account name must not be empty")
		}
		if seen[a.Name] {
			return bridgeerr.New(bridgeerr.Config, op, fmt.Sprintf("duplicate account name %q", a.Name))
		}
		seen[a.Name] = true
	}
	if c.Polling.PositionIntervalMinutes <= 0 || c.Polling.OrderIntervalMinutes <= 0 {
		return bridgeerr.New(bridgeerr.Config, op, "polling intervals must be > 0")
	}
	if c.Polling.MaxConsecutiveErrors <= 0 {
		return bridgeerr.New(bridgeerr.Config, op, "max_polling_errors must be > 0")
	}
	if c.Spread.MaxRatio <= 0 {
		return bridgeerr.New(bridgeerr.Config, op, "spread_ratio_threshold must be > 0")
	}
	if c.Execution.MaxSteps < 0 {
		return bridgeerr.New(bridgeerr.Config, op, "progressive_max_steps must be >= 0")
	}
	if c.Selection.MinDaysToExpiry < 0 || c.Selection.MaxDaysToExpiry < c.Selection.MinDaysToExpiry {
		return bridgeerr.New(bridgeerr.Config, op, "contract_selection expiry window is invalid")
	}
	if !c.MockMode && c.Gateway.BaseURL == "" {
		return bridgeerr.New(bridgeerr.Config, op, "gateway.base_url is required unless mock_mode is set")
	}
	return nil
}

// EnabledAccounts returns only accounts flagged enabled, preserving order.
func (c *Config) EnabledAccounts() []AccountConfig {
	out := make([]AccountConfig, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}
