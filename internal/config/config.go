// Package config defines all configuration for the grid-trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GRID_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Venue    VenueConfig    `mapstructure:"venue"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Rates    RatesConfig    `mapstructure:"rates"`
	Commands CommandsConfig `mapstructure:"commands"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// VenueConfig selects the exchange adapter and carries its credentials.
// Key and secret normally come from GRID_API_KEY / GRID_API_SECRET.
type VenueConfig struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// TradingConfig tunes the trading loops.
//
//   - Pair: the default BASE/QUOTE pair commands operate on.
//   - LadderInterval: how often the ladder strategy converges its orders.
//   - ReconcileInterval: how often local records are reconciled against
//     the venue's open-order list.
//   - MarketRefreshInterval: how often market descriptors (status, limits)
//     are re-fetched.
//   - PendingGrace: how long a pending record may sit without a venue ID
//     before reconciliation closes it.
//   - AmountToConfirmUSD: commands moving more than this (estimated in USD)
//     demand a /y confirmation. Zero disables the check.
type TradingConfig struct {
	Pair                  string          `mapstructure:"pair"`
	LadderInterval        time.Duration   `mapstructure:"ladder_interval"`
	ReconcileInterval     time.Duration   `mapstructure:"reconcile_interval"`
	MarketRefreshInterval time.Duration   `mapstructure:"market_refresh_interval"`
	PendingGrace          time.Duration   `mapstructure:"pending_grace"`
	AmountToConfirmUSD    decimal.Decimal `mapstructure:"amount_to_confirm_usd"`
}

// RatesConfig points at the info service publishing the cross-asset rate table.
type RatesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Freshness      time.Duration `mapstructure:"freshness"`
	CryptoDecimals int32         `mapstructure:"crypto_decimals"`
}

// CommandsConfig selects where operator commands come from. With an empty
// relay URL only the console source runs.
type CommandsConfig struct {
	RelayURL string `mapstructure:"relay_url"`
	BotName  string `mapstructure:"bot_name"`
	Stdin    bool   `mapstructure:"stdin"`
}

// NotifyConfig configures the outbound notification webhook (optional).
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// StoreConfig sets where order records and trade params are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GRID_API_KEY, GRID_API_SECRET, GRID_WEBHOOK_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("trading.ladder_interval", 30*time.Second)
	v.SetDefault("trading.reconcile_interval", time.Minute)
	v.SetDefault("trading.market_refresh_interval", 10*time.Minute)
	v.SetDefault("trading.pending_grace", time.Minute)
	v.SetDefault("rates.freshness", time.Minute)
	v.SetDefault("rates.crypto_decimals", 8)
	v.SetDefault("commands.stdin", true)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decimalDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("GRID_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("GRID_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if url := os.Getenv("GRID_WEBHOOK_URL"); url != "" {
		cfg.Notify.WebhookURL = url
	}
	if os.Getenv("GRID_DRY_RUN") == "true" || os.Getenv("GRID_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venue.Name == "" {
		return fmt.Errorf("venue.name is required")
	}
	if !c.DryRun {
		if c.Venue.APIKey == "" {
			return fmt.Errorf("venue.api_key is required (set GRID_API_KEY)")
		}
		if c.Venue.APISecret == "" {
			return fmt.Errorf("venue.api_secret is required (set GRID_API_SECRET)")
		}
	}
	if c.Trading.Pair == "" {
		return fmt.Errorf("trading.pair is required (BASE/QUOTE)")
	}
	if !strings.Contains(c.Trading.Pair, "/") {
		return fmt.Errorf("trading.pair must be BASE/QUOTE, got %q", c.Trading.Pair)
	}
	if c.Trading.LadderInterval <= 0 {
		return fmt.Errorf("trading.ladder_interval must be > 0")
	}
	if c.Trading.ReconcileInterval <= 0 {
		return fmt.Errorf("trading.reconcile_interval must be > 0")
	}
	if c.Trading.AmountToConfirmUSD.Sign() < 0 {
		return fmt.Errorf("trading.amount_to_confirm_usd must be >= 0")
	}
	if c.Commands.RelayURL != "" && c.Commands.BotName == "" {
		return fmt.Errorf("commands.bot_name is required when commands.relay_url is set")
	}
	if c.Commands.RelayURL == "" && !c.Commands.Stdin {
		return fmt.Errorf("no command source: set commands.relay_url or commands.stdin")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	return nil
}

// decimalDecodeHook lets viper decode YAML numbers and strings into
// decimal.Decimal fields.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return data, nil
		}
	}
}
