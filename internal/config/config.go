// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// credentials overridable via per-venue environment variables.
//
// Grounded on the teacher's internal/config/config.go: viper +
// mapstructure tags, SetEnvPrefix/SetEnvKeyReplacer for env overrides,
// and a Validate() pass that fails fast — regrown from the teacher's
// single-wallet Polymarket shape to spec.md §6's venue list, traded
// pairs, commission model, P&L settings, event-recorder sink, and USD
// price-source chain.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration document. Maps directly onto the
// YAML file structure; unknown keys fail Load (spec.md §6 "Unknown keys
// fail startup").
type Config struct {
	DryRun      bool             `mapstructure:"dry_run"`
	Venues      []VenueConfig    `mapstructure:"venues"`
	Pairs       []PairConfig     `mapstructure:"pairs"`
	Commission  CommissionConfig `mapstructure:"commission"`
	ProfitLoss  ProfitLossConfig `mapstructure:"profit_loss"`
	Events      EventsConfig     `mapstructure:"events"`
	PriceSource []PriceSourceConfig `mapstructure:"price_source"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// VenueConfig describes one exchange account connection: credentials,
// endpoints, and the websocket channel subscription set.
type VenueConfig struct {
	ExchangeId string `mapstructure:"exchange_id"`
	Instance   uint8  `mapstructure:"instance"`

	ApiKey    string `mapstructure:"api_key"`
	ApiSecret string `mapstructure:"api_secret"`

	RestBaseURL  string   `mapstructure:"rest_base_url"`
	WSMarketURL  string   `mapstructure:"ws_market_url"`
	WSUserURL    string   `mapstructure:"ws_user_url"`
	Channels     []string `mapstructure:"channels"` // e.g. ["depth", "trade"]

	RateLimitGroups map[string]RateLimitGroupConfig `mapstructure:"rate_limit_groups"`
}

// RateLimitGroupConfig configures one named request-rate bucket for a
// venue (spec.md §4.2's request groups).
type RateLimitGroupConfig struct {
	Capacity      float64 `mapstructure:"capacity"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// PairConfig describes one traded market: the symbol metadata the engine
// needs for rounding, clamping, and derivative balance-change handling.
type PairConfig struct {
	ExchangeId string `mapstructure:"exchange_id"`
	Base       string `mapstructure:"base"`
	Quote      string `mapstructure:"quote"`

	PriceTick  string `mapstructure:"price_tick"`
	AmountTick string `mapstructure:"amount_tick"`
	MinAmount  string `mapstructure:"min_amount"`
	MaxAmount  string `mapstructure:"max_amount"`

	IsDerivative         bool   `mapstructure:"is_derivative"`
	AmountMultiplier     string `mapstructure:"amount_multiplier"`
	BalanceCurrencyCode  string `mapstructure:"balance_currency_code"`
	Reversed             bool   `mapstructure:"reversed"`

	StrategyName string `mapstructure:"strategy_name"`
}

// CommissionConfig sets the flat commission rate and currency convention
// applied when a venue adapter does not report commission per fill.
type CommissionConfig struct {
	Rate             string `mapstructure:"rate"`
	DefaultInQuote   bool   `mapstructure:"default_in_quote"`
}

// ProfitLossConfig configures the rolling-window P&L kill switch
// (spec.md §4.8 / §6 "P&L settings {limit, period, target_market}").
type ProfitLossConfig struct {
	Limit        string        `mapstructure:"limit"`
	Period       time.Duration `mapstructure:"period"`
	TargetMarket string        `mapstructure:"target_market"`
}

// EventsConfig points at the EventRecorder's primary sink and its
// line-delimited-JSON fallback directory (spec.md §6).
type EventsConfig struct {
	PersistenceURL string `mapstructure:"persistence_url"`
	FallbackDir    string `mapstructure:"fallback_dir"`
}

// PriceSourceConfig declares one ordered USD conversion path (spec.md
// §4.7 / §6 "ordered list of (start_ccy, end_ccy, [(venue, pair)...])").
type PriceSourceConfig struct {
	StartCurrency string             `mapstructure:"start_currency"`
	EndCurrency   string             `mapstructure:"end_currency"`
	Hops          []PriceSourceHop   `mapstructure:"hops"`
}

type PriceSourceHop struct {
	ExchangeId string `mapstructure:"exchange_id"`
	Base       string `mapstructure:"base"`
	Quote      string `mapstructure:"quote"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. Per-venue
// API credentials can be overridden via ENGINE_VENUE_<EXCHANGE_ID>_API_KEY
// / _API_SECRET so secrets never need to live in the checked-in YAML.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config (unknown keys are rejected): %w", err)
	}

	for i := range cfg.Venues {
		venue := &cfg.Venues[i]
		envPrefix := "ENGINE_VENUE_" + strings.ToUpper(venue.ExchangeId)
		if key := os.Getenv(envPrefix + "_API_KEY"); key != "" {
			venue.ApiKey = key
		}
		if secret := os.Getenv(envPrefix + "_API_SECRET"); secret != "" {
			venue.ApiSecret = secret
		}
	}
	if os.Getenv("ENGINE_DRY_RUN") == "true" || os.Getenv("ENGINE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}
	seen := make(map[string]bool, len(c.Venues))
	for _, venue := range c.Venues {
		if venue.ExchangeId == "" {
			return fmt.Errorf("venues: exchange_id is required")
		}
		key := fmt.Sprintf("%s/%d", venue.ExchangeId, venue.Instance)
		if seen[key] {
			return fmt.Errorf("venues: duplicate exchange account %s", key)
		}
		seen[key] = true
		if venue.RestBaseURL == "" {
			return fmt.Errorf("venues[%s]: rest_base_url is required", venue.ExchangeId)
		}
		if venue.WSMarketURL == "" {
			return fmt.Errorf("venues[%s]: ws_market_url is required", venue.ExchangeId)
		}
	}

	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one traded pair is required")
	}
	for _, pair := range c.Pairs {
		if pair.Base == "" || pair.Quote == "" {
			return fmt.Errorf("pairs: base and quote are required")
		}
		if pair.PriceTick == "" || pair.AmountTick == "" {
			return fmt.Errorf("pairs[%s/%s]: price_tick and amount_tick are required", pair.Base, pair.Quote)
		}
	}

	if c.ProfitLoss.Limit == "" {
		return fmt.Errorf("profit_loss.limit is required")
	}
	if c.ProfitLoss.Period <= 0 {
		return fmt.Errorf("profit_loss.period must be > 0")
	}
	if c.ProfitLoss.TargetMarket == "" {
		return fmt.Errorf("profit_loss.target_market is required")
	}

	if c.Events.FallbackDir == "" {
		return fmt.Errorf("events.fallback_dir is required")
	}

	return nil
}
