// Package config defines all configuration for the signal bot.
// Config is loaded from the environment (prefix BOT_, nested keys joined
// with underscores) with an optional YAML file; credentials are always
// overridable via BOT_VENUE_API_KEY / BOT_VENUE_SECRET.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Strategy selects the risk-management variant layered on webhook signals.
type Strategy string

const (
	StrategyClassic Strategy = "classic" // market orders and reversals only
	StrategyStop    Strategy = "stop"    // trailing stop-limit armed at a profit threshold
	StrategyHedging Strategy = "hedging" // opposite-side hedge armed at a drawdown threshold
	StrategyTake    Strategy = "take"    // two-level reduce-only take-profit ladder
)

// Config is the top-level configuration.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Venue    VenueConfig    `mapstructure:"venue"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Server   ServerConfig   `mapstructure:"server"`
	Trailing TrailingConfig `mapstructure:"trailing"`
	Hedging  HedgingConfig  `mapstructure:"hedging"`
	Take     TakeConfig     `mapstructure:"take"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// VenueConfig holds the futures venue endpoints and API credentials.
type VenueConfig struct {
	APIKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	BaseURL      string `mapstructure:"base_url"`
	StreamURL    string `mapstructure:"stream_url"`
	RecvWindowMS int    `mapstructure:"recv_window_ms"`
}

// TradingConfig sizes every position the bot opens.
//
//   - PositionSize: margin committed per position, in the quote currency.
//     Order quantity is (PositionSize × Leverage) / current price.
//   - Leverage: applied to the symbol once at startup.
//   - Symbol: the single contract this instance trades. A ".P" suffix
//     (chart-style perpetual notation) is accepted and stripped.
//   - Strategy: which variant manages the position after entry.
type TradingConfig struct {
	PositionSize float64  `mapstructure:"position_size"`
	Leverage     int      `mapstructure:"leverage"`
	Symbol       string   `mapstructure:"symbol"`
	Strategy     Strategy `mapstructure:"strategy"`
}

// ServerConfig controls the webhook listener.
// AllowedIPs is parsed from a JSON array (`["1.2.3.4"]`) or a comma list.
type ServerConfig struct {
	Port       int      `mapstructure:"port"`
	AllowedIPs []string `mapstructure:"-"`
}

// TrailingConfig tunes the stop variant.
//
//   - ActivationPercent: unleveraged price move that arms the stop.
//   - StopPercent: unleveraged price move from entry where the stop's
//     limit price sits once armed.
//   - OffsetTicks: distance between the stop trigger and its limit price,
//     in tick-size multiples.
type TrailingConfig struct {
	ActivationPercent float64 `mapstructure:"activation_percent"`
	StopPercent       float64 `mapstructure:"stop_percent"`
	OffsetTicks       int     `mapstructure:"offset_ticks"`
}

// HedgingConfig tunes the hedging variant. The PnL thresholds are ROI
// percentages on the leveraged position, so the underlying price distance
// is threshold/leverage percent. Signs matter: a negative ActivationPnL
// arms the hedge below a long entry.
type HedgingConfig struct {
	ActivationPnL float64 `mapstructure:"activation_pnl"`
	SLPnL         float64 `mapstructure:"sl_pnl"`
	TriggerPnL    float64 `mapstructure:"trigger_pnl"`
	TPPnL         float64 `mapstructure:"tp_pnl"`
	MaxFailures   int     `mapstructure:"max_failures"`
}

// TakeConfig tunes the take variant: two reduce-only limit orders placed
// after entry. TPn is the ROI percentage for level n; QtyN is the share of
// the position (percent) closed at that level.
type TakeConfig struct {
	TP1Percent  float64 `mapstructure:"tp1_percent"`
	Qty1Percent float64 `mapstructure:"qty1_percent"`
	TP2Percent  float64 `mapstructure:"tp2_percent"`
	Qty2Percent float64 `mapstructure:"qty2_percent"`
}

// NotifierConfig enables out-of-band alerts when both fields are set.
// ChatIDs is parsed from a comma list.
type NotifierConfig struct {
	Token   string   `mapstructure:"token"`
	ChatIDs []string `mapstructure:"-"`
}

// LoggingConfig selects handler format and optional rotating file output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", false)
	v.SetDefault("venue.api_key", "")
	v.SetDefault("venue.secret", "")
	v.SetDefault("venue.base_url", "https://fapi.binance.com")
	v.SetDefault("venue.stream_url", "wss://fstream.binance.com")
	v.SetDefault("venue.recv_window_ms", 5000)
	v.SetDefault("trading.position_size", 0.0)
	v.SetDefault("trading.leverage", 0)
	v.SetDefault("trading.symbol", "")
	v.SetDefault("trading.strategy", string(StrategyClassic))
	v.SetDefault("server.port", 80)
	v.SetDefault("server.allowed_ips", "")
	v.SetDefault("trailing.activation_percent", 0.0)
	v.SetDefault("trailing.stop_percent", 0.0)
	v.SetDefault("trailing.offset_ticks", 100)
	v.SetDefault("hedging.activation_pnl", 0.0)
	v.SetDefault("hedging.sl_pnl", 0.0)
	v.SetDefault("hedging.trigger_pnl", 0.0)
	v.SetDefault("hedging.tp_pnl", 0.0)
	v.SetDefault("hedging.max_failures", 0)
	v.SetDefault("take.tp1_percent", 0.0)
	v.SetDefault("take.qty1_percent", 0.0)
	v.SetDefault("take.tp2_percent", 0.0)
	v.SetDefault("take.qty2_percent", 0.0)
	v.SetDefault("notifier.token", "")
	v.SetDefault("notifier.chat_ids", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Load reads config from the environment, plus a YAML file when path is
// non-empty. Credentials use env vars: BOT_VENUE_API_KEY, BOT_VENUE_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	var err error
	cfg.Server.AllowedIPs, err = parseIPList(v.GetString("server.allowed_ips"))
	if err != nil {
		return nil, fmt.Errorf("parse server.allowed_ips: %w", err)
	}
	cfg.Notifier.ChatIDs = splitList(v.GetString("notifier.chat_ids"))

	// Override sensitive fields from env
	if key := os.Getenv("BOT_VENUE_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("BOT_VENUE_SECRET"); secret != "" {
		cfg.Venue.Secret = secret
	}
	if os.Getenv("BOT_DRY_RUN") == "true" || os.Getenv("BOT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// parseIPList accepts a JSON array of addresses or a comma-separated list.
func parseIPList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var ips []string
		if err := json.Unmarshal([]byte(raw), &ips); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return ips, nil
	}
	return splitList(raw), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks all required fields and value ranges. Knobs are only
// required for the strategy variant that reads them.
func (c *Config) Validate() error {
	if c.Venue.APIKey == "" {
		return fmt.Errorf("venue.api_key is required (set BOT_VENUE_API_KEY)")
	}
	if c.Venue.Secret == "" {
		return fmt.Errorf("venue.secret is required (set BOT_VENUE_SECRET)")
	}
	if c.Venue.BaseURL == "" {
		return fmt.Errorf("venue.base_url is required")
	}
	if c.Venue.StreamURL == "" {
		return fmt.Errorf("venue.stream_url is required")
	}
	if c.Trading.PositionSize <= 0 {
		return fmt.Errorf("trading.position_size must be > 0")
	}
	if c.Trading.Leverage <= 0 {
		return fmt.Errorf("trading.leverage must be > 0")
	}
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if len(c.Server.AllowedIPs) == 0 {
		return fmt.Errorf("server.allowed_ips is required (set BOT_SERVER_ALLOWED_IPS)")
	}

	switch c.Trading.Strategy {
	case StrategyClassic:
	case StrategyStop:
		if c.Trailing.ActivationPercent <= 0 || c.Trailing.ActivationPercent >= 100 {
			return fmt.Errorf("trailing.activation_percent must be in (0, 100)")
		}
		if c.Trailing.StopPercent <= 0 || c.Trailing.StopPercent >= 100 {
			return fmt.Errorf("trailing.stop_percent must be in (0, 100)")
		}
		if c.Trailing.OffsetTicks <= 0 {
			return fmt.Errorf("trailing.offset_ticks must be > 0")
		}
	case StrategyHedging:
		if c.Hedging.ActivationPnL == 0 {
			return fmt.Errorf("hedging.activation_pnl is required")
		}
		if c.Hedging.SLPnL == 0 {
			return fmt.Errorf("hedging.sl_pnl is required")
		}
		if c.Hedging.TriggerPnL == 0 {
			return fmt.Errorf("hedging.trigger_pnl is required")
		}
		if c.Hedging.TPPnL == 0 {
			return fmt.Errorf("hedging.tp_pnl is required")
		}
		if c.Hedging.MaxFailures <= 0 {
			return fmt.Errorf("hedging.max_failures must be > 0")
		}
	case StrategyTake:
		if c.Take.TP1Percent <= 0 || c.Take.TP2Percent <= 0 {
			return fmt.Errorf("take.tp1_percent and take.tp2_percent must be > 0")
		}
		if c.Take.Qty1Percent <= 0 || c.Take.Qty2Percent <= 0 {
			return fmt.Errorf("take.qty1_percent and take.qty2_percent must be > 0")
		}
		if c.Take.Qty1Percent+c.Take.Qty2Percent > 100 {
			return fmt.Errorf("take.qty1_percent + take.qty2_percent must not exceed 100")
		}
	default:
		return fmt.Errorf("trading.strategy must be one of: classic, stop, hedging, take")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
