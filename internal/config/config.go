package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks configuration errors. They are fatal: the bot never
// starts and no exchange call is made before validation passes.
var ErrConfig = errors.New("invalid configuration")

type GridType string

const (
	GridLong    GridType = "long"
	GridShort   GridType = "short"
	GridNeutral GridType = "neutral"
)

type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

type TrailDirection string

const (
	TrailUp   TrailDirection = "up"
	TrailDown TrailDirection = "down"
	TrailBoth TrailDirection = "both"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Grid      GridConfig      `yaml:"grid"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"` // console, file or both
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ExchangeConfig struct {
	Testnet bool          `yaml:"testnet"`
	RESTURL string        `yaml:"rest_url"`
	WSURL   string        `yaml:"ws_url"`
	Timeout time.Duration `yaml:"timeout"`

	WSReconnectDelay time.Duration `yaml:"ws_reconnect_delay"`
	WSPingInterval   time.Duration `yaml:"ws_ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// GridConfig is immutable once the bot starts, except PriceRange and
// GridCount which the trailing controller replaces wholesale on a trail.
type GridConfig struct {
	Symbol           string     `yaml:"symbol"`
	Leverage         int        `yaml:"leverage"`
	GridType         GridType   `yaml:"grid_type"`
	PriceRange       PriceRange `yaml:"price_range"`
	GridCount        int        `yaml:"grid_count"`
	InvestmentAmount float64    `yaml:"investment_amount"`
	MarginMode       MarginMode `yaml:"margin_mode"`

	Risk     RiskConfig     `yaml:"risk"`
	AI       AIConfig       `yaml:"ai_optimization"`
	Trailing TrailingConfig `yaml:"trailing"`

	RiskCheckInterval    time.Duration `yaml:"risk_check_interval"`
	FundingCheckInterval time.Duration `yaml:"funding_check_interval"`
}

type PriceRange struct {
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper"`
}

func (r PriceRange) Width() float64 { return r.Upper - r.Lower }

type RiskConfig struct {
	MaxDrawdownPercent       float64 `yaml:"max_drawdown_percent"`
	LiquidationBufferPercent float64 `yaml:"liquidation_buffer_percent"`
	MaxPositionSize          float64 `yaml:"max_position_size"`
	FundingRateThreshold     float64 `yaml:"funding_rate_threshold"`
}

type AIConfig struct {
	Enabled           *bool `yaml:"enabled"`
	LookbackDays      int   `yaml:"lookback_days"`
	AdjustLeverage    bool  `yaml:"adjust_leverage"`
	AdjustGridSpacing bool  `yaml:"adjust_grid_spacing"`
}

func (a AIConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type TrailingConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Direction      TrailDirection `yaml:"direction"`
	TriggerPercent float64        `yaml:"trigger_percent"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path is required", ErrConfig)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	applyDefaults(&cfg)
	return &cfg, Validate(&cfg.Grid)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "console"
	}
	if cfg.Exchange.RESTURL == "" {
		if cfg.Exchange.Testnet {
			cfg.Exchange.RESTURL = "https://testnet.binancefuture.com"
		} else {
			cfg.Exchange.RESTURL = "https://fapi.binance.com"
		}
	}
	if cfg.Exchange.WSURL == "" {
		if cfg.Exchange.Testnet {
			cfg.Exchange.WSURL = "wss://stream.binancefuture.com/ws"
		} else {
			cfg.Exchange.WSURL = "wss://fstream.binance.com/ws"
		}
	}
	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.WSReconnectDelay == 0 {
		cfg.Exchange.WSReconnectDelay = 3 * time.Second
	}
	if cfg.Exchange.WSPingInterval == 0 {
		cfg.Exchange.WSPingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/perp-grid-bot.db"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	ApplyGridDefaults(&cfg.Grid)
}

func ApplyGridDefaults(g *GridConfig) {
	if g.Leverage == 0 {
		g.Leverage = 5
	}
	if g.GridType == "" {
		g.GridType = GridNeutral
	}
	if g.GridCount == 0 {
		g.GridCount = 50
	}
	if g.MarginMode == "" {
		g.MarginMode = MarginIsolated
	}
	if g.Risk.MaxDrawdownPercent == 0 {
		g.Risk.MaxDrawdownPercent = 15
	}
	if g.Risk.LiquidationBufferPercent == 0 {
		g.Risk.LiquidationBufferPercent = 10
	}
	if g.Risk.FundingRateThreshold == 0 {
		g.Risk.FundingRateThreshold = 0.1
	}
	if g.AI.LookbackDays == 0 {
		g.AI.LookbackDays = 30
	}
	if g.Trailing.Direction == "" {
		g.Trailing.Direction = TrailBoth
	}
	if g.Trailing.TriggerPercent == 0 {
		g.Trailing.TriggerPercent = 5
	}
	if g.RiskCheckInterval == 0 {
		g.RiskCheckInterval = 60 * time.Second
	}
	if g.FundingCheckInterval == 0 {
		g.FundingCheckInterval = 5 * time.Minute
	}
}

// Validate enforces the grid invariants. It runs before any exchange
// call so a bad config can never reach the adapter.
func Validate(g *GridConfig) error {
	if g.Symbol == "" {
		return fmt.Errorf("%w: grid.symbol is required", ErrConfig)
	}
	if g.PriceRange.Lower >= g.PriceRange.Upper {
		return fmt.Errorf("%w: price_range.lower %.8f must be below upper %.8f", ErrConfig, g.PriceRange.Lower, g.PriceRange.Upper)
	}
	if g.PriceRange.Lower <= 0 {
		return fmt.Errorf("%w: price_range.lower must be > 0", ErrConfig)
	}
	if g.GridCount < 2 || g.GridCount > 500 {
		return fmt.Errorf("%w: grid_count %d outside [2,500]", ErrConfig, g.GridCount)
	}
	if g.Leverage < 1 || g.Leverage > 125 {
		return fmt.Errorf("%w: leverage %d outside [1,125]", ErrConfig, g.Leverage)
	}
	if g.InvestmentAmount < 10 {
		return fmt.Errorf("%w: investment_amount %.2f below minimum 10", ErrConfig, g.InvestmentAmount)
	}
	switch g.GridType {
	case GridLong, GridShort, GridNeutral:
	default:
		return fmt.Errorf("%w: grid_type %q must be long, short or neutral", ErrConfig, g.GridType)
	}
	switch g.MarginMode {
	case MarginIsolated, MarginCross:
	default:
		return fmt.Errorf("%w: margin_mode %q must be isolated or cross", ErrConfig, g.MarginMode)
	}
	if g.Trailing.Enabled {
		switch g.Trailing.Direction {
		case TrailUp, TrailDown, TrailBoth:
		default:
			return fmt.Errorf("%w: trailing.direction %q must be up, down or both", ErrConfig, g.Trailing.Direction)
		}
		if g.Trailing.TriggerPercent <= 0 {
			return fmt.Errorf("%w: trailing.trigger_percent must be > 0", ErrConfig)
		}
	}
	if g.Risk.MaxDrawdownPercent <= 0 || g.Risk.MaxDrawdownPercent >= 100 {
		return fmt.Errorf("%w: risk.max_drawdown_percent must be inside (0,100)", ErrConfig)
	}
	if g.Risk.LiquidationBufferPercent <= 0 {
		return fmt.Errorf("%w: risk.liquidation_buffer_percent must be > 0", ErrConfig)
	}
	return nil
}
