// Package config loads and validates the runtime's configuration tree (spec
// §6). It follows the teacher's pattern in spirit: a single Config struct
// decoded with strict field checking, an env-var expansion pre-pass, and
// separate Normalize/Validate stages — extended with godotenv so broker
// credentials and DSNs never need to live in config.yaml itself.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Mode is the Executor's dispatch mode (spec §4.10/§6).
type Mode string

// Execution modes.
const (
	ModeLogOnly Mode = "LOG_ONLY"
	ModePaper   Mode = "PAPER"
	ModeLive    Mode = "LIVE"
)

// StrikeMode selects StrikeSelector's target-strike rule (spec §4.9).
type StrikeMode string

// Strike modes.
const (
	StrikeConservative StrikeMode = "CONSERVATIVE"
	StrikeBalanced     StrikeMode = "BALANCED"
	StrikeAggressive   StrikeMode = "AGGRESSIVE"
)

// Config is the complete application configuration (spec §6).
type Config struct {
	Mode        Mode              `yaml:"mode"`
	Symbols     SymbolsConfig     `yaml:"symbols"`
	Runners     RunnersConfig     `yaml:"runners"`
	Strategies  map[string]StrategyConfig `yaml:"strategies"`
	Options     OptionsConfig     `yaml:"options"`
	Market      MarketConfig      `yaml:"market"`
	Cache       CacheConfig       `yaml:"cache"`
	Store       StoreConfig       `yaml:"store"`
	Broker      BrokerConfig      `yaml:"broker"`
	Logging     LoggingConfig     `yaml:"logging"`
	StatusAPI   StatusAPIConfig   `yaml:"status_api"`
}

// SymbolsConfig lists which symbols each Runner trades (spec §6).
type SymbolsConfig struct {
	Indices     []string `yaml:"indices"`
	Equities    []string `yaml:"equities"`
	Options     []string `yaml:"options"`
	Futures     []string `yaml:"futures"`
	Commodities []string `yaml:"commodities"`
}

// RunnersConfig holds the per-asset-class runner period (spec §4.6/§6).
type RunnersConfig struct {
	Index      RunnerConfig `yaml:"index"`
	Equity     RunnerConfig `yaml:"equity"`
	Options    RunnerConfig `yaml:"options"`
	Futures    RunnerConfig `yaml:"futures"`
	Commodity  RunnerConfig `yaml:"commodity"`
}

// RunnerConfig is one asset class's poll interval.
type RunnerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// StrategyConfig configures one registered strategy instance (spec §6).
type StrategyConfig struct {
	Enabled               bool              `yaml:"enabled"`
	Symbols               []string          `yaml:"symbols"`
	Timeframe             string            `yaml:"timeframe"`
	LookbackPeriods       int               `yaml:"lookback_periods"`
	MinPeriods            int               `yaml:"min_periods"`
	IncludeInProgress     bool              `yaml:"include_in_progress"`
	Parameters            map[string]string `yaml:"parameters"`
	SupportedAssetClasses []string          `yaml:"supported_asset_classes"`
}

// OptionsConfig drives StrikeSelector and Executor sizing (spec §4.9/§4.10/§6).
type OptionsConfig struct {
	MaxConcurrentPositions int        `yaml:"max_concurrent_positions"`
	RiskPct                float64    `yaml:"risk_pct"`
	MaxPositionPct         float64    `yaml:"max_position_pct"`
	StopLossPct            float64    `yaml:"stop_loss_pct"`
	TargetPct              float64    `yaml:"target_pct"`
	MaxLotsPerTrade        int        `yaml:"max_lots_per_trade"`
	MinOI                  float64    `yaml:"min_oi"`
	MinVolume              float64    `yaml:"min_volume"`
	MaxSpreadPct           float64    `yaml:"max_spread_pct"`
	MinPremium             float64    `yaml:"min_premium"`
	MaxPremium             float64    `yaml:"max_premium"`
	StrikeMode             StrikeMode `yaml:"strike_mode"`
	ExpiryCutoffMin        int        `yaml:"expiry_cutoff_min"`
	TrailTriggerPct        float64    `yaml:"trail_trigger_pct"`
	Capital                float64    `yaml:"capital"`
	AllowedSymbols         []string   `yaml:"allowed_symbols"`
	SignalMaxAge           time.Duration `yaml:"signal_max_age"`
}

// MarketConfig is the market calendar (spec §4.1/§6).
type MarketConfig struct {
	Open     string   `yaml:"open"`
	Close    string   `yaml:"close"`
	Timezone string   `yaml:"timezone"`
	Weekdays []string `yaml:"weekdays"`
	Holidays []string `yaml:"holidays"` // "2006-01-02"
}

// CacheConfig tunes HistoricalCache (spec §4.4/§6).
type CacheConfig struct {
	RefreshTTLSeconds int `yaml:"refresh_ttl_seconds"`
}

// StoreConfig selects and configures the persistence backend (spec §4.2).
type StoreConfig struct {
	Backend string `yaml:"backend"` // "json" | "postgres"
	Path    string `yaml:"path"`    // json backend
	DSN     string `yaml:"dsn"`     // postgres backend, normally from $DATABASE_URL
}

// BrokerConfig holds broker authentication, loaded primarily from .env.
type BrokerConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
}

// LoggingConfig configures the operational logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StatusAPIConfig configures the read-only JSON introspection endpoint.
type StatusAPIConfig struct {
	Enabled bool `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads .env (if present), reads configPath, expands environment
// variables, and decodes into a validated Config.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// godotenv.Load is a no-op error we swallow deliberately: a missing .env
	// is normal in production where secrets come from the real environment.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is an operator-provided path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Normalize fills in defaults so a minimal config.yaml is usable.
func (c *Config) Normalize() {
	if c.Mode == "" {
		c.Mode = ModeLogOnly
	}
	if c.Runners.Index.IntervalSeconds == 0 {
		c.Runners.Index.IntervalSeconds = 5
	}
	if c.Runners.Equity.IntervalSeconds == 0 {
		c.Runners.Equity.IntervalSeconds = 5
	}
	if c.Runners.Options.IntervalSeconds == 0 {
		c.Runners.Options.IntervalSeconds = 3
	}
	if c.Runners.Futures.IntervalSeconds == 0 {
		c.Runners.Futures.IntervalSeconds = 5
	}
	if c.Runners.Commodity.IntervalSeconds == 0 {
		c.Runners.Commodity.IntervalSeconds = 10
	}
	if c.Market.Open == "" {
		c.Market.Open = "09:15"
	}
	if c.Market.Close == "" {
		c.Market.Close = "15:30"
	}
	if c.Market.Timezone == "" {
		c.Market.Timezone = "Asia/Kolkata"
	}
	if len(c.Market.Weekdays) == 0 {
		c.Market.Weekdays = []string{"Mon", "Tue", "Wed", "Thu", "Fri"}
	}
	if c.Cache.RefreshTTLSeconds == 0 {
		c.Cache.RefreshTTLSeconds = 300
	}
	if c.Options.MaxConcurrentPositions == 0 {
		c.Options.MaxConcurrentPositions = 5
	}
	if c.Options.StopLossPct == 0 {
		c.Options.StopLossPct = 0.30
	}
	if c.Options.TargetPct == 0 {
		c.Options.TargetPct = 0.60
	}
	if c.Options.MaxLotsPerTrade == 0 {
		c.Options.MaxLotsPerTrade = 10
	}
	if c.Options.StrikeMode == "" {
		c.Options.StrikeMode = StrikeBalanced
	}
	if c.Options.ExpiryCutoffMin == 0 {
		c.Options.ExpiryCutoffMin = 60
	}
	if c.Options.SignalMaxAge == 0 {
		c.Options.SignalMaxAge = 24 * time.Hour
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "json"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/store.json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.StatusAPI.Addr == "" {
		c.StatusAPI.Addr = ":8765"
	}
}

// Validate checks invariants on a normalized config.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLogOnly, ModePaper, ModeLive:
	default:
		return fmt.Errorf("mode must be one of LOG_ONLY, PAPER, LIVE (got %q)", c.Mode)
	}

	if c.Mode == ModeLive {
		if strings.TrimSpace(c.Broker.APIKey) == "" || strings.TrimSpace(c.Broker.AccountID) == "" {
			return fmt.Errorf("broker.api_key and broker.account_id are required in LIVE mode")
		}
	}

	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone %q invalid: %w", c.Market.Timezone, err)
	}
	if _, err := time.Parse("15:04", c.Market.Open); err != nil {
		return fmt.Errorf("market.open %q invalid: %w", c.Market.Open, err)
	}
	if _, err := time.Parse("15:04", c.Market.Close); err != nil {
		return fmt.Errorf("market.close %q invalid: %w", c.Market.Close, err)
	}
	for _, h := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("market.holidays entry %q invalid: %w", h, err)
		}
	}

	if c.Cache.RefreshTTLSeconds <= 0 {
		return fmt.Errorf("cache.refresh_ttl_seconds must be > 0")
	}

	if c.Options.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("options.max_concurrent_positions must be > 0")
	}
	if c.Options.RiskPct < 0 || c.Options.RiskPct > 1 {
		return fmt.Errorf("options.risk_pct must be in [0,1]")
	}
	if c.Options.StopLossPct <= 0 || c.Options.StopLossPct >= 1 {
		return fmt.Errorf("options.stop_loss_pct must be in (0,1)")
	}
	if c.Options.TargetPct <= 0 {
		return fmt.Errorf("options.target_pct must be > 0")
	}
	if c.Options.MaxLotsPerTrade <= 0 {
		return fmt.Errorf("options.max_lots_per_trade must be > 0")
	}
	switch c.Options.StrikeMode {
	case StrikeConservative, StrikeBalanced, StrikeAggressive:
	default:
		return fmt.Errorf("options.strike_mode must be one of CONSERVATIVE, BALANCED, AGGRESSIVE")
	}

	for name, sc := range c.Strategies {
		if !sc.Enabled {
			continue
		}
		if sc.Timeframe == "" {
			return fmt.Errorf("strategies.%s.timeframe is required when enabled", name)
		}
		if sc.MinPeriods <= 0 {
			return fmt.Errorf("strategies.%s.min_periods must be > 0", name)
		}
		if sc.LookbackPeriods < sc.MinPeriods {
			return fmt.Errorf("strategies.%s.lookback_periods must be >= min_periods", name)
		}
	}

	switch c.Store.Backend {
	case "json":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for json backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be 'json' or 'postgres' (got %q)", c.Store.Backend)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// HolidayDates parses Market.Holidays into time.Time values in the market's
// timezone, for handoff to clock.New.
func (c *Config) HolidayDates() ([]time.Time, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(c.Market.Holidays))
	for _, h := range c.Market.Holidays {
		t, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// StrategyNames returns enabled strategy names in a stable order, used by
// Orchestrator to construct the Strategy registry deterministically.
func (c *Config) StrategyNames() []string {
	names := make([]string, 0, len(c.Strategies))
	for name, sc := range c.Strategies {
		if sc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
