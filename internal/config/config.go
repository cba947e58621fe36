// Package config defines the YAML configuration surface of the trading
// daemon: engine cadence, trading window, risk limits, strategy parameter
// sets, broker settings and audit sinks.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/risk"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/strategy"
)

// Config is the full daemon configuration schema.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Window     WindowConfig     `yaml:"window"`
	Risk       RiskConfig       `yaml:"risk"`
	Strategies []StrategyConfig `yaml:"strategies"`
	Broker     BrokerConfig     `yaml:"broker"`
	Market     MarketConfig     `yaml:"market"`
	Audit      AuditConfig      `yaml:"audit"`

	baseDir string
}

type EngineConfig struct {
	Account         string        `yaml:"account"`
	Symbols         []string      `yaml:"symbols"`
	TickInterval    time.Duration `yaml:"-"`
	TrailATRMult    float64       `yaml:"trail_atr_mult"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	CheckpointPath  string        `yaml:"checkpoint_path"`
	PendingTimeout  time.Duration `yaml:"-"`
	DiscrepancyTrip uint32        `yaml:"discrepancy_trip"`
	BreakerCooldown time.Duration `yaml:"-"`

	TickIntervalRaw    string `yaml:"tick_interval"`
	PendingTimeoutRaw  string `yaml:"pending_timeout"`
	BreakerCooldownRaw string `yaml:"breaker_cooldown"`
}

type WindowConfig struct {
	Open     string   `yaml:"open"`
	Close    string   `yaml:"close"`
	Timezone string   `yaml:"timezone"`
	Holidays []string `yaml:"holidays"`
}

type RiskConfig struct {
	MaxDailyLossPct        float64           `yaml:"max_daily_loss_pct"`
	MaxPositionPct         float64           `yaml:"max_position_pct"`
	MaxCorrelatedPositions int               `yaml:"max_correlated_positions"`
	MinConfidence          float64           `yaml:"min_confidence"`
	MinTradeUnit           float64           `yaml:"min_trade_unit"`
	Groups                 map[string]string `yaml:"groups"`
}

type StrategyConfig struct {
	Name        string  `yaml:"name"`
	Lookback    int     `yaml:"lookback"`
	RiskReward  float64 `yaml:"risk_reward"`
	ATRMultiple float64 `yaml:"atr_multiple"`
	StopPct     float64 `yaml:"stop_pct"`
}

type BrokerConfig struct {
	Name        string            `yaml:"name"`
	Settings    map[string]string `yaml:"settings"`
	Attempts    int               `yaml:"attempts"`
	RateLimit   float64           `yaml:"rate_limit"`
	Burst       int               `yaml:"burst"`
	Backoff     time.Duration     `yaml:"-"`
	CallTimeout time.Duration     `yaml:"-"`

	BackoffRaw     string `yaml:"backoff"`
	CallTimeoutRaw string `yaml:"call_timeout"`
}

type MarketConfig struct {
	Provider string `yaml:"provider"`
	BarsFile string `yaml:"bars_file"`
	Warmup   int    `yaml:"warmup"`
}

type AuditConfig struct {
	JournalDir  string `yaml:"journal_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Load reads configuration from disk.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trader config: %w", err)
	}
	defer file.Close()
	return LoadFromReader(file, filepath.Dir(path))
}

// LoadFromReader constructs a Config from a reader with the provided base
// directory for relative paths.
func LoadFromReader(r io.Reader, baseDir string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read trader config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal trader config: %w", err)
	}
	cfg.baseDir = baseDir

	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.expandFields()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Engine.TickIntervalRaw) == "" {
		c.Engine.TickIntervalRaw = "60s"
	}
	if strings.TrimSpace(c.Engine.PendingTimeoutRaw) == "" {
		c.Engine.PendingTimeoutRaw = "30s"
	}
	if strings.TrimSpace(c.Engine.BreakerCooldownRaw) == "" {
		c.Engine.BreakerCooldownRaw = "5m"
	}
	if c.Engine.MaxConcurrency <= 0 {
		c.Engine.MaxConcurrency = 8
	}
	if c.Engine.DiscrepancyTrip == 0 {
		c.Engine.DiscrepancyTrip = 3
	}
	if strings.TrimSpace(c.Window.Open) == "" {
		c.Window.Open = "09:15"
	}
	if strings.TrimSpace(c.Window.Close) == "" {
		c.Window.Close = "15:30"
	}
	if strings.TrimSpace(c.Window.Timezone) == "" {
		c.Window.Timezone = "Asia/Kolkata"
	}
	if strings.TrimSpace(c.Broker.Name) == "" {
		c.Broker.Name = "sim"
	}
	if c.Broker.Attempts <= 0 {
		c.Broker.Attempts = 3
	}
	if strings.TrimSpace(c.Broker.BackoffRaw) == "" {
		c.Broker.BackoffRaw = "200ms"
	}
	if strings.TrimSpace(c.Broker.CallTimeoutRaw) == "" {
		c.Broker.CallTimeoutRaw = "10s"
	}
	if strings.TrimSpace(c.Market.Provider) == "" {
		c.Market.Provider = "replay"
	}
	if len(c.Strategies) == 0 {
		c.Strategies = []StrategyConfig{{Name: "momentum"}}
	}
}

func (c *Config) parseDurations() error {
	var err error
	c.Engine.TickInterval, err = parsePositiveDuration("engine.tick_interval", c.Engine.TickIntervalRaw)
	if err != nil {
		return err
	}
	c.Engine.PendingTimeout, err = parsePositiveDuration("engine.pending_timeout", c.Engine.PendingTimeoutRaw)
	if err != nil {
		return err
	}
	c.Engine.BreakerCooldown, err = parsePositiveDuration("engine.breaker_cooldown", c.Engine.BreakerCooldownRaw)
	if err != nil {
		return err
	}
	c.Broker.Backoff, err = parsePositiveDuration("broker.backoff", c.Broker.BackoffRaw)
	if err != nil {
		return err
	}
	c.Broker.CallTimeout, err = parsePositiveDuration("broker.call_timeout", c.Broker.CallTimeoutRaw)
	if err != nil {
		return err
	}
	return nil
}

func (c *Config) expandFields() {
	c.Engine.Account = strings.TrimSpace(os.ExpandEnv(c.Engine.Account))
	for i := range c.Engine.Symbols {
		c.Engine.Symbols[i] = strings.ToUpper(strings.TrimSpace(c.Engine.Symbols[i]))
	}
	c.Engine.CheckpointPath = c.resolvePath(c.Engine.CheckpointPath)
	c.Broker.Name = strings.ToLower(strings.TrimSpace(c.Broker.Name))
	for key, val := range c.Broker.Settings {
		c.Broker.Settings[key] = strings.TrimSpace(os.ExpandEnv(val))
	}
	c.Market.Provider = strings.ToLower(strings.TrimSpace(c.Market.Provider))
	c.Market.BarsFile = c.resolvePath(c.Market.BarsFile)
	c.Audit.JournalDir = c.resolvePath(c.Audit.JournalDir)
	c.Audit.PostgresDSN = strings.TrimSpace(os.ExpandEnv(c.Audit.PostgresDSN))
	for i := range c.Strategies {
		c.Strategies[i].Name = strings.ToLower(strings.TrimSpace(c.Strategies[i].Name))
	}
}

func (c *Config) resolvePath(path string) string {
	path = strings.TrimSpace(os.ExpandEnv(path))
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.baseDir, path)
}

// Validate ensures configuration sanity.
func (c *Config) Validate() error {
	if c.Engine.Account == "" {
		return errors.New("trader config: engine.account is required")
	}
	if len(c.Engine.Symbols) == 0 {
		return errors.New("trader config: engine.symbols cannot be empty")
	}
	seen := make(map[string]struct{}, len(c.Engine.Symbols))
	for i, s := range c.Engine.Symbols {
		if s == "" {
			return fmt.Errorf("trader config: engine.symbols[%d] is empty", i)
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("trader config: duplicate symbol %q", s)
		}
		seen[s] = struct{}{}
	}
	if c.Engine.TrailATRMult < 0 {
		return errors.New("trader config: engine.trail_atr_mult cannot be negative")
	}

	if c.Risk.MaxDailyLossPct < 0 || c.Risk.MaxDailyLossPct > 1 {
		return errors.New("trader config: risk.max_daily_loss_pct must be between 0 and 1")
	}
	if c.Risk.MaxPositionPct < 0 || c.Risk.MaxPositionPct > 1 {
		return errors.New("trader config: risk.max_position_pct must be between 0 and 1")
	}
	if c.Risk.MaxCorrelatedPositions < 0 {
		return errors.New("trader config: risk.max_correlated_positions cannot be negative")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		return errors.New("trader config: risk.min_confidence must be between 0 and 1")
	}

	nameSeen := make(map[string]struct{}, len(c.Strategies))
	for i, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("trader config: strategies[%d].name is required", i)
		}
		if _, ok := nameSeen[s.Name]; ok {
			return fmt.Errorf("trader config: duplicate strategy %q", s.Name)
		}
		nameSeen[s.Name] = struct{}{}
		if s.Lookback < 0 || s.RiskReward < 0 || s.ATRMultiple < 0 || s.StopPct < 0 {
			return fmt.Errorf("trader config: strategies[%d] parameters cannot be negative", i)
		}
	}

	if c.Market.Provider == "replay" && c.Market.BarsFile == "" {
		return errors.New("trader config: market.bars_file is required for the replay provider")
	}
	return nil
}

// RiskLimits maps the risk section onto the risk manager's limit set.
func (c *Config) RiskLimits() risk.Limits {
	return risk.Limits{
		MaxDailyLossPct:        c.Risk.MaxDailyLossPct,
		MaxPositionPct:         c.Risk.MaxPositionPct,
		MaxCorrelatedPositions: c.Risk.MaxCorrelatedPositions,
		MinConfidence:          c.Risk.MinConfidence,
		MinTradeUnit:           c.Risk.MinTradeUnit,
		Groups:                 c.Risk.Groups,
	}
}

// Params maps a strategy entry onto evaluator parameters.
func (s StrategyConfig) Params() strategy.Params {
	return strategy.Params{
		Lookback:    s.Lookback,
		RiskReward:  s.RiskReward,
		ATRMultiple: s.ATRMultiple,
		StopPct:     s.StopPct,
	}
}

// StrategyNames returns a stable ordered list of configured strategies.
func (c *Config) StrategyNames() []string {
	names := make([]string, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("trader config: %s is required", field)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("trader config: invalid %s %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("trader config: %s must be positive, got %s", field, d)
	}
	return d, nil
}
