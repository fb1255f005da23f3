// Package config loads and validates the YAML daemon configuration.
// Policy thresholds live in the ledger as versioned configurations;
// this file covers only process wiring (stores, feeds, cadences) and
// the seed policy used when the ledger has no version yet.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"signaldesk/internal/domain"
)

// Config is the daemon configuration root.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Storage StorageConfig `yaml:"storage"`
	Feed    FeedConfig    `yaml:"feed"`
	Verify  VerifyConfig  `yaml:"verify"`
	Workers WorkersConfig `yaml:"workers"`
	Trading TradingConfig `yaml:"trading"`
	Eval    EvalConfig    `yaml:"eval"`
	Notify  NotifyConfig  `yaml:"notify"`
	Policy  PolicyConfig  `yaml:"policy"`
}

// AppConfig is process-level configuration.
type AppConfig struct {
	// Mode: live, paper or probe.
	Mode string `yaml:"mode"`
	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// MetricsAddr is the Prometheus listen address, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
}

// StorageConfig points at the ledger and supporting stores.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	// ClickhouseDSN is optional; empty disables the analytics archive.
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	// RedisAddr is optional; empty keeps controls in process memory.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// FeedConfig is the websocket quote stream.
type FeedConfig struct {
	URL    string   `yaml:"url"`
	Tokens []string `yaml:"tokens"`
}

// VerifyConfig bounds the verification capability.
type VerifyConfig struct {
	// URL of the external verification service.
	URL string `yaml:"url"`
	// TimeoutMs is the hard per-call deadline.
	TimeoutMs int64 `yaml:"timeout_ms"`
	// RetryDelaysMs are backoff delays between retry attempts; total
	// attempts = 1 + len(RetryDelaysMs).
	RetryDelaysMs []int64 `yaml:"retry_delays_ms"`
	// LeaseMs is how long a claimed attempt stays invisible to other
	// workers.
	LeaseMs int64 `yaml:"lease_ms"`
}

// WorkersConfig sets each loop's cadence.
type WorkersConfig struct {
	EvaluateIntervalMs int64 `yaml:"evaluate_interval_ms"`
	EvaluateBatch      int   `yaml:"evaluate_batch"`
	MonitorIntervalMs  int64 `yaml:"monitor_interval_ms"`
	LearnerIntervalMs  int64 `yaml:"learner_interval_ms"`
	LearnerLookbackMs  int64 `yaml:"learner_lookback_ms"`
}

// TradingConfig is venue and portfolio wiring.
type TradingConfig struct {
	Venue              string  `yaml:"venue"`
	DefaultStrategy    string  `yaml:"default_strategy"`
	CapitalBaseUSD     float64 `yaml:"capital_base_usd"`
	DrawdownLookbackMs int64   `yaml:"drawdown_lookback_ms"`
}

// EvalConfig parameterizes walk-forward runs.
type EvalConfig struct {
	WindowMs             int64   `yaml:"window_ms"`
	Folds                int     `yaml:"folds"`
	MinTrades            int     `yaml:"min_trades"`
	MaxDrawdownUSD       float64 `yaml:"max_drawdown_usd"`
	MinMedianImprovement float64 `yaml:"min_median_improvement"`

	// IntervalMs is the daemon's walk-forward cadence. Runs only
	// happen when CandidatePath names a policy file to evaluate;
	// otherwise walk-forward stays operator-triggered via tradectl.
	IntervalMs    int64  `yaml:"interval_ms"`
	CandidatePath string `yaml:"candidate_path"`
}

// NotifyConfig is the optional operator alert channel. Empty keeps
// notifications log-only.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// PolicyConfig is the seed policy inserted as version 1 when the
// ledger holds no policy yet. After that, versions are minted only by
// walk-forward promotion.
type PolicyConfig struct {
	MaxDailyLossUSD     float64  `yaml:"max_daily_loss_usd"`
	MaxDrawdownPct      float64  `yaml:"max_drawdown_pct"`
	MaxSignalAgeMs      int64    `yaml:"max_signal_age_ms"`
	MaxQuoteAgeMs       int64    `yaml:"max_quote_age_ms"`
	MinTokenAgeMs       int64    `yaml:"min_token_age_ms"`
	AllowedChains       []string `yaml:"allowed_chains"`
	MinLiquidityUSD     float64  `yaml:"min_liquidity_usd"`
	MinVolumeUSD        float64  `yaml:"min_volume_usd"`
	MaxSpreadBps        float64  `yaml:"max_spread_bps"`
	SlippageBps         float64  `yaml:"slippage_bps"`
	FeeBps              float64  `yaml:"fee_bps"`
	MaxLiquidityFracBps float64  `yaml:"max_liquidity_frac_bps"`
	MaxOpenPositions    int      `yaml:"max_open_positions"`
	MaxExposureUSD      float64  `yaml:"max_exposure_usd"`
	MaxTokenExposureUSD float64  `yaml:"max_token_exposure_usd"`
	CooldownMs          int64    `yaml:"cooldown_ms"`
	MaxTradesPerDay     int      `yaml:"max_trades_per_day"`
	DailyBudgetUSD      float64  `yaml:"daily_budget_usd"`
	MinTrustScore       float64  `yaml:"min_trust_score"`
	MinConfidence       float64  `yaml:"min_confidence"`
	ProbeDefaultConf    float64  `yaml:"probe_default_confidence"`
	PositionSizeUSD     float64  `yaml:"position_size_usd"`
	StopLossPct         float64  `yaml:"stop_loss_pct"`
	TakeProfitPct       float64  `yaml:"take_profit_pct"`
	TrailingStopPct     float64  `yaml:"trailing_stop_pct"`
	FlashCrashPct       float64  `yaml:"flash_crash_pct"`
	MaxHoldMs           int64    `yaml:"max_hold_ms"`
	VolumeDeathFrac     float64  `yaml:"volume_death_frac"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.App.Mode == "" {
		c.App.Mode = string(domain.ModePaper)
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.MetricsAddr == "" {
		c.App.MetricsAddr = ":9090"
	}

	if c.Verify.TimeoutMs == 0 {
		c.Verify.TimeoutMs = 75000
	}
	if len(c.Verify.RetryDelaysMs) == 0 {
		c.Verify.RetryDelaysMs = []int64{5000, 15000, 60000}
	}
	if c.Verify.LeaseMs == 0 {
		c.Verify.LeaseMs = 120000
	}

	if c.Workers.EvaluateIntervalMs == 0 {
		c.Workers.EvaluateIntervalMs = 2000
	}
	if c.Workers.EvaluateBatch == 0 {
		c.Workers.EvaluateBatch = 20
	}
	if c.Workers.MonitorIntervalMs == 0 {
		c.Workers.MonitorIntervalMs = 1000
	}
	if c.Workers.LearnerIntervalMs == 0 {
		c.Workers.LearnerIntervalMs = 10000
	}
	if c.Workers.LearnerLookbackMs == 0 {
		c.Workers.LearnerLookbackMs = 24 * 60 * 60 * 1000
	}

	if c.Trading.Venue == "" {
		c.Trading.Venue = "paper"
	}
	if c.Trading.DefaultStrategy == "" {
		c.Trading.DefaultStrategy = "baseline"
	}
	if c.Trading.DrawdownLookbackMs == 0 {
		c.Trading.DrawdownLookbackMs = 7 * 24 * 60 * 60 * 1000
	}

	if c.Eval.WindowMs == 0 {
		c.Eval.WindowMs = 14 * 24 * 60 * 60 * 1000
	}
	if c.Eval.Folds == 0 {
		c.Eval.Folds = 4
	}
	if c.Eval.MinTrades == 0 {
		c.Eval.MinTrades = 30
	}
	if c.Eval.IntervalMs == 0 {
		c.Eval.IntervalMs = 6 * 60 * 60 * 1000
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []string

	switch domain.Mode(c.App.Mode) {
	case domain.ModeLive, domain.ModePaper, domain.ModeProbe:
	default:
		errs = append(errs, fmt.Sprintf("app.mode: invalid mode %q, valid: live, paper, probe", c.App.Mode))
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: invalid level %q, valid: debug, info, warn, error", c.App.LogLevel))
	}

	if c.Storage.PostgresDSN == "" {
		errs = append(errs, "storage.postgres_dsn: required")
	}
	if c.Feed.URL == "" {
		errs = append(errs, "feed.url: required")
	}

	if c.Verify.URL == "" {
		errs = append(errs, "verify.url: required")
	}
	if c.Verify.TimeoutMs < 1000 {
		errs = append(errs, "verify.timeout_ms: must be at least 1000")
	}
	for i, d := range c.Verify.RetryDelaysMs {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("verify.retry_delays_ms[%d]: must be positive", i))
		}
	}

	if c.Trading.CapitalBaseUSD <= 0 {
		errs = append(errs, "trading.capital_base_usd: must be positive")
	}
	if c.Policy.PositionSizeUSD <= 0 {
		errs = append(errs, "policy.position_size_usd: must be positive")
	}
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"policy.stop_loss_pct", c.Policy.StopLossPct},
		{"policy.take_profit_pct", c.Policy.TakeProfitPct},
		{"policy.trailing_stop_pct", c.Policy.TrailingStopPct},
		{"policy.flash_crash_pct", c.Policy.FlashCrashPct},
		{"policy.max_drawdown_pct", c.Policy.MaxDrawdownPct},
	} {
		if p.value < 0 || p.value > 1 {
			errs = append(errs, fmt.Sprintf("%s: must be in [0, 1], got %v", p.name, p.value))
		}
	}
	if c.Policy.MinTrustScore < 0 || c.Policy.MinTrustScore > 100 {
		errs = append(errs, "policy.min_trust_score: must be in [0, 100]")
	}
	if c.Policy.MinConfidence < 0 || c.Policy.MinConfidence > 100 {
		errs = append(errs, "policy.min_confidence: must be in [0, 100]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Mode returns the typed execution mode.
func (c *Config) Mode() domain.Mode {
	return domain.Mode(c.App.Mode)
}

// SeedPolicy builds the version-1 policy from the config block.
func (c *Config) SeedPolicy(nowMs int64) *domain.PolicyConfiguration {
	p := c.Policy.ToDomain(c.Mode(), nowMs)
	p.Version = 1
	return p
}

// LoadPolicy reads a standalone policy block, used for walk-forward
// candidate files.
func LoadPolicy(path string) (*PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p PolicyConfig
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if p.PositionSizeUSD <= 0 {
		return nil, fmt.Errorf("position_size_usd: must be positive")
	}
	return &p, nil
}

// ToDomain converts the YAML block into the ledger's policy shape.
// Version is left for the caller to assign.
func (p PolicyConfig) ToDomain(mode domain.Mode, nowMs int64) *domain.PolicyConfiguration {
	return &domain.PolicyConfiguration{
		Mode:                   mode,
		CreatedAtMs:            nowMs,
		MaxDailyLossUSD:        p.MaxDailyLossUSD,
		MaxDrawdownPct:         p.MaxDrawdownPct,
		MaxSignalAgeMs:         p.MaxSignalAgeMs,
		MaxQuoteAgeMs:          p.MaxQuoteAgeMs,
		MinTokenAgeMs:          p.MinTokenAgeMs,
		AllowedChains:          p.AllowedChains,
		MinLiquidityUSD:        p.MinLiquidityUSD,
		MinVolumeUSD:           p.MinVolumeUSD,
		MaxSpreadBps:           p.MaxSpreadBps,
		SlippageBps:            p.SlippageBps,
		FeeBps:                 p.FeeBps,
		MaxLiquidityFracBps:    p.MaxLiquidityFracBps,
		MaxOpenPositions:       p.MaxOpenPositions,
		MaxExposureUSD:         p.MaxExposureUSD,
		MaxTokenExposureUSD:    p.MaxTokenExposureUSD,
		CooldownMs:             p.CooldownMs,
		MaxTradesPerDay:        p.MaxTradesPerDay,
		DailyBudgetUSD:         p.DailyBudgetUSD,
		MinTrustScore:          p.MinTrustScore,
		MinConfidence:          p.MinConfidence,
		ProbeDefaultConfidence: p.ProbeDefaultConf,
		PositionSizeUSD:        p.PositionSizeUSD,
		StopLossPct:            p.StopLossPct,
		TakeProfitPct:          p.TakeProfitPct,
		TrailingStopPct:        p.TrailingStopPct,
		FlashCrashPct:          p.FlashCrashPct,
		MaxHoldMs:              p.MaxHoldMs,
		VolumeDeathFrac:        p.VolumeDeathFrac,
	}
}
