package domain

// Mode selects how strictly the pipeline fails closed.
// Live and paper fail closed on missing verification confidence;
// probe substitutes a tagged default for learning runs only.
type Mode string

// Mode constants.
const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
	ModeProbe Mode = "probe"
)

// PolicyConfiguration is a versioned, immutable snapshot of every gate
// threshold and sizing parameter. Exactly one version is active at a
// time; configuration changes create new versions, never in-place
// mutation. The resolution rule is one configuration per mode,
// selected once at startup and never overlaid at runtime.
type PolicyConfiguration struct {
	Version     int64
	Mode        Mode
	CreatedAtMs int64

	// Capital preservation.
	MaxDailyLossUSD float64
	MaxDrawdownPct  float64

	// Freshness.
	MaxSignalAgeMs int64
	MaxQuoteAgeMs  int64

	// Instrument eligibility.
	MinTokenAgeMs int64
	AllowedChains []string

	// Safety screening.
	MinLiquidityUSD float64
	MinVolumeUSD    float64

	// Execution feasibility.
	MaxSpreadBps        float64
	SlippageBps         float64
	FeeBps              float64
	MaxLiquidityFracBps float64 // position size ceiling as bps of pool liquidity

	// Exposure and concentration.
	MaxOpenPositions    int
	MaxExposureUSD      float64
	MaxTokenExposureUSD float64

	// Cooldown and budget.
	CooldownMs      int64
	MaxTradesPerDay int
	DailyBudgetUSD  float64

	// Verification thresholds.
	MinTrustScore          float64
	MinConfidence          float64
	ProbeDefaultConfidence float64

	// Sizing and exits.
	PositionSizeUSD float64
	StopLossPct     float64
	TakeProfitPct   float64
	TrailingStopPct float64
	FlashCrashPct   float64
	MaxHoldMs       int64
	VolumeDeathFrac float64 // exit when volume falls below MinVolumeUSD * frac
}
