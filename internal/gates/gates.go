// Package gates implements the ordered policy gate chain. Each gate is
// an independently testable predicate over a decision packet and a
// portfolio snapshot; the chain evaluator runs gates strictly in order
// and stops at the first failure. Later gates rely on earlier ones
// having passed (a price gate may divide by a quote only because the
// freshness gate already rejected stale or missing quotes).
package gates

import (
	"fmt"
	"strconv"

	"signaldesk/internal/portfolio"
)

// Gate is one pass/fail predicate. Evaluate must be a pure function of
// its inputs and must not touch storage or the network.
type Gate interface {
	Name() string
	Evaluate(pkt *DecisionPacket, snap *portfolio.Snapshot) (bool, map[string]string)
}

// Gate names, in required chain order.
const (
	GateKillSwitch            = "kill_switch"
	GateCapitalPreservation   = "capital_preservation"
	GateDataFreshness         = "data_freshness"
	GateInstrumentEligibility = "instrument_eligibility"
	GateSafetyScreen          = "safety_screen"
	GateExecutionFeasibility  = "execution_feasibility"
	GateExposureLimits        = "exposure_limits"
	GateCooldown              = "cooldown"
	GateBudgetLimits          = "budget_limits"
)

// EarlyGates are the safety-critical gates run before verification so
// no external-capability failure can bypass hard limits.
func EarlyGates() []Gate {
	return []Gate{
		killSwitchGate{},
		capitalPreservationGate{},
		dataFreshnessGate{},
		instrumentEligibilityGate{},
		safetyScreenGate{},
		executionFeasibilityGate{},
	}
}

// LateGates run after verification; they depend on the position sizing
// settled by the verdict.
func LateGates() []Gate {
	return []Gate{
		exposureLimitsGate{},
		cooldownGate{},
		budgetLimitsGate{},
	}
}

type killSwitchGate struct{}

func (killSwitchGate) Name() string { return GateKillSwitch }

func (killSwitchGate) Evaluate(pkt *DecisionPacket, _ *portfolio.Snapshot) (bool, map[string]string) {
	if pkt.KillSwitchActive {
		return false, map[string]string{"kill_switch": "active"}
	}
	return true, nil
}

type capitalPreservationGate struct{}

func (capitalPreservationGate) Name() string { return GateCapitalPreservation }

func (capitalPreservationGate) Evaluate(pkt *DecisionPacket, snap *portfolio.Snapshot) (bool, map[string]string) {
	pol := pkt.Policy
	if pol.MaxDailyLossUSD > 0 && snap.DailyRealizedPnLUSD <= -pol.MaxDailyLossUSD {
		return false, map[string]string{
			"daily_pnl_usd":      fmtFloat(snap.DailyRealizedPnLUSD),
			"max_daily_loss_usd": fmtFloat(pol.MaxDailyLossUSD),
		}
	}
	if pol.MaxDrawdownPct > 0 && snap.DrawdownPct >= pol.MaxDrawdownPct {
		return false, map[string]string{
			"drawdown_pct":     fmtFloat(snap.DrawdownPct),
			"max_drawdown_pct": fmtFloat(pol.MaxDrawdownPct),
		}
	}
	return true, nil
}

type dataFreshnessGate struct{}

func (dataFreshnessGate) Name() string { return GateDataFreshness }

func (dataFreshnessGate) Evaluate(pkt *DecisionPacket, _ *portfolio.Snapshot) (bool, map[string]string) {
	pol := pkt.Policy
	signalAge := pkt.NowMs - pkt.Signal.TimestampMs
	if signalAge > pol.MaxSignalAgeMs {
		return false, map[string]string{
			"signal_age_ms":     fmtInt(signalAge),
			"max_signal_age_ms": fmtInt(pol.MaxSignalAgeMs),
		}
	}
	if pkt.QuoteTimestampMs <= 0 || pkt.QuotePrice <= 0 {
		return false, map[string]string{"quote": "missing"}
	}
	quoteAge := pkt.NowMs - pkt.QuoteTimestampMs
	if quoteAge > pol.MaxQuoteAgeMs {
		return false, map[string]string{
			"quote_age_ms":     fmtInt(quoteAge),
			"max_quote_age_ms": fmtInt(pol.MaxQuoteAgeMs),
		}
	}
	return true, nil
}

type instrumentEligibilityGate struct{}

func (instrumentEligibilityGate) Name() string { return GateInstrumentEligibility }

func (instrumentEligibilityGate) Evaluate(pkt *DecisionPacket, _ *portfolio.Snapshot) (bool, map[string]string) {
	pol := pkt.Policy
	if len(pol.AllowedChains) > 0 {
		allowed := false
		for _, c := range pol.AllowedChains {
			if c == pkt.Signal.Chain {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, map[string]string{"chain": pkt.Signal.Chain}
		}
	}
	if pol.MinTokenAgeMs > 0 {
		if pkt.InstrumentAgeMs == nil {
			return false, map[string]string{"instrument_age": "unknown"}
		}
		if *pkt.InstrumentAgeMs < pol.MinTokenAgeMs {
			return false, map[string]string{
				"instrument_age_ms": fmtInt(*pkt.InstrumentAgeMs),
				"min_token_age_ms":  fmtInt(pol.MinTokenAgeMs),
			}
		}
	}
	return true, nil
}

type safetyScreenGate struct{}

func (safetyScreenGate) Name() string { return GateSafetyScreen }

// Unknown liquidity or volume fails the screen. 0 is a known value and
// fails on its own merits; nil means the scanner could not measure it.
func (safetyScreenGate) Evaluate(pkt *DecisionPacket, _ *portfolio.Snapshot) (bool, map[string]string) {
	pol := pkt.Policy
	if pol.MinLiquidityUSD > 0 {
		if pkt.Signal.Liquidity == nil {
			return false, map[string]string{"liquidity": "unknown"}
		}
		if *pkt.Signal.Liquidity < pol.MinLiquidityUSD {
			return false, map[string]string{
				"liquidity_usd":     fmtFloat(*pkt.Signal.Liquidity),
				"min_liquidity_usd": fmtFloat(pol.MinLiquidityUSD),
			}
		}
	}
	if pol.MinVolumeUSD > 0 {
		if pkt.Signal.Volume24h == nil {
			return false, map[string]string{"volume_24h": "unknown"}
		}
		if *pkt.Signal.Volume24h < pol.MinVolumeUSD {
			return false, map[string]string{
				"volume_24h_usd": fmtFloat(*pkt.Signal.Volume24h),
				"min_volume_usd": fmtFloat(pol.MinVolumeUSD),
			}
		}
	}
	return true, nil
}

type executionFeasibilityGate struct{}

func (executionFeasibilityGate) Name() string { return GateExecutionFeasibility }

func (executionFeasibilityGate) Evaluate(pkt *DecisionPacket, _ *portfolio.Snapshot) (bool, map[string]string) {
	pol := pkt.Policy
	if pol.MaxSpreadBps > 0 && pkt.SpreadBps > pol.MaxSpreadBps {
		return false, map[string]string{
			"spread_bps":     fmtFloat(pkt.SpreadBps),
			"max_spread_bps": fmtFloat(pol.MaxSpreadBps),
		}
	}
	if pol.MaxLiquidityFracBps > 0 && pkt.Signal.Liquidity != nil {
		maxSize := *pkt.Signal.Liquidity * pol.MaxLiquidityFracBps / 1e4
		if pkt.SizeUSD > maxSize {
			return false, map[string]string{
				"size_usd":     fmtFloat(pkt.SizeUSD),
				"max_size_usd": fmtFloat(maxSize),
			}
		}
	}
	return true, nil
}

type exposureLimitsGate struct{}

func (exposureLimitsGate) Name() string { return GateExposureLimits }

func (exposureLimitsGate) Evaluate(pkt *DecisionPacket, snap *portfolio.Snapshot) (bool, map[string]string) {
	pol := pkt.Policy
	if pol.MaxOpenPositions > 0 && snap.OpenCount >= pol.MaxOpenPositions {
		return false, map[string]string{
			"open_positions":     strconv.Itoa(snap.OpenCount),
			"max_open_positions": strconv.Itoa(pol.MaxOpenPositions),
		}
	}
	if pol.MaxExposureUSD > 0 && snap.TotalExposureUSD+pkt.SizeUSD > pol.MaxExposureUSD {
		return false, map[string]string{
			"exposure_usd":     fmtFloat(snap.TotalExposureUSD + pkt.SizeUSD),
			"max_exposure_usd": fmtFloat(pol.MaxExposureUSD),
		}
	}
	if pol.MaxTokenExposureUSD > 0 {
		tokenExposure := snap.TokenExposureUSD[pkt.Signal.TokenID] + pkt.SizeUSD
		if tokenExposure > pol.MaxTokenExposureUSD {
			return false, map[string]string{
				"token_exposure_usd":     fmtFloat(tokenExposure),
				"max_token_exposure_usd": fmtFloat(pol.MaxTokenExposureUSD),
			}
		}
	}
	return true, nil
}

type cooldownGate struct{}

func (cooldownGate) Name() string { return GateCooldown }

func (cooldownGate) Evaluate(pkt *DecisionPacket, snap *portfolio.Snapshot) (bool, map[string]string) {
	if pkt.CooldownUntilMs > pkt.NowMs {
		return false, map[string]string{
			"cooldown_until_ms": fmtInt(pkt.CooldownUntilMs),
		}
	}
	pol := pkt.Policy
	if pol.CooldownMs > 0 {
		last, ok := snap.LastEntryMsByToken[pkt.Signal.TokenID]
		if ok && pkt.NowMs-last < pol.CooldownMs {
			return false, map[string]string{
				"last_entry_ms": fmtInt(last),
				"cooldown_ms":   fmtInt(pol.CooldownMs),
			}
		}
	}
	return true, nil
}

type budgetLimitsGate struct{}

func (budgetLimitsGate) Name() string { return GateBudgetLimits }

func (budgetLimitsGate) Evaluate(pkt *DecisionPacket, snap *portfolio.Snapshot) (bool, map[string]string) {
	pol := pkt.Policy
	if pol.MaxTradesPerDay > 0 && snap.TradesToday >= pol.MaxTradesPerDay {
		return false, map[string]string{
			"trades_today":       strconv.Itoa(snap.TradesToday),
			"max_trades_per_day": strconv.Itoa(pol.MaxTradesPerDay),
		}
	}
	if pol.DailyBudgetUSD > 0 && snap.DailySpendUSD+pkt.SizeUSD > pol.DailyBudgetUSD {
		return false, map[string]string{
			"daily_spend_usd":  fmtFloat(snap.DailySpendUSD + pkt.SizeUSD),
			"daily_budget_usd": fmtFloat(pol.DailyBudgetUSD),
		}
	}
	return true, nil
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fmtInt(v int64) string {
	return fmt.Sprintf("%d", v)
}
