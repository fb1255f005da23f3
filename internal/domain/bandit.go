package domain

import "math"

// BanditState holds Beta-distribution parameters for one strategy,
// optionally split by market regime. Invariants after any sequence of
// closes: Alpha == 1 + WinCount and Beta == 1 + (TradeCount - WinCount).
// Initialized with the uniform prior (1,1) at first reference and
// updated exactly once per closed position.
type BanditState struct {
	StrategyID  string
	Regime      string // empty for the global state
	Alpha       float64
	Beta        float64
	TradeCount  int64
	WinCount    int64
	UpdatedAtMs int64
}

// NewBanditState returns the uniform prior for a strategy.
func NewBanditState(strategyID, regime string) *BanditState {
	return &BanditState{
		StrategyID: strategyID,
		Regime:     regime,
		Alpha:      1,
		Beta:       1,
	}
}

// Mean returns the posterior mean win probability.
func (b *BanditState) Mean() float64 {
	return b.Alpha / (b.Alpha + b.Beta)
}

// SourceScore accumulates outcome statistics per signal source.
// Same once-per-closed-position idempotency contract as BanditState.
type SourceScore struct {
	SourceID    string
	TradeCount  int64
	WinCount    int64
	SumReward   float64 // sum of reward_real
	UpdatedAtMs int64
}

// WinRate returns wins / trades, 0 for an unseen source.
func (s *SourceScore) WinRate() float64 {
	if s.TradeCount == 0 {
		return 0
	}
	return float64(s.WinCount) / float64(s.TradeCount)
}

// UCB returns an upper-confidence-bound score given the total trade
// count across all sources. Unseen sources get the optimistic score 1.
func (s *SourceScore) UCB(totalTrades int64) float64 {
	if s.TradeCount == 0 {
		return 1
	}
	if totalTrades < s.TradeCount {
		totalTrades = s.TradeCount
	}
	exploration := math.Sqrt(2 * math.Log(float64(totalTrades)) / float64(s.TradeCount))
	return s.WinRate() + exploration
}

// Grade maps the source's win rate onto a discrete reliability grade.
// Sources with fewer than 5 trades stay at the provisional grade C.
func (s *SourceScore) Grade() string {
	if s.TradeCount < 5 {
		return "C"
	}
	wr := s.WinRate()
	switch {
	case wr >= 0.6:
		return "A"
	case wr >= 0.45:
		return "B"
	case wr >= 0.3:
		return "C"
	default:
		return "D"
	}
}
