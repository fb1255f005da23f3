package gates

import "signaldesk/internal/domain"

// DecisionPacket carries everything a gate may inspect for one
// evaluation. The engine assembles it up front so every gate stays a
// pure function of the packet and the portfolio snapshot, which is
// what lets historical decisions be re-run reproducibly.
type DecisionPacket struct {
	Signal *domain.Signal
	Policy *domain.PolicyConfiguration
	NowMs  int64

	KillSwitchActive bool

	// Quote state from the exchange adapter.
	QuotePrice       float64
	QuoteTimestampMs int64
	SpreadBps        float64

	// InstrumentAgeMs is nil when the venue cannot date the token.
	InstrumentAgeMs *int64

	// CooldownUntilMs is an external per-token stamp; 0 means none.
	CooldownUntilMs int64

	// SizeUSD is the proposed position size under the active policy.
	SizeUSD float64
}
