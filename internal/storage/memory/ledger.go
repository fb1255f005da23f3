package memory

import (
	"sync"

	"signaldesk/internal/domain"
)

// Ledger is an in-memory implementation of storage.Ledger. All
// multi-row operations hold one mutex, giving the same atomicity the
// Postgres ledger gets from transactions. Used by tests and by paper
// runs that do not need durability.
type Ledger struct {
	mu sync.RWMutex

	signals   map[string]*domain.Signal         // keyed by signal_id
	decisions map[string]*domain.DecisionRecord // keyed by signal_ref
	positions map[string]*domain.Position       // keyed by position_id
	fills     map[string][]*domain.Fill         // keyed by position_id

	bandits   map[string]*domain.BanditState // keyed by strategy_id|regime
	sources   map[string]*domain.SourceScore // keyed by source_id
	processed map[string]struct{}            // learner idempotency set

	policies      map[int64]*domain.PolicyConfiguration
	activeVersion int64 // 0 = no active policy

	retries map[string]*retryState // keyed by signal_ref

	runs []*domain.WalkForwardRun
}

type retryState struct {
	attempts       int
	nextEligibleMs int64
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		signals:   make(map[string]*domain.Signal),
		decisions: make(map[string]*domain.DecisionRecord),
		positions: make(map[string]*domain.Position),
		fills:     make(map[string][]*domain.Fill),
		bandits:   make(map[string]*domain.BanditState),
		sources:   make(map[string]*domain.SourceScore),
		processed: make(map[string]struct{}),
		policies:  make(map[int64]*domain.PolicyConfiguration),
		retries:   make(map[string]*retryState),
	}
}

func banditKey(strategyID, regime string) string {
	return strategyID + "|" + regime
}

func copySignal(s *domain.Signal) *domain.Signal {
	c := *s
	c.ObservedPrice = copyFloat(s.ObservedPrice)
	c.Volume24h = copyFloat(s.Volume24h)
	c.Liquidity = copyFloat(s.Liquidity)
	return &c
}

func copyDecision(d *domain.DecisionRecord) *domain.DecisionRecord {
	c := *d
	c.GateTrace = make([]domain.GateOutcome, len(d.GateTrace))
	copy(c.GateTrace, d.GateTrace)
	c.VerificationTrust = copyFloat(d.VerificationTrust)
	c.VerificationConfidence = copyFloat(d.VerificationConfidence)
	if d.Supersedes != nil {
		v := *d.Supersedes
		c.Supersedes = &v
	}
	return &c
}

func copyPosition(p *domain.Position) *domain.Position {
	c := *p
	c.ClosePrice = copyFloat(p.ClosePrice)
	c.PnLGross = copyFloat(p.PnLGross)
	c.FeesTotal = copyFloat(p.FeesTotal)
	c.PnLNet = copyFloat(p.PnLNet)
	c.RewardReal = copyFloat(p.RewardReal)
	if p.ClosedAtMs != nil {
		v := *p.ClosedAtMs
		c.ClosedAtMs = &v
	}
	if p.RewardBin != nil {
		v := *p.RewardBin
		c.RewardBin = &v
	}
	return &c
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
