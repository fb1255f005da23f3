package storage

import (
	"context"

	"signaldesk/internal/domain"
)

// PositionClose carries everything the atomic close operation writes:
// the conditional status flip, the final financial fields and the exit
// fill, applied in one transaction. No partial-close state is ever
// observable.
type PositionClose struct {
	PositionID  string
	ClosePrice  float64
	CloseReason string
	ClosedAtMs  int64
	PnLGross    float64
	FeesTotal   float64
	PnLNet      float64
	RewardBin   int
	RewardReal  float64
	ExitFill    *domain.Fill
}

// OutcomeUpdate is one closed position's contribution to learning
// state. Applied exactly once per position: the processed-set claim,
// the bandit update and the source-score update share one transaction.
type OutcomeUpdate struct {
	PositionID  string
	StrategyID  string
	Regime      string
	SourceID    string
	RewardBin   int
	RewardReal  float64
	UpdatedAtMs int64
}

// SignalLedger stores canonical signals and hands out the ones that
// still need a terminal decision.
type SignalLedger interface {
	// InsertSignal appends a signal. Returns ErrDuplicateKey if signal_id exists.
	InsertSignal(ctx context.Context, s *domain.Signal) error

	// GetSignal retrieves a signal by ID. Returns ErrNotFound if not exists.
	GetSignal(ctx context.Context, signalID string) (*domain.Signal, error)

	// ListUndecidedSignals returns signals with no decision record yet,
	// oldest first, at most limit.
	ListUndecidedSignals(ctx context.Context, limit int) ([]*domain.Signal, error)

	// FirstSeenMs returns the earliest signal timestamp recorded for a
	// token, used as the instrument age reference. ErrNotFound if the
	// token has never been seen.
	FirstSeenMs(ctx context.Context, tokenID string) (int64, error)
}

// DecisionLedger writes terminal decisions. RecordExecution is the
// only way a position comes into existence: the decision, position and
// entry fill commit atomically, and the UNIQUE(signal_ref) constraint
// makes a second evaluation of the same signal fail with
// ErrDuplicateKey instead of opening a second position.
type DecisionLedger interface {
	// RecordDecision appends a BLOCK/SKIP decision.
	// Returns ErrDuplicateKey if a decision for signal_ref exists.
	RecordDecision(ctx context.Context, d *domain.DecisionRecord) error

	// RecordExecution atomically appends an EXECUTE decision, its
	// position and the entry fill. Returns ErrDuplicateKey if a
	// decision for signal_ref exists; nothing is written in that case.
	RecordExecution(ctx context.Context, d *domain.DecisionRecord, p *domain.Position, f *domain.Fill) error

	// GetDecisionBySignal retrieves the decision for a signal.
	// Returns ErrNotFound if the signal has no terminal decision yet.
	GetDecisionBySignal(ctx context.Context, signalRef string) (*domain.DecisionRecord, error)

	// ListDecisions retrieves decisions created within [fromMs, toMs],
	// ordered by created_at ASC.
	ListDecisions(ctx context.Context, fromMs, toMs int64) ([]*domain.DecisionRecord, error)
}

// PositionLedger reads and mutates positions. Positions are
// single-writer-per-row: the only mutations are watermark updates and
// the atomic conditional close.
type PositionLedger interface {
	// GetPosition retrieves a position by ID. Returns ErrNotFound if not exists.
	GetPosition(ctx context.Context, positionID string) (*domain.Position, error)

	// ListOpenPositions returns all OPEN positions ordered by opened_at ASC.
	ListOpenPositions(ctx context.Context) ([]*domain.Position, error)

	// ListClosedPositions returns CLOSED positions with closed_at in
	// [fromMs, toMs], ordered by closed_at ASC.
	ListClosedPositions(ctx context.Context, fromMs, toMs int64) ([]*domain.Position, error)

	// UpdateWatermarks persists trailing-stop watermarks while the
	// position is OPEN. A CLOSED row is left untouched (no error).
	UpdateWatermarks(ctx context.Context, positionID string, highWater, lowWater float64) error

	// ClosePosition performs the single atomic close: flips status with
	// an UPDATE ... WHERE status='OPEN' condition, writes the financial
	// fields and inserts the exit fill in one transaction. Returns
	// ErrAlreadyClosed when the conditional update matches zero rows.
	ClosePosition(ctx context.Context, c *PositionClose) error

	// ListFills returns all fills for a position ordered by created_at ASC.
	ListFills(ctx context.Context, positionID string) ([]*domain.Fill, error)
}

// LearningLedger owns bandit state, source scores and the idempotency
// set that makes learner reruns no-ops.
type LearningLedger interface {
	// ApplyOutcome claims the position ID in the processed set and, if
	// the claim is new, applies the bandit and source-score updates in
	// the same transaction. Returns applied=false (and no state change)
	// when the position was already processed.
	ApplyOutcome(ctx context.Context, u *OutcomeUpdate) (applied bool, err error)

	// GetBanditState returns the state for a strategy/regime pair.
	// Returns ErrNotFound before the first update.
	GetBanditState(ctx context.Context, strategyID, regime string) (*domain.BanditState, error)

	// ListBanditStates returns all bandit states.
	ListBanditStates(ctx context.Context) ([]*domain.BanditState, error)

	// GetSourceScore returns the score for a source.
	// Returns ErrNotFound before the first update.
	GetSourceScore(ctx context.Context, sourceID string) (*domain.SourceScore, error)

	// ListSourceScores returns all source scores.
	ListSourceScores(ctx context.Context) ([]*domain.SourceScore, error)
}

// PolicyLedger stores versioned policy configurations and the single
// mutable active pointer.
type PolicyLedger interface {
	// InsertPolicy appends a new immutable version.
	// Returns ErrDuplicateKey if the version exists.
	InsertPolicy(ctx context.Context, p *domain.PolicyConfiguration) error

	// GetPolicy retrieves a version. Returns ErrNotFound if not exists.
	GetPolicy(ctx context.Context, version int64) (*domain.PolicyConfiguration, error)

	// GetActivePolicy resolves the active pointer. Returns ErrNotFound
	// when no policy is active; callers must block all trading then.
	GetActivePolicy(ctx context.Context) (*domain.PolicyConfiguration, error)

	// SetActivePolicy moves the active pointer to an existing version.
	SetActivePolicy(ctx context.Context, version int64) error

	// LatestPolicyVersion returns the highest stored version, 0 when empty.
	LatestPolicyVersion(ctx context.Context) (int64, error)
}

// RetryLedger tracks verification retry state durably so that attempt
// counting survives restarts and two workers cannot both claim the
// same pending retry.
type RetryLedger interface {
	// ClaimRetry atomically increments and returns the attempt number
	// for a signal if it is eligible at nowMs, extending the claim
	// lease so a racing worker observes ok=false.
	ClaimRetry(ctx context.Context, signalRef string, nowMs, leaseMs int64) (attempt int, ok bool, err error)

	// RescheduleRetry sets the next eligibility time after a transient failure.
	RescheduleRetry(ctx context.Context, signalRef string, nextEligibleMs int64) error

	// ClearRetry removes retry state once the signal is terminal.
	ClearRetry(ctx context.Context, signalRef string) error
}

// AuditLedger persists walk-forward evaluation runs.
type AuditLedger interface {
	// InsertWalkForwardRun appends one evaluator run, promoted or not.
	InsertWalkForwardRun(ctx context.Context, r *domain.WalkForwardRun) error

	// ListWalkForwardRuns returns runs ordered by started_at DESC, at most limit.
	ListWalkForwardRuns(ctx context.Context, limit int) ([]*domain.WalkForwardRun, error)
}

// Ledger is the single source of truth all workers coordinate through.
type Ledger interface {
	SignalLedger
	DecisionLedger
	PositionLedger
	LearningLedger
	PolicyLedger
	RetryLedger
	AuditLedger
}
