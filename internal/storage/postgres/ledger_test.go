package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

const nowMs = int64(1700000000000)

func testSignal(id string) *domain.Signal {
	return &domain.Signal{
		SignalID:      id,
		TokenID:       "TOK",
		Source:        "src",
		Chain:         "solana",
		Direction:     domain.DirectionLong,
		ObservedPrice: ptr(2.0),
		Volume24h:     ptr(50_000.0),
		Liquidity:     ptr(100_000.0),
		TimestampMs:   nowMs,
		RawThesis:     "volume spike",
	}
}

func testExecution(signalRef, positionID string) (*domain.DecisionRecord, *domain.Position, *domain.Fill) {
	d := &domain.DecisionRecord{
		DecisionID: "dec-" + positionID,
		SignalRef:  signalRef,
		Result:     domain.ResultExecute,
		ReasonCode: domain.ReasonExecuted,
		GateTrace: []domain.GateOutcome{
			{Gate: "kill_switch", Pass: true},
			{Gate: "data_freshness", Pass: true, Evidence: map[string]string{"signal_age_ms": "5000"}},
		},
		VerificationVerdict:    string(domain.VerdictApprove),
		VerificationTrust:      ptr(80.0),
		VerificationConfidence: ptr(70.0),
		PolicyVersion:          1,
		CreatedAtMs:            nowMs,
	}
	p := &domain.Position{
		PositionID:           positionID,
		TokenID:              "TOK",
		Side:                 domain.DirectionLong,
		StrategyID:           "momentum_v1",
		SourceID:             "src",
		EntryPrice:           2.0,
		EntryExpectedPrice:   2.0,
		EntryFee:             0.20,
		SizeUSD:              200,
		Qty:                  100,
		Status:               domain.StatusOpen,
		OpenedAtMs:           nowMs,
		HighWater:            2.0,
		LowWater:             2.0,
		PolicyVersionAtEntry: 1,
		DecisionID:           d.DecisionID,
	}
	f := &domain.Fill{
		FillID: "fill-" + positionID, PositionID: positionID, Side: domain.FillBuy,
		ExpectedPrice: 2.0, ExecPrice: 2.0, Qty: 100, Notional: 200,
		Fee: 0.20, Venue: "paper", CreatedAtMs: nowMs,
	}
	return d, p, f
}

func testClose(positionID string, pnlNet float64) *storage.PositionClose {
	bin := 0
	if pnlNet > 0 {
		bin = 1
	}
	return &storage.PositionClose{
		PositionID:  positionID,
		ClosePrice:  2.2,
		CloseReason: domain.CloseReasonTakeProfit,
		ClosedAtMs:  nowMs + 1_000,
		PnLGross:    pnlNet + 0.42,
		FeesTotal:   0.42,
		PnLNet:      pnlNet,
		RewardBin:   bin,
		RewardReal:  pnlNet / 200,
		ExitFill: &domain.Fill{
			FillID: "exit-" + positionID, PositionID: positionID, Side: domain.FillSell,
			ExpectedPrice: 2.2, ExecPrice: 2.2, Qty: 100, Notional: 220,
			Fee: 0.22, Venue: "paper", CreatedAtMs: nowMs + 1_000,
		},
	}
}

func TestSignals_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ledger := NewLedger(pool)

	sig := testSignal("src:TOK:1")
	require.NoError(t, ledger.InsertSignal(ctx, sig))

	err := ledger.InsertSignal(ctx, sig)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	got, err := ledger.GetSignal(ctx, "src:TOK:1")
	require.NoError(t, err)
	assert.Equal(t, sig.TokenID, got.TokenID)
	require.NotNil(t, got.ObservedPrice)
	assert.Equal(t, 2.0, *got.ObservedPrice)
	assert.Equal(t, "volume spike", got.RawThesis)

	first, err := ledger.FirstSeenMs(ctx, "TOK")
	require.NoError(t, err)
	assert.Equal(t, nowMs, first)

	pending, err := ledger.ListUndecidedSignals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "src:TOK:1", pending[0].SignalID)
}

func TestDecisions_OnePerSignal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ledger := NewLedger(pool)

	d := &domain.DecisionRecord{
		DecisionID: "d1", SignalRef: "s1", Result: domain.ResultBlock,
		ReasonCode: domain.ReasonLowTrust,
		GateTrace: []domain.GateOutcome{
			{Gate: "kill_switch", Pass: true},
		},
		PolicyVersion: 1, CreatedAtMs: nowMs,
	}
	require.NoError(t, ledger.RecordDecision(ctx, d))

	dup := &domain.DecisionRecord{
		DecisionID: "d2", SignalRef: "s1", Result: domain.ResultSkip,
		ReasonCode: domain.ReasonVerdictRevise, PolicyVersion: 1, CreatedAtMs: nowMs,
	}
	err := ledger.RecordDecision(ctx, dup)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	got, err := ledger.GetDecisionBySignal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DecisionID)
	require.Len(t, got.GateTrace, 1)
	assert.Equal(t, "kill_switch", got.GateTrace[0].Gate)

	listed, err := ledger.ListDecisions(ctx, nowMs-1, nowMs+1)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

// The execute commit is atomic: a duplicate signal_ref rolls back all
// three writes.
func TestRecordExecution_AtomicAndUnique(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ledger := NewLedger(pool)

	d, p, f := testExecution("s1", "p1")
	require.NoError(t, ledger.RecordExecution(ctx, d, p, f))

	d2, p2, f2 := testExecution("s1", "p2")
	err := ledger.RecordExecution(ctx, d2, p2, f2)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	_, err = ledger.GetPosition(ctx, "p2")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	open, err := ledger.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p1", open[0].PositionID)

	got, err := ledger.GetDecisionBySignal(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.VerificationTrust)
	assert.Equal(t, 80.0, *got.VerificationTrust)

	fills, err := ledger.ListFills(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestClosePosition_ConditionalUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ledger := NewLedger(pool)

	d, p, f := testExecution("s1", "p1")
	require.NoError(t, ledger.RecordExecution(ctx, d, p, f))

	require.NoError(t, ledger.UpdateWatermarks(ctx, "p1", 2.5, 1.9))

	require.NoError(t, ledger.ClosePosition(ctx, testClose("p1", 19.58)))

	err := ledger.ClosePosition(ctx, testClose("p1", -5))
	assert.True(t, errors.Is(err, storage.ErrAlreadyClosed))

	got, err := ledger.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, 2.5, got.HighWater)
	require.NotNil(t, got.PnLNet)
	assert.InDelta(t, 19.58, *got.PnLNet, 1e-9)
	require.NotNil(t, got.RewardBin)
	assert.Equal(t, 1, *got.RewardBin)

	closed, err := ledger.ListClosedPositions(ctx, nowMs, nowMs+10_000)
	require.NoError(t, err)
	assert.Len(t, closed, 1)

	fills, err := ledger.ListFills(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	err = ledger.ClosePosition(ctx, testClose("ghost", 1))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestApplyOutcome_ClaimOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ledger := NewLedger(pool)

	u := &storage.OutcomeUpdate{
		PositionID: "p1", StrategyID: "momentum_v1", Regime: "default",
		SourceID: "src", RewardBin: 1, RewardReal: 0.1, UpdatedAtMs: nowMs,
	}
	applied, err := ledger.ApplyOutcome(ctx, u)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = ledger.ApplyOutcome(ctx, u)
	require.NoError(t, err)
	assert.False(t, applied)

	b, err := ledger.GetBanditState(ctx, "momentum_v1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.TradeCount)
	assert.Equal(t, 2.0, b.Alpha)
	assert.Equal(t, 1.0, b.Beta)

	// A loss for the same strategy moves beta only.
	applied, err = ledger.ApplyOutcome(ctx, &storage.OutcomeUpdate{
		PositionID: "p2", StrategyID: "momentum_v1", Regime: "default",
		SourceID: "src", RewardBin: 0, RewardReal: -0.05, UpdatedAtMs: nowMs,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	b, err = ledger.GetBanditState(ctx, "momentum_v1", "default")
	require.NoError(t, err)
	assert.Equal(t, 1+float64(b.WinCount), b.Alpha)
	assert.Equal(t, 1+float64(b.TradeCount-b.WinCount), b.Beta)

	s, err := ledger.GetSourceScore(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.TradeCount)
	assert.Equal(t, int64(1), s.WinCount)
	assert.InDelta(t, 0.05, s.SumReward, 1e-9)
}

func TestClaimRetry_SingleStatement(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ledger := NewLedger(pool)

	attempt, ok, err := ledger.ClaimRetry(ctx, "s1", nowMs, 120_000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, attempt)

	// Lease holds: a second claim is denied without error.
	_, ok, err = ledger.ClaimRetry(ctx, "s1", nowMs+1_000, 120_000)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ledger.RescheduleRetry(ctx, "s1", nowMs+5_000))
	attempt, ok, err = ledger.ClaimRetry(ctx, "s1", nowMs+5_001, 120_000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, attempt)

	require.NoError(t, ledger.ClearRetry(ctx, "s1"))
	attempt, ok, err = ledger.ClaimRetry(ctx, "s1", nowMs+10_000, 120_000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, attempt)

	err = ledger.RescheduleRetry(ctx, "ghost", nowMs)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestPolicy_VersionedRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ledger := NewLedger(pool)

	_, err := ledger.GetActivePolicy(ctx)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	latest, err := ledger.LatestPolicyVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	v1 := &domain.PolicyConfiguration{
		Version:         1,
		Mode:            domain.ModePaper,
		CreatedAtMs:     nowMs,
		AllowedChains:   []string{"solana"},
		MinTrustScore:   60,
		MinConfidence:   50,
		PositionSizeUSD: 200,
		StopLossPct:     0.05,
		TakeProfitPct:   0.10,
	}
	require.NoError(t, ledger.InsertPolicy(ctx, v1))
	assert.True(t, errors.Is(ledger.InsertPolicy(ctx, v1), storage.ErrDuplicateKey))

	err = ledger.SetActivePolicy(ctx, 9)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, ledger.SetActivePolicy(ctx, 1))
	active, err := ledger.GetActivePolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)
	assert.Equal(t, []string{"solana"}, active.AllowedChains)
	assert.Equal(t, 0.05, active.StopLossPct)

	v2 := *v1
	v2.Version = 2
	v2.PositionSizeUSD = 400
	require.NoError(t, ledger.InsertPolicy(ctx, &v2))
	require.NoError(t, ledger.SetActivePolicy(ctx, 2))

	active, err = ledger.GetActivePolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active.Version)
	assert.Equal(t, 400.0, active.PositionSizeUSD)

	old, err := ledger.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 200.0, old.PositionSizeUSD)

	latest, err = ledger.LatestPolicyVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestWalkForwardRuns_AuditTrail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ledger := NewLedger(pool)

	run := &domain.WalkForwardRun{
		RunID:         "run-1",
		StartedAtMs:   nowMs,
		WindowFromMs:  nowMs - 1_000_000,
		WindowToMs:    nowMs,
		ActiveVersion: 1,
		Folds: []domain.FoldResult{
			{
				Fold:       0,
				TestFromMs: nowMs - 1_000_000,
				TestToMs:   nowMs - 500_000,
				Active:     domain.WindowMetrics{Trades: 3, NetPnLUSD: 30},
				Candidate:  domain.WindowMetrics{Trades: 3, NetPnLUSD: 60},
			},
		},
		Promoted: false,
		Reason:   "median improvement 0.0000 below margin 1.0000",
	}
	require.NoError(t, ledger.InsertWalkForwardRun(ctx, run))

	later := *run
	later.RunID = "run-2"
	later.StartedAtMs = nowMs + 60_000
	require.NoError(t, ledger.InsertWalkForwardRun(ctx, &later))

	runs, err := ledger.ListWalkForwardRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID, "newest first")
	require.Len(t, runs[1].Folds, 1)
	assert.Equal(t, 60.0, runs[1].Folds[0].Candidate.NetPnLUSD)
}
