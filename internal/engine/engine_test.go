package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaldesk/internal/controls"
	"signaldesk/internal/domain"
	"signaldesk/internal/exchange"
	"signaldesk/internal/learner"
	"signaldesk/internal/normalize"
	"signaldesk/internal/observability"
	"signaldesk/internal/portfolio"
	"signaldesk/internal/storage/memory"
	"signaldesk/internal/verify"
)

const baseMs = int64(1700000000000)

type countingVerifier struct {
	res   *domain.VerificationResult
	err   error
	calls int
}

func (v *countingVerifier) Verify(_ context.Context, _ *domain.Signal) (*domain.VerificationResult, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	res := *v.res
	return &res, nil
}

func approveResult(trust, confidence float64) *domain.VerificationResult {
	c := confidence
	return &domain.VerificationResult{
		TrustScore: trust,
		Verdict:    domain.VerdictApprove,
		Confidence: &c,
	}
}

type harness struct {
	store  *memory.Ledger
	ctrl   *controls.MemoryControls
	feed   *exchange.Feed
	engine *Engine
	nowMs  int64
}

func newHarness(t *testing.T, mode domain.Mode, verifier verify.Verifier) *harness {
	t.Helper()

	h := &harness{
		store: memory.NewLedger(),
		ctrl:  controls.NewMemoryControls(),
		feed:  exchange.NewFeed("ws://unused", nil, zerolog.Nop()),
		nowMs: baseMs,
	}
	adapter := exchange.NewPaperAdapter(h.feed, "paper")

	h.engine = New(
		Config{
			Mode:            mode,
			Venue:           "paper",
			RetryDelaysMs:   []int64{5_000, 15_000, 60_000},
			RetryLeaseMs:    120_000,
			DefaultStrategy: "momentum_v1",
		},
		h.store,
		h.ctrl,
		adapter,
		verify.NewService(verifier, time.Second),
		portfolio.NewBuilder(h.store, 10_000, 7*24*60*60*1000),
		learner.NewSampler(1),
		nil,
		nil,
		zerolog.Nop(),
	)
	h.engine.nowFn = func() int64 { return h.nowMs }
	return h
}

func (h *harness) seedPolicy(t *testing.T, mode domain.Mode) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.InsertPolicy(ctx, &domain.PolicyConfiguration{
		Version:                1,
		Mode:                   mode,
		CreatedAtMs:            baseMs,
		MaxDailyLossUSD:        500,
		MaxDrawdownPct:         0.25,
		MaxSignalAgeMs:         60_000,
		MaxQuoteAgeMs:          10_000,
		MinTokenAgeMs:          3_600_000,
		AllowedChains:          []string{"solana"},
		MinLiquidityUSD:        50_000,
		MinVolumeUSD:           10_000,
		MaxSpreadBps:           80,
		FeeBps:                 10,
		MaxLiquidityFracBps:    100,
		MaxOpenPositions:       5,
		MaxExposureUSD:         1_000,
		MaxTokenExposureUSD:    400,
		CooldownMs:             300_000,
		MaxTradesPerDay:        20,
		DailyBudgetUSD:         2_000,
		MinTrustScore:          60,
		MinConfidence:          50,
		ProbeDefaultConfidence: 55,
		PositionSizeUSD:        200,
	}))
	require.NoError(t, h.store.SetActivePolicy(ctx, 1))
}

func (h *harness) seedQuote(tokenID string) {
	listed := h.nowMs - 7_200_000
	h.feed.Put(&exchange.Quote{
		TokenID:     tokenID,
		Price:       2.0,
		SpreadBps:   20,
		TimestampMs: h.nowMs - 1_000,
		ListedAtMs:  &listed,
	})
}

func (h *harness) seedSignal(t *testing.T, tokenID string) *domain.Signal {
	t.Helper()
	liq := 100_000.0
	vol := 50_000.0
	sig := &domain.Signal{
		SignalID:    "src:" + tokenID + ":" + "1700000000000",
		TokenID:     tokenID,
		Source:      "src",
		Chain:       "solana",
		Direction:   domain.DirectionLong,
		Liquidity:   &liq,
		Volume24h:   &vol,
		TimestampMs: h.nowMs - 5_000,
	}
	require.NoError(t, h.store.InsertSignal(context.Background(), sig))
	return sig
}

// seedOpenPosition opens a position through the same atomic path the
// engine uses, with its own decision and entry fill.
func (h *harness) seedOpenPosition(t *testing.T, positionID, tokenID string, openedAtMs int64) {
	t.Helper()
	decision := &domain.DecisionRecord{
		DecisionID:    "dec-" + positionID,
		SignalRef:     "seed:" + positionID,
		Result:        domain.ResultExecute,
		ReasonCode:    domain.ReasonExecuted,
		PolicyVersion: 1,
		CreatedAtMs:   openedAtMs,
	}
	position := &domain.Position{
		PositionID:           positionID,
		TokenID:              tokenID,
		Side:                 domain.DirectionLong,
		StrategyID:           "momentum_v1",
		SourceID:             "src",
		EntryPrice:           2.0,
		EntryExpectedPrice:   2.0,
		SizeUSD:              200,
		Qty:                  100,
		Status:               domain.StatusOpen,
		OpenedAtMs:           openedAtMs,
		HighWater:            2.0,
		LowWater:             2.0,
		PolicyVersionAtEntry: 1,
		DecisionID:           decision.DecisionID,
	}
	fill := &domain.Fill{
		FillID:        "fill-" + positionID,
		PositionID:    positionID,
		Side:          domain.FillBuy,
		ExpectedPrice: 2.0,
		ExecPrice:     2.0,
		Qty:           100,
		Notional:      200,
		Venue:         "paper",
		CreatedAtMs:   openedAtMs,
	}
	require.NoError(t, h.store.RecordExecution(context.Background(), decision, position, fill))
}

func TestEvaluate_ExecutePath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.ModePaper, &countingVerifier{res: approveResult(80, 70)})
	h.seedPolicy(t, domain.ModePaper)
	h.seedQuote("TOK")
	sig := h.seedSignal(t, "TOK")

	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, domain.ResultExecute, d.Result)
	assert.Equal(t, domain.ReasonExecuted, d.ReasonCode)
	assert.Equal(t, sig.SignalID, d.SignalRef)
	assert.Equal(t, int64(1), d.PolicyVersion)
	assert.Len(t, d.GateTrace, 9)
	require.NotNil(t, d.VerificationTrust)
	assert.Equal(t, 80.0, *d.VerificationTrust)

	open, err := h.store.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	p := open[0]
	assert.Equal(t, "TOK", p.TokenID)
	assert.Equal(t, domain.DirectionLong, p.Side)
	assert.Equal(t, "momentum_v1", p.StrategyID)
	assert.Equal(t, 200.0, p.SizeUSD)
	assert.Equal(t, 2.0, p.EntryPrice)
	assert.InDelta(t, 100.0, p.Qty, 1e-9)
	assert.Equal(t, int64(1), p.PolicyVersionAtEntry)
	assert.Equal(t, d.DecisionID, p.DecisionID)
}

// Re-evaluating a decided signal returns the stored decision and never
// opens a second position.
func TestEvaluate_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.ModePaper, &countingVerifier{res: approveResult(80, 70)})
	h.seedPolicy(t, domain.ModePaper)
	h.seedQuote("TOK")
	sig := h.seedSignal(t, "TOK")

	first, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	second, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)

	assert.Equal(t, first.DecisionID, second.DecisionID)

	open, err := h.store.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestEvaluate_RugpullFlagged(t *testing.T) {
	ctx := context.Background()
	res := approveResult(90, 90)
	res.RugpullFlags = []string{"mint_authority_retained"}
	h := newHarness(t, domain.ModePaper, &countingVerifier{res: res})
	h.seedPolicy(t, domain.ModePaper)
	h.seedQuote("TOK")
	sig := h.seedSignal(t, "TOK")

	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)

	assert.Equal(t, domain.ResultBlock, d.Result)
	assert.Equal(t, domain.ReasonRugpullFlagged, d.ReasonCode)

	open, err := h.store.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEvaluate_Verdicts(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*domain.VerificationResult)
		wantResult domain.DecisionResult
		wantReason string
	}{
		{
			name:       "reject blocks",
			mutate:     func(r *domain.VerificationResult) { r.Verdict = domain.VerdictReject },
			wantResult: domain.ResultBlock,
			wantReason: domain.ReasonVerdictReject,
		},
		{
			name:       "revise is a terminal skip",
			mutate:     func(r *domain.VerificationResult) { r.Verdict = domain.VerdictRevise },
			wantResult: domain.ResultSkip,
			wantReason: domain.ReasonVerdictRevise,
		},
		{
			name:       "low trust blocks",
			mutate:     func(r *domain.VerificationResult) { r.TrustScore = 30 },
			wantResult: domain.ResultBlock,
			wantReason: domain.ReasonLowTrust,
		},
		{
			name:       "low confidence blocks",
			mutate:     func(r *domain.VerificationResult) { c := 10.0; r.Confidence = &c },
			wantResult: domain.ResultBlock,
			wantReason: domain.ReasonLowConfidence,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			res := approveResult(80, 70)
			tt.mutate(res)
			h := newHarness(t, domain.ModePaper, &countingVerifier{res: res})
			h.seedPolicy(t, domain.ModePaper)
			h.seedQuote("TOK")
			sig := h.seedSignal(t, "TOK")

			d, err := h.engine.Evaluate(ctx, sig)
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, d.Result)
			assert.Equal(t, tt.wantReason, d.ReasonCode)
		})
	}
}

func TestEvaluate_NoActivePolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.ModePaper, &countingVerifier{res: approveResult(80, 70)})
	h.seedQuote("TOK")
	sig := h.seedSignal(t, "TOK")

	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultBlock, d.Result)
	assert.Equal(t, domain.ReasonPolicyConfigMissing, d.ReasonCode)
}

// The kill-switch gate fires before verification is ever attempted.
func TestEvaluate_KillSwitchBeforeVerification(t *testing.T) {
	ctx := context.Background()
	verifier := &countingVerifier{res: approveResult(80, 70)}
	h := newHarness(t, domain.ModePaper, verifier)
	h.seedPolicy(t, domain.ModePaper)
	h.seedQuote("TOK")
	sig := h.seedSignal(t, "TOK")
	require.NoError(t, h.ctrl.SetKillSwitch(ctx, true))

	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultBlock, d.Result)
	assert.Equal(t, "kill_switch", d.ReasonCode)
	assert.Zero(t, verifier.calls)
}

func TestEvaluate_ParseErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	verifier := &countingVerifier{err: verify.ErrParse}
	h := newHarness(t, domain.ModePaper, verifier)
	h.seedPolicy(t, domain.ModePaper)
	h.seedQuote("TOK")
	sig := h.seedSignal(t, "TOK")

	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultBlock, d.Result)
	assert.Equal(t, domain.ReasonVerificationParse, d.ReasonCode)
	assert.Equal(t, 1, verifier.calls)
}

// Transient verification failures consume bounded retry attempts; the
// signal stays pending between backoff windows and terminates BLOCK
// once the budget is spent.
func TestEvaluate_RetryExhaustion(t *testing.T) {
	ctx := context.Background()
	verifier := &countingVerifier{err: errors.New("upstream unavailable")}
	h := newHarness(t, domain.ModePaper, verifier)
	h.seedPolicy(t, domain.ModePaper)
	sig := h.seedSignal(t, "TOK")
	h.seedQuote("TOK")

	delays := []int64{5_000, 15_000, 60_000}
	for i := 0; i < 3; i++ {
		d, err := h.engine.Evaluate(ctx, sig)
		require.NoError(t, err)
		assert.Nil(t, d, "attempt %d should stay pending", i+1)
		assert.Equal(t, i+1, verifier.calls)

		// Within the backoff window nothing happens.
		d, err = h.engine.Evaluate(ctx, sig)
		require.NoError(t, err)
		assert.Nil(t, d)
		assert.Equal(t, i+1, verifier.calls, "claim inside the window must not call the verifier")

		h.nowMs += delays[i] + 1
		h.seedQuote("TOK")
		// Keep the signal inside the freshness window so the retry path,
		// not staleness, decides the outcome.
		sig.TimestampMs = h.nowMs - 5_000
	}

	// Fourth and final attempt fails too: terminal.
	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, domain.ResultBlock, d.Result)
	assert.Equal(t, domain.ReasonVerificationTimeout, d.ReasonCode)
	assert.Equal(t, 4, verifier.calls)
}

func TestEvaluate_ProbeDefaultsConfidence(t *testing.T) {
	ctx := context.Background()
	res := &domain.VerificationResult{TrustScore: 80, Verdict: domain.VerdictApprove}
	h := newHarness(t, domain.ModeProbe, &countingVerifier{res: res})
	h.seedPolicy(t, domain.ModeProbe)
	h.seedQuote("TOK")
	sig := h.seedSignal(t, "TOK")

	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultExecute, d.Result)
	require.NotNil(t, d.VerificationConfidence)
	assert.Equal(t, 55.0, *d.VerificationConfidence)
}

// Outside probe mode a missing confidence is a malformed verdict.
func TestEvaluate_MissingConfidenceFailsClosed(t *testing.T) {
	ctx := context.Background()
	res := &domain.VerificationResult{TrustScore: 80, Verdict: domain.VerdictApprove}
	h := newHarness(t, domain.ModePaper, &countingVerifier{res: res})
	h.seedPolicy(t, domain.ModePaper)
	h.seedQuote("TOK")
	sig := h.seedSignal(t, "TOK")

	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultBlock, d.Result)
	assert.Equal(t, domain.ReasonVerificationParse, d.ReasonCode)
}

// Late gates run after verification; the block record carries both the
// full trace and the verification fields.
func TestEvaluate_LateGateBlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.ModePaper, &countingVerifier{res: approveResult(80, 70)})
	h.seedPolicy(t, domain.ModePaper)
	h.seedQuote("TOK")
	sig := h.seedSignal(t, "TOK")

	// Existing exposure on the same token exceeds the per-token cap.
	h.seedOpenPosition(t, "pre-a", "TOK", baseMs-3_600_000)
	h.seedOpenPosition(t, "pre-b", "TOK", baseMs-3_500_000)

	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultBlock, d.Result)
	assert.Equal(t, "exposure_limits", d.ReasonCode)
	require.NotNil(t, d.VerificationTrust)
	assert.Equal(t, 80.0, *d.VerificationTrust)
	assert.Len(t, d.GateTrace, 7)
}

func TestEvaluate_MissingQuoteBlocksFreshness(t *testing.T) {
	ctx := context.Background()
	verifier := &countingVerifier{res: approveResult(80, 70)}
	h := newHarness(t, domain.ModePaper, verifier)
	h.seedPolicy(t, domain.ModePaper)
	sig := h.seedSignal(t, "TOK") // no quote seeded

	d, err := h.engine.Evaluate(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultBlock, d.Result)
	assert.Equal(t, "data_freshness", d.ReasonCode)
	assert.Zero(t, verifier.calls)
}

func TestIngest_DuplicateReturnsStored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.ModePaper, &countingVerifier{res: approveResult(80, 70)})

	raw := map[string]any{
		"token_id":  "TOK",
		"chain":     "solana",
		"timestamp": 1700000000000.0,
		"price":     2.0,
	}
	first, err := h.engine.Ingest(ctx, raw, "src")
	require.NoError(t, err)
	second, err := h.engine.Ingest(ctx, raw, "src")
	require.NoError(t, err)

	assert.Equal(t, first.SignalID, second.SignalID)

	pending, err := h.store.ListUndecidedSignals(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestIngest_MalformedIsCountedAndRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.ModePaper, &countingVerifier{res: approveResult(80, 70)})
	metrics := observability.New(prometheus.NewRegistry())
	h.engine.metrics = metrics

	_, err := h.engine.Ingest(ctx, map[string]any{"price": 2.0}, "src")
	require.Error(t, err)
	assert.ErrorIs(t, err, normalize.ErrMalformedSignal)

	rejected := metrics.SignalsRejected.WithLabelValues(domain.ReasonMalformedSignal)
	assert.Equal(t, 1.0, testutil.ToFloat64(rejected))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SignalsIngested))

	// Nothing reaches the ledger.
	pending, err := h.store.ListUndecidedSignals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEvaluatePending_DrainsQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.ModePaper, &countingVerifier{res: approveResult(80, 70)})
	h.seedPolicy(t, domain.ModePaper)
	h.seedQuote("TOK")
	h.seedSignal(t, "TOK")

	require.NoError(t, h.engine.EvaluatePending(ctx, 10))

	pending, err := h.store.ListUndecidedSignals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
