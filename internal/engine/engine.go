// Package engine orchestrates one signal's path from raw payload to a
// terminal decision. The evaluation is a fixed state machine: normalize,
// early safety gates, verification, judgment, late limit gates, then
// exactly one terminal write. Safety-critical gates run before the
// expensive verification call so no external-capability failure can
// bypass a hard limit, and the decision plus position-open commit
// atomically so a retried evaluation can never open a second position.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signaldesk/internal/controls"
	"signaldesk/internal/costmodel"
	"signaldesk/internal/domain"
	"signaldesk/internal/exchange"
	"signaldesk/internal/gates"
	"signaldesk/internal/learner"
	"signaldesk/internal/normalize"
	"signaldesk/internal/notify"
	"signaldesk/internal/observability"
	"signaldesk/internal/portfolio"
	"signaldesk/internal/storage"
	"signaldesk/internal/verify"
)

// Config are the engine's runtime parameters.
type Config struct {
	Mode  domain.Mode
	Venue string

	// RetryDelaysMs are the backoff delays between verification retry
	// attempts. Total attempts = 1 + len(RetryDelaysMs).
	RetryDelaysMs []int64

	// RetryLeaseMs is how long a claimed attempt stays invisible to
	// other workers.
	RetryLeaseMs int64

	// DefaultStrategy is used before any bandit state exists.
	DefaultStrategy string
}

// Engine evaluates signals into terminal decisions.
type Engine struct {
	cfg       Config
	store     storage.Ledger
	ctrl      controls.Controls
	adapter   exchange.Adapter
	verifier  *verify.Service
	snapshots *portfolio.Builder
	sampler   *learner.Sampler
	notifier  notify.Notifier
	metrics   *observability.Metrics
	log       zerolog.Logger

	early *gates.Chain
	late  *gates.Chain

	nowFn func() int64
}

// New wires an Engine. notifier and metrics may be nil.
func New(
	cfg Config,
	store storage.Ledger,
	ctrl controls.Controls,
	adapter exchange.Adapter,
	verifier *verify.Service,
	snapshots *portfolio.Builder,
	sampler *learner.Sampler,
	notifier notify.Notifier,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		ctrl:      ctrl,
		adapter:   adapter,
		verifier:  verifier,
		snapshots: snapshots,
		sampler:   sampler,
		notifier:  notifier,
		metrics:   metrics,
		log:       log.With().Str("component", "engine").Logger(),
		early:     gates.NewChain(gates.EarlyGates()...),
		late:      gates.NewChain(gates.LateGates()...),
		nowFn:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Ingest normalizes a raw payload and appends the canonical signal to
// the ledger. Re-ingesting the same observation returns the stored
// signal unchanged.
func (e *Engine) Ingest(ctx context.Context, raw map[string]any, source string) (*domain.Signal, error) {
	sig, err := normalize.Normalize(raw, source)
	if err != nil {
		if e.metrics != nil && errors.Is(err, normalize.ErrMalformedSignal) {
			e.metrics.SignalsRejected.WithLabelValues(domain.ReasonMalformedSignal).Inc()
		}
		return nil, err
	}
	if err := e.store.InsertSignal(ctx, sig); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return e.store.GetSignal(ctx, sig.SignalID)
		}
		return nil, fmt.Errorf("insert signal: %w", err)
	}
	if e.metrics != nil {
		e.metrics.SignalsIngested.Inc()
	}
	return sig, nil
}

// EvaluatePending evaluates up to limit undecided signals. Signals
// waiting on a verification retry window stay pending.
func (e *Engine) EvaluatePending(ctx context.Context, limit int) error {
	pending, err := e.store.ListUndecidedSignals(ctx, limit)
	if err != nil {
		return fmt.Errorf("list undecided signals: %w", err)
	}
	for _, sig := range pending {
		if _, err := e.Evaluate(ctx, sig); err != nil {
			e.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("evaluation failed")
		}
	}
	return nil
}

// Evaluate runs the full pipeline for one signal. It returns the
// terminal decision, or (nil, nil) when the signal stays pending on a
// retry window or another worker's claim. Evaluating an already
// decided signal returns the stored decision.
func (e *Engine) Evaluate(ctx context.Context, sig *domain.Signal) (*domain.DecisionRecord, error) {
	if existing, err := e.store.GetDecisionBySignal(ctx, sig.SignalID); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check existing decision: %w", err)
	}

	nowMs := e.nowFn()

	policy, err := e.store.GetActivePolicy(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return e.recordTerminal(ctx, sig, terminal{
			result: domain.ResultBlock,
			reason: domain.ReasonPolicyConfigMissing,
		}, nowMs)
	}
	if err != nil {
		return nil, fmt.Errorf("load active policy: %w", err)
	}

	pkt, snap, err := e.buildPacket(ctx, sig, policy, nowMs)
	if err != nil {
		return nil, err
	}

	trace, passed := e.early.Evaluate(pkt, snap)
	if !passed {
		return e.recordGateBlock(ctx, sig, policy, trace, nowMs)
	}

	res, pending, term := e.runVerification(ctx, sig, nowMs)
	if pending {
		return nil, nil
	}
	if term != nil {
		term.trace = trace
		term.policyVersion = policy.Version
		return e.recordTerminal(ctx, sig, *term, nowMs)
	}

	if t := e.judge(res, policy); t != nil {
		t.trace = trace
		t.policyVersion = policy.Version
		return e.recordTerminal(ctx, sig, *t, nowMs)
	}

	lateTrace, passed := e.late.Evaluate(pkt, snap)
	trace = append(trace, lateTrace...)
	if !passed {
		return e.recordGateBlockWithVerification(ctx, sig, policy, trace, res, nowMs)
	}

	return e.execute(ctx, sig, policy, trace, res, pkt, nowMs)
}

// buildPacket assembles the pure inputs the gates consume: control
// state, the latest quote, instrument age and the portfolio snapshot.
func (e *Engine) buildPacket(ctx context.Context, sig *domain.Signal, policy *domain.PolicyConfiguration, nowMs int64) (*gates.DecisionPacket, *portfolio.Snapshot, error) {
	// A kill-switch read error counts as the switch being on.
	killActive, err := e.ctrl.KillSwitchActive(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("kill switch read failed, failing closed")
		killActive = true
	}

	pkt := &gates.DecisionPacket{
		Signal:           sig,
		Policy:           policy,
		NowMs:            nowMs,
		KillSwitchActive: killActive,
		SizeUSD:          policy.PositionSizeUSD,
	}

	if quote, err := e.adapter.GetQuote(ctx, sig.TokenID); err == nil {
		pkt.QuotePrice = quote.Price
		pkt.QuoteTimestampMs = quote.TimestampMs
		pkt.SpreadBps = quote.SpreadBps
		if quote.ListedAtMs != nil {
			age := nowMs - *quote.ListedAtMs
			pkt.InstrumentAgeMs = &age
		}
	} else if !errors.Is(err, exchange.ErrNoQuote) {
		e.log.Warn().Err(err).Str("token_id", sig.TokenID).Msg("quote fetch failed")
	}

	if pkt.InstrumentAgeMs == nil {
		if firstSeen, err := e.store.FirstSeenMs(ctx, sig.TokenID); err == nil {
			age := nowMs - firstSeen
			pkt.InstrumentAgeMs = &age
		}
	}

	if until, err := e.ctrl.CooldownUntil(ctx, sig.TokenID); err == nil {
		pkt.CooldownUntilMs = until
	} else {
		e.log.Warn().Err(err).Str("token_id", sig.TokenID).Msg("cooldown read failed")
	}

	snap, err := e.snapshots.Snapshot(ctx, nowMs)
	if err != nil {
		return nil, nil, fmt.Errorf("build portfolio snapshot: %w", err)
	}
	return pkt, snap, nil
}

// runVerification claims a durable retry attempt and calls the
// verifier. Returns the result, or pending=true when the signal must
// wait for its retry window, or a terminal outcome when retries are
// exhausted or the verdict payload is malformed.
func (e *Engine) runVerification(ctx context.Context, sig *domain.Signal, nowMs int64) (*domain.VerificationResult, bool, *terminal) {
	attempt, ok, err := e.store.ClaimRetry(ctx, sig.SignalID, nowMs, e.cfg.RetryLeaseMs)
	if err != nil {
		e.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("retry claim failed")
		return nil, true, nil
	}
	if !ok {
		return nil, true, nil
	}

	maxAttempts := 1 + len(e.cfg.RetryDelaysMs)
	if attempt > maxAttempts {
		return nil, false, &terminal{result: domain.ResultBlock, reason: domain.ReasonVerificationTimeout}
	}

	start := time.Now()
	res, err := e.verifier.Verify(ctx, sig)
	if e.metrics != nil {
		e.metrics.VerifyLatency.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		if e.metrics != nil {
			e.metrics.VerificationCalls.WithLabelValues("ok").Inc()
		}
		return res, false, nil
	}

	if errors.Is(err, verify.ErrParse) {
		if e.metrics != nil {
			e.metrics.VerificationCalls.WithLabelValues("parse_error").Inc()
		}
		e.log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("verification payload malformed")
		return nil, false, &terminal{result: domain.ResultBlock, reason: domain.ReasonVerificationParse}
	}

	// Transient failure. Exhausted attempts terminate BLOCK; otherwise
	// the signal waits for its backoff window.
	if e.metrics != nil {
		e.metrics.VerificationCalls.WithLabelValues("transient_error").Inc()
	}
	if attempt >= maxAttempts {
		e.log.Warn().Err(err).Str("signal_id", sig.SignalID).Int("attempts", attempt).Msg("verification retries exhausted")
		return nil, false, &terminal{result: domain.ResultBlock, reason: domain.ReasonVerificationTimeout}
	}
	delay := e.cfg.RetryDelaysMs[attempt-1]
	if rerr := e.store.RescheduleRetry(ctx, sig.SignalID, nowMs+delay); rerr != nil {
		e.log.Error().Err(rerr).Str("signal_id", sig.SignalID).Msg("retry reschedule failed")
	}
	e.log.Info().Err(err).Str("signal_id", sig.SignalID).Int("attempt", attempt).Int64("retry_in_ms", delay).Msg("verification retry scheduled")
	return nil, true, nil
}

// judge applies the verdict contract. Rugpull flags and REJECT fail
// closed unconditionally; REVISE is terminal SKIP; missing confidence
// fails closed outside probe mode.
func (e *Engine) judge(res *domain.VerificationResult, policy *domain.PolicyConfiguration) *terminal {
	if len(res.RugpullFlags) > 0 {
		return &terminal{result: domain.ResultBlock, reason: domain.ReasonRugpullFlagged, verification: res}
	}
	switch res.Verdict {
	case domain.VerdictReject:
		return &terminal{result: domain.ResultBlock, reason: domain.ReasonVerdictReject, verification: res}
	case domain.VerdictRevise:
		return &terminal{result: domain.ResultSkip, reason: domain.ReasonVerdictRevise, verification: res}
	}

	if res.TrustScore < policy.MinTrustScore {
		return &terminal{result: domain.ResultBlock, reason: domain.ReasonLowTrust, verification: res}
	}

	if res.Confidence == nil {
		if e.cfg.Mode != domain.ModeProbe {
			return &terminal{result: domain.ResultBlock, reason: domain.ReasonVerificationParse, verification: res}
		}
		def := policy.ProbeDefaultConfidence
		res.Confidence = &def
		res.DefaultedConfidence = true
	}
	if *res.Confidence < policy.MinConfidence {
		return &terminal{result: domain.ResultBlock, reason: domain.ReasonLowConfidence, verification: res}
	}
	return nil
}

// execute opens the position: bandit strategy selection, cost-model
// entry pricing, the venue order, then the atomic decision+position+
// fill commit.
func (e *Engine) execute(
	ctx context.Context,
	sig *domain.Signal,
	policy *domain.PolicyConfiguration,
	trace []domain.GateOutcome,
	res *domain.VerificationResult,
	pkt *gates.DecisionPacket,
	nowMs int64,
) (*domain.DecisionRecord, error) {
	strategyID := e.cfg.DefaultStrategy
	if states, err := e.store.ListBanditStates(ctx); err == nil && len(states) > 0 {
		if picked := e.sampler.Pick(states); picked != "" {
			strategyID = picked
		}
	}

	leg := costmodel.EntryLeg(sig.Direction, pkt.QuotePrice, policy.PositionSizeUSD, costmodel.Params{
		SlippageBps: policy.SlippageBps,
		FeeBps:      policy.FeeBps,
	})

	orderFill, err := e.adapter.PlaceOrder(ctx, &exchange.Order{
		TokenID:    sig.TokenID,
		Side:       leg.Side,
		Qty:        leg.Qty,
		LimitPrice: leg.ExecPrice,
		Venue:      e.cfg.Venue,
	})
	if err != nil {
		return nil, fmt.Errorf("place entry order: %w", err)
	}

	positionID := uuid.NewString()
	decision := &domain.DecisionRecord{
		DecisionID:             uuid.NewString(),
		SignalRef:              sig.SignalID,
		Result:                 domain.ResultExecute,
		ReasonCode:             domain.ReasonExecuted,
		GateTrace:              trace,
		VerificationVerdict:    string(res.Verdict),
		VerificationTrust:      &res.TrustScore,
		VerificationConfidence: res.Confidence,
		PolicyVersion:          policy.Version,
		CreatedAtMs:            nowMs,
	}
	position := &domain.Position{
		PositionID:           positionID,
		TokenID:              sig.TokenID,
		Side:                 sig.Direction,
		StrategyID:           strategyID,
		SourceID:             sig.Source,
		EntryPrice:           orderFill.ExecPrice,
		EntryExpectedPrice:   leg.ExpectedPrice,
		EntryFee:             leg.Fee,
		SizeUSD:              policy.PositionSizeUSD,
		Qty:                  orderFill.Qty,
		Status:               domain.StatusOpen,
		OpenedAtMs:           nowMs,
		HighWater:            orderFill.ExecPrice,
		LowWater:             orderFill.ExecPrice,
		PolicyVersionAtEntry: policy.Version,
		DecisionID:           decision.DecisionID,
	}
	fill := &domain.Fill{
		FillID:        uuid.NewString(),
		PositionID:    positionID,
		Side:          leg.Side,
		ExpectedPrice: leg.ExpectedPrice,
		ExecPrice:     orderFill.ExecPrice,
		Qty:           orderFill.Qty,
		Notional:      orderFill.Qty * orderFill.ExecPrice,
		Fee:           leg.Fee,
		SlippageBps:   leg.SlippageBps,
		Venue:         orderFill.Venue,
		CreatedAtMs:   nowMs,
	}

	if err := e.store.RecordExecution(ctx, decision, position, fill); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// A racing evaluation won the signal_ref slot. Return its
			// decision; no second position was opened.
			return e.store.GetDecisionBySignal(ctx, sig.SignalID)
		}
		return nil, fmt.Errorf("record execution: %w", err)
	}

	e.finishTerminal(ctx, sig, decision)
	e.log.Info().
		Str("signal_id", sig.SignalID).
		Str("position_id", positionID).
		Str("strategy_id", strategyID).
		Float64("entry_price", orderFill.ExecPrice).
		Msg("position opened")
	return decision, nil
}

// terminal is a pending BLOCK/SKIP outcome before it becomes a record.
type terminal struct {
	result        domain.DecisionResult
	reason        string
	trace         []domain.GateOutcome
	verification  *domain.VerificationResult
	policyVersion int64
}

func (e *Engine) recordGateBlock(ctx context.Context, sig *domain.Signal, policy *domain.PolicyConfiguration, trace []domain.GateOutcome, nowMs int64) (*domain.DecisionRecord, error) {
	return e.recordTerminal(ctx, sig, terminal{
		result:        domain.ResultBlock,
		reason:        gateBlockReason(trace),
		trace:         trace,
		policyVersion: policy.Version,
	}, nowMs)
}

func (e *Engine) recordGateBlockWithVerification(ctx context.Context, sig *domain.Signal, policy *domain.PolicyConfiguration, trace []domain.GateOutcome, res *domain.VerificationResult, nowMs int64) (*domain.DecisionRecord, error) {
	return e.recordTerminal(ctx, sig, terminal{
		result:        domain.ResultBlock,
		reason:        gateBlockReason(trace),
		trace:         trace,
		verification:  res,
		policyVersion: policy.Version,
	}, nowMs)
}

// gateBlockReason names the failing gate so every BLOCK is traceable
// to exactly one gate. A gate that panicked reports the evaluation
// error code instead of its name.
func gateBlockReason(trace []domain.GateOutcome) string {
	if len(trace) == 0 {
		return domain.ReasonGateEvaluation
	}
	last := trace[len(trace)-1]
	if last.Evidence["error"] == domain.ReasonGateEvaluation {
		return domain.ReasonGateEvaluation
	}
	return last.Gate
}

// recordTerminal writes one BLOCK/SKIP decision. A duplicate-key
// answer means another worker already terminated this signal; its
// record wins.
func (e *Engine) recordTerminal(ctx context.Context, sig *domain.Signal, t terminal, nowMs int64) (*domain.DecisionRecord, error) {
	d := &domain.DecisionRecord{
		DecisionID:    uuid.NewString(),
		SignalRef:     sig.SignalID,
		Result:        t.result,
		ReasonCode:    t.reason,
		GateTrace:     t.trace,
		PolicyVersion: t.policyVersion,
		CreatedAtMs:   nowMs,
	}
	if t.verification != nil {
		d.VerificationVerdict = string(t.verification.Verdict)
		d.VerificationTrust = &t.verification.TrustScore
		d.VerificationConfidence = t.verification.Confidence
	}

	if err := e.store.RecordDecision(ctx, d); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return e.store.GetDecisionBySignal(ctx, sig.SignalID)
		}
		return nil, fmt.Errorf("record decision: %w", err)
	}

	e.finishTerminal(ctx, sig, d)
	return d, nil
}

// finishTerminal runs the post-commit bookkeeping shared by every
// terminal path: retry cleanup, metrics and notification.
func (e *Engine) finishTerminal(ctx context.Context, sig *domain.Signal, d *domain.DecisionRecord) {
	if err := e.store.ClearRetry(ctx, sig.SignalID); err != nil {
		e.log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("retry cleanup failed")
	}
	if e.metrics != nil {
		e.metrics.Decisions.WithLabelValues(string(d.Result)).Inc()
		if d.Result == domain.ResultBlock && len(d.GateTrace) > 0 && !d.GateTrace[len(d.GateTrace)-1].Pass {
			e.metrics.GateBlocks.WithLabelValues(d.GateTrace[len(d.GateTrace)-1].Gate).Inc()
		}
	}
	if e.notifier != nil {
		e.notifier.NotifyDecision(ctx, d)
	}
}
