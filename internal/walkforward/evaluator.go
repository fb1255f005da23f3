// Package walkforward re-scores historical closed trades under
// candidate policy configurations with rolling train/test splits, and
// promotes a candidate only when it clears explicit, net-PnL-based
// hurdles. Every run is persisted as an audit record whether or not it
// promotes.
package walkforward

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signaldesk/internal/domain"
	"signaldesk/internal/observability"
	"signaldesk/internal/storage"
)

// Archiver mirrors run results into the analytics store. Optional.
type Archiver interface {
	ArchiveWalkForwardRun(ctx context.Context, r *domain.WalkForwardRun) error
}

// Config are the evaluation window and promotion hurdles.
type Config struct {
	WindowMs int64
	Folds    int

	// Promotion hurdles. All must clear, and the candidate's pooled
	// net PnL must be positive regardless of how it compares to the
	// active policy; a fee-blind candidate with positive gross but
	// negative net can never promote.
	MinTrades            int
	MaxDrawdownUSD       float64
	MinMedianImprovement float64
}

// Evaluator runs walk-forward evaluations against the ledger.
type Evaluator struct {
	store    storage.Ledger
	archiver Archiver
	cfg      Config
	metrics  *observability.Metrics
	log      zerolog.Logger

	nowFn func() int64
}

// New creates an Evaluator. archiver and metrics may be nil.
func New(store storage.Ledger, archiver Archiver, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Evaluator {
	if cfg.Folds <= 0 {
		cfg.Folds = 4
	}
	return &Evaluator{
		store:    store,
		archiver: archiver,
		cfg:      cfg,
		metrics:  metrics,
		log:      log.With().Str("component", "walkforward").Logger(),
		nowFn:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Run evaluates one candidate against the active policy over the
// configured window and persists the audit record. On promotion the
// candidate is stored as a new version and the active pointer moves.
func (e *Evaluator) Run(ctx context.Context, candidate *domain.PolicyConfiguration) (*domain.WalkForwardRun, error) {
	nowMs := e.nowFn()
	fromMs := nowMs - e.cfg.WindowMs

	active, err := e.store.GetActivePolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active policy: %w", err)
	}

	closed, err := e.store.ListClosedPositions(ctx, fromMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}
	decisions, err := e.decisionIndex(ctx, fromMs, nowMs)
	if err != nil {
		return nil, err
	}

	run := &domain.WalkForwardRun{
		RunID:         uuid.NewString(),
		StartedAtMs:   nowMs,
		WindowFromMs:  fromMs,
		WindowToMs:    nowMs,
		ActiveVersion: active.Version,
	}

	var activeAll, candAll []TradeOutcome
	foldSpan := e.cfg.WindowMs / int64(e.cfg.Folds)
	for i := 0; i < e.cfg.Folds; i++ {
		testFrom := fromMs + int64(i)*foldSpan
		testTo := testFrom + foldSpan
		if i == e.cfg.Folds-1 {
			testTo = nowMs
		}

		activeTrades := selectTrades(closed, decisions, active, testFrom, testTo, false)
		candTrades := selectTrades(closed, decisions, candidate, testFrom, testTo, true)
		activeAll = append(activeAll, activeTrades...)
		candAll = append(candAll, candTrades...)

		run.Folds = append(run.Folds, domain.FoldResult{
			Fold:        i,
			TrainFromMs: fromMs,
			TrainToMs:   testFrom,
			TestFromMs:  testFrom,
			TestToMs:    testTo,
			Active:      ComputeMetrics(activeTrades),
			Candidate:   ComputeMetrics(candTrades),
		})
	}

	activeMetrics := ComputeMetrics(activeAll)
	candMetrics := ComputeMetrics(candAll)
	run.Promoted, run.Reason = e.decide(activeMetrics, candMetrics)

	if run.Promoted {
		version, err := e.store.LatestPolicyVersion(ctx)
		if err != nil {
			return nil, fmt.Errorf("latest policy version: %w", err)
		}
		promoted := *candidate
		promoted.Version = version + 1
		promoted.CreatedAtMs = nowMs
		if err := e.store.InsertPolicy(ctx, &promoted); err != nil {
			return nil, fmt.Errorf("insert promoted policy: %w", err)
		}
		if err := e.store.SetActivePolicy(ctx, promoted.Version); err != nil {
			return nil, fmt.Errorf("activate promoted policy: %w", err)
		}
		run.CandidateVersion = promoted.Version
		e.log.Info().Int64("version", promoted.Version).Str("reason", run.Reason).Msg("candidate promoted")
	} else {
		e.log.Info().Str("reason", run.Reason).Msg("candidate held")
	}

	if err := e.store.InsertWalkForwardRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	if e.archiver != nil {
		if err := e.archiver.ArchiveWalkForwardRun(ctx, run); err != nil {
			e.log.Warn().Err(err).Str("run_id", run.RunID).Msg("archive failed")
		}
	}
	if e.metrics != nil {
		outcome := "held"
		if run.Promoted {
			outcome = "promoted"
		}
		e.metrics.WalkForwardRuns.WithLabelValues(outcome).Inc()
	}
	return run, nil
}

// decide applies the promotion hurdles in order and names the first
// one that fails.
func (e *Evaluator) decide(active, cand domain.WindowMetrics) (bool, string) {
	if cand.Trades < e.cfg.MinTrades {
		return false, fmt.Sprintf("insufficient trades: %d < %d", cand.Trades, e.cfg.MinTrades)
	}
	if e.cfg.MaxDrawdownUSD > 0 && cand.MaxDrawdown > e.cfg.MaxDrawdownUSD {
		return false, fmt.Sprintf("drawdown %.2f exceeds ceiling %.2f", cand.MaxDrawdown, e.cfg.MaxDrawdownUSD)
	}
	if cand.NetPnLUSD <= 0 {
		return false, fmt.Sprintf("net pnl not positive: %.2f (gross %.2f)", cand.NetPnLUSD, cand.GrossPnLUSD)
	}
	improvement := cand.MedianNetPnL - active.MedianNetPnL
	if improvement <= e.cfg.MinMedianImprovement {
		return false, fmt.Sprintf("median improvement %.4f below margin %.4f", improvement, e.cfg.MinMedianImprovement)
	}
	return true, fmt.Sprintf("median improvement %.4f over %d trades", improvement, cand.Trades)
}

// decisionIndex maps decision IDs to records for the re-scoring
// filter. Decisions predate their positions' closes, so the lookup
// range extends a day before the trade window.
func (e *Evaluator) decisionIndex(ctx context.Context, fromMs, toMs int64) (map[string]*domain.DecisionRecord, error) {
	const dayMs = int64(24 * 60 * 60 * 1000)
	records, err := e.store.ListDecisions(ctx, fromMs-dayMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	index := make(map[string]*domain.DecisionRecord, len(records))
	for _, d := range records {
		index[d.DecisionID] = d
	}
	return index, nil
}

// selectTrades picks the closed positions in [fromMs, toMs) that the
// given policy would have entered, re-scored to its position size.
// Fees and slippage scale linearly with size, so net PnL scales by the
// size ratio. When rescore is false the trades pass through as
// recorded.
func selectTrades(closed []*domain.Position, decisions map[string]*domain.DecisionRecord, pol *domain.PolicyConfiguration, fromMs, toMs int64, rescore bool) []TradeOutcome {
	var out []TradeOutcome
	for _, p := range closed {
		if p.ClosedAtMs == nil || *p.ClosedAtMs < fromMs || *p.ClosedAtMs >= toMs {
			continue
		}
		if p.PnLNet == nil || p.PnLGross == nil {
			continue
		}
		net, gross := *p.PnLNet, *p.PnLGross

		if rescore {
			d, ok := decisions[p.DecisionID]
			if !ok {
				continue
			}
			if d.VerificationTrust != nil && *d.VerificationTrust < pol.MinTrustScore {
				continue
			}
			if d.VerificationConfidence != nil && *d.VerificationConfidence < pol.MinConfidence {
				continue
			}
			if p.SizeUSD > 0 && pol.PositionSizeUSD > 0 {
				scale := pol.PositionSizeUSD / p.SizeUSD
				net *= scale
				gross *= scale
			}
		}
		out = append(out, TradeOutcome{NetPnLUSD: net, GrossPnLUSD: gross, ClosedAtMs: *p.ClosedAtMs})
	}
	return out
}
