// Package learner turns closed positions into bandit and source-score
// updates. It never recomputes win/loss from price data: the reward
// stored on the Position row is the single source of truth, and the
// ledger's processed-set claim makes every update exactly-once.
package learner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"signaldesk/internal/domain"
	"signaldesk/internal/observability"
	"signaldesk/internal/storage"
)

// Archiver mirrors applied outcomes into the analytics store. Optional;
// archive failures are logged, never propagated into learning state.
type Archiver interface {
	ArchiveTradeOutcomes(ctx context.Context, positions []*domain.Position) error
}

// RegimeFunc labels the market regime a position traded in, keying the
// bandit state alongside the strategy.
type RegimeFunc func(p *domain.Position) string

// DefaultRegime buckets nothing; every position shares one regime.
func DefaultRegime(_ *domain.Position) string { return "default" }

// Learner is the sweep worker over newly closed positions.
type Learner struct {
	store      storage.Ledger
	archiver   Archiver
	regime     RegimeFunc
	lookbackMs int64
	metrics    *observability.Metrics
	log        zerolog.Logger
}

// New creates a Learner. archiver may be nil.
func New(store storage.Ledger, archiver Archiver, regime RegimeFunc, lookbackMs int64, metrics *observability.Metrics, log zerolog.Logger) *Learner {
	if regime == nil {
		regime = DefaultRegime
	}
	return &Learner{
		store:      store,
		archiver:   archiver,
		regime:     regime,
		lookbackMs: lookbackMs,
		metrics:    metrics,
		log:        log.With().Str("component", "learner").Logger(),
	}
}

// Sweep applies every unprocessed close in the lookback window. Safe
// to run concurrently with itself: the processed-set claim in
// ApplyOutcome turns replays into no-ops.
func (l *Learner) Sweep(ctx context.Context, nowMs int64) error {
	closed, err := l.store.ListClosedPositions(ctx, nowMs-l.lookbackMs, nowMs)
	if err != nil {
		return fmt.Errorf("list closed positions: %w", err)
	}

	var archived []*domain.Position
	for _, p := range closed {
		if p.RewardBin == nil || p.RewardReal == nil {
			l.log.Warn().Str("position_id", p.PositionID).Msg("closed position missing reward, skipping")
			continue
		}
		applied, err := l.store.ApplyOutcome(ctx, &storage.OutcomeUpdate{
			PositionID:  p.PositionID,
			StrategyID:  p.StrategyID,
			Regime:      l.regime(p),
			SourceID:    p.SourceID,
			RewardBin:   *p.RewardBin,
			RewardReal:  *p.RewardReal,
			UpdatedAtMs: nowMs,
		})
		if err != nil {
			return fmt.Errorf("apply outcome %s: %w", p.PositionID, err)
		}
		if !applied {
			continue
		}
		if l.metrics != nil {
			l.metrics.LearnerApplied.Inc()
		}
		l.log.Debug().
			Str("position_id", p.PositionID).
			Str("strategy_id", p.StrategyID).
			Int("reward_bin", *p.RewardBin).
			Msg("outcome applied")
		archived = append(archived, p)
	}

	if l.archiver != nil && len(archived) > 0 {
		if err := l.archiver.ArchiveTradeOutcomes(ctx, archived); err != nil {
			l.log.Warn().Err(err).Int("count", len(archived)).Msg("archive failed")
		}
	}
	return nil
}
