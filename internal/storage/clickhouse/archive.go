package clickhouse

import (
	"context"
	"fmt"

	"signaldesk/internal/domain"
)

// Archive mirrors ledger data into ClickHouse for research queries.
// The Postgres ledger stays authoritative; ReplacingMergeTree absorbs
// re-archives of the same rows, so callers may retry freely.
type Archive struct {
	conn *Conn
}

// NewArchive creates a new Archive.
func NewArchive(conn *Conn) *Archive {
	return &Archive{conn: conn}
}

// ArchiveTradeOutcomes batch-inserts closed positions. Positions that
// are not CLOSED are skipped.
func (a *Archive) ArchiveTradeOutcomes(ctx context.Context, positions []*domain.Position) error {
	if len(positions) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO trade_outcomes (
			position_id, token_id, side, strategy_id, source_id,
			entry_price, close_price, close_reason, size_usd,
			pnl_gross, fees_total, pnl_net, reward_bin, reward_real,
			policy_version, opened_at_ms, closed_at_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range positions {
		if p.Status != domain.StatusClosed || p.ClosePrice == nil {
			continue
		}
		var rewardBin uint8
		if p.RewardBin != nil && *p.RewardBin == 1 {
			rewardBin = 1
		}
		err = batch.Append(
			p.PositionID, p.TokenID, string(p.Side), p.StrategyID, p.SourceID,
			p.EntryPrice, *p.ClosePrice, p.CloseReason, p.SizeUSD,
			deref(p.PnLGross), deref(p.FeesTotal), deref(p.PnLNet),
			rewardBin, deref(p.RewardReal),
			p.PolicyVersionAtEntry, p.OpenedAtMs, deref64(p.ClosedAtMs),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ArchiveWalkForwardRun flattens a run into one row per fold, using
// the candidate window metrics.
func (a *Archive) ArchiveWalkForwardRun(ctx context.Context, r *domain.WalkForwardRun) error {
	if r == nil || len(r.Folds) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO walkforward_folds (
			run_id, fold, test_from_ms, test_to_ms, candidate_version,
			trades, net_pnl_usd, gross_pnl_usd, win_rate, profit_factor,
			max_drawdown, sharpe, promoted, started_at_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	var promoted uint8
	if r.Promoted {
		promoted = 1
	}
	for _, f := range r.Folds {
		m := f.Candidate
		err = batch.Append(
			r.RunID, int32(f.Fold), f.TestFromMs, f.TestToMs, r.CandidateVersion,
			int32(m.Trades), m.NetPnLUSD, m.GrossPnLUSD, m.WinRate, m.ProfitFactor,
			m.MaxDrawdown, m.Sharpe, promoted, r.StartedAtMs,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func deref64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
