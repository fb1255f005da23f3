package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// ApplyOutcome claims the position in the processed set and applies
// the bandit and source-score upserts, all in one transaction. The
// ON CONFLICT DO NOTHING claim is the idempotency guard: zero rows
// affected means another run already processed this position, and the
// transaction commits without touching learning state.
func (l *Ledger) ApplyOutcome(ctx context.Context, u *storage.OutcomeUpdate) (bool, error) {
	if u == nil || u.PositionID == "" || u.StrategyID == "" || u.SourceID == "" {
		return false, storage.ErrInvalidInput
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin outcome tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_positions (position_id, processed_at_ms)
		VALUES ($1, $2)
		ON CONFLICT (position_id) DO NOTHING
	`, u.PositionID, u.UpdatedAtMs)
	if err != nil {
		return false, fmt.Errorf("claim processed position: %w", mapWriteError(err))
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	// alpha/beta track the (1,1) uniform prior plus per-outcome
	// increments, keeping alpha == 1 + win_count and
	// beta == 1 + (trade_count - win_count).
	_, err = tx.Exec(ctx, `
		INSERT INTO bandit_state (strategy_id, regime, alpha, beta, trade_count, win_count, updated_at_ms)
		VALUES ($1, $2, 1 + $3, 2 - $3, 1, $3, $4)
		ON CONFLICT (strategy_id, regime) DO UPDATE SET
			alpha = bandit_state.alpha + $3,
			beta = bandit_state.beta + (1 - $3),
			trade_count = bandit_state.trade_count + 1,
			win_count = bandit_state.win_count + $3,
			updated_at_ms = $4
	`, u.StrategyID, u.Regime, u.RewardBin, u.UpdatedAtMs)
	if err != nil {
		return false, fmt.Errorf("update bandit state: %w", mapWriteError(err))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO source_scores (source_id, trade_count, win_count, sum_reward, updated_at_ms)
		VALUES ($1, 1, $2, $3, $4)
		ON CONFLICT (source_id) DO UPDATE SET
			trade_count = source_scores.trade_count + 1,
			win_count = source_scores.win_count + $2,
			sum_reward = source_scores.sum_reward + $3,
			updated_at_ms = $4
	`, u.SourceID, u.RewardBin, u.RewardReal, u.UpdatedAtMs)
	if err != nil {
		return false, fmt.Errorf("update source score: %w", mapWriteError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit outcome: %w", err)
	}
	return true, nil
}

// GetBanditState returns the state for a strategy/regime pair.
func (l *Ledger) GetBanditState(ctx context.Context, strategyID, regime string) (*domain.BanditState, error) {
	row := l.pool.QueryRow(ctx, selectBandit+` WHERE strategy_id = $1 AND regime = $2`, strategyID, regime)
	b, err := scanBandit(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get bandit state: %w", err)
	}
	return b, nil
}

// ListBanditStates returns all bandit states.
func (l *Ledger) ListBanditStates(ctx context.Context) ([]*domain.BanditState, error) {
	rows, err := l.pool.Query(ctx, selectBandit+` ORDER BY strategy_id ASC, regime ASC`)
	if err != nil {
		return nil, fmt.Errorf("list bandit states: %w", err)
	}
	defer rows.Close()

	var states []*domain.BanditState
	for rows.Next() {
		b, err := scanBandit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bandit row: %w", err)
		}
		states = append(states, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bandit rows: %w", err)
	}
	return states, nil
}

// GetSourceScore returns the score for a source.
func (l *Ledger) GetSourceScore(ctx context.Context, sourceID string) (*domain.SourceScore, error) {
	row := l.pool.QueryRow(ctx, selectSourceScore+` WHERE source_id = $1`, sourceID)
	s, err := scanSourceScore(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get source score: %w", err)
	}
	return s, nil
}

// ListSourceScores returns all source scores.
func (l *Ledger) ListSourceScores(ctx context.Context) ([]*domain.SourceScore, error) {
	rows, err := l.pool.Query(ctx, selectSourceScore+` ORDER BY source_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list source scores: %w", err)
	}
	defer rows.Close()

	var scores []*domain.SourceScore
	for rows.Next() {
		s, err := scanSourceScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source score row: %w", err)
		}
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source score rows: %w", err)
	}
	return scores, nil
}

const selectBandit = `
	SELECT strategy_id, regime, alpha, beta, trade_count, win_count, updated_at_ms
	FROM bandit_state
`

func scanBandit(row pgx.Row) (*domain.BanditState, error) {
	var b domain.BanditState
	err := row.Scan(&b.StrategyID, &b.Regime, &b.Alpha, &b.Beta, &b.TradeCount, &b.WinCount, &b.UpdatedAtMs)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

const selectSourceScore = `
	SELECT source_id, trade_count, win_count, sum_reward, updated_at_ms
	FROM source_scores
`

func scanSourceScore(row pgx.Row) (*domain.SourceScore, error) {
	var s domain.SourceScore
	err := row.Scan(&s.SourceID, &s.TradeCount, &s.WinCount, &s.SumReward, &s.UpdatedAtMs)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
