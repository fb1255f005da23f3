package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// GetPosition retrieves a position by ID. Returns ErrNotFound if not exists.
func (l *Ledger) GetPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	row := l.pool.QueryRow(ctx, selectPosition+` WHERE position_id = $1`, positionID)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListOpenPositions returns all OPEN positions ordered by opened_at ASC.
func (l *Ledger) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	query := selectPosition + `
		WHERE status = 'OPEN'
		ORDER BY opened_at_ms ASC, position_id ASC
	`

	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// ListClosedPositions returns CLOSED positions with closed_at in [fromMs, toMs].
func (l *Ledger) ListClosedPositions(ctx context.Context, fromMs, toMs int64) ([]*domain.Position, error) {
	query := selectPosition + `
		WHERE status = 'CLOSED' AND closed_at_ms >= $1 AND closed_at_ms <= $2
		ORDER BY closed_at_ms ASC, position_id ASC
	`

	rows, err := l.pool.Query(ctx, query, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// UpdateWatermarks persists trailing-stop watermarks. The status
// condition makes this a no-op on rows a concurrent close already
// flipped.
func (l *Ledger) UpdateWatermarks(ctx context.Context, positionID string, highWater, lowWater float64) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE positions SET high_water = $2, low_water = $3
		WHERE position_id = $1 AND status = 'OPEN'
	`, positionID, highWater, lowWater)
	if err != nil {
		return fmt.Errorf("update watermarks: %w", err)
	}
	return nil
}

// ClosePosition performs the single atomic close. The conditional
// UPDATE ... WHERE status = 'OPEN' serializes concurrent closes on the
// same row: the loser matches zero rows and gets ErrAlreadyClosed,
// with the exit fill never written.
func (l *Ledger) ClosePosition(ctx context.Context, c *storage.PositionClose) error {
	if c == nil || c.PositionID == "" || c.ExitFill == nil {
		return storage.ErrInvalidInput
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin close tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE positions SET
			status = 'CLOSED',
			close_price = $2,
			close_reason = $3,
			closed_at_ms = $4,
			pnl_gross = $5,
			fees_total = $6,
			pnl_net = $7,
			reward_bin = $8,
			reward_real = $9
		WHERE position_id = $1 AND status = 'OPEN'
	`,
		c.PositionID, c.ClosePrice, c.CloseReason, c.ClosedAtMs,
		c.PnLGross, c.FeesTotal, c.PnLNet, c.RewardBin, c.RewardReal,
	)
	if err != nil {
		return fmt.Errorf("close position update: %w", mapWriteError(err))
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM positions WHERE position_id = $1`, c.PositionID).Scan(&status)
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("close position status check: %w", err)
		}
		return storage.ErrAlreadyClosed
	}

	if err := insertFill(ctx, tx, c.ExitFill); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit close: %w", err)
	}
	return nil
}

// ListFills returns all fills for a position ordered by created_at ASC.
func (l *Ledger) ListFills(ctx context.Context, positionID string) ([]*domain.Fill, error) {
	query := `
		SELECT
			fill_id, position_id, side, expected_price, exec_price,
			qty, notional, fee, slippage_bps, venue, created_at_ms
		FROM fills
		WHERE position_id = $1
		ORDER BY created_at_ms ASC, fill_id ASC
	`

	rows, err := l.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	defer rows.Close()

	var fills []*domain.Fill
	for rows.Next() {
		var f domain.Fill
		err := rows.Scan(
			&f.FillID, &f.PositionID, &f.Side, &f.ExpectedPrice, &f.ExecPrice,
			&f.Qty, &f.Notional, &f.Fee, &f.SlippageBps, &f.Venue, &f.CreatedAtMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fill row: %w", err)
		}
		fills = append(fills, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fill rows: %w", err)
	}
	return fills, nil
}

// insertFill writes one fill inside an open transaction.
func insertFill(ctx context.Context, tx pgx.Tx, f *domain.Fill) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO fills (
			fill_id, position_id, side, expected_price, exec_price,
			qty, notional, fee, slippage_bps, venue, created_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		f.FillID, f.PositionID, f.Side, f.ExpectedPrice, f.ExecPrice,
		f.Qty, f.Notional, f.Fee, f.SlippageBps, f.Venue, f.CreatedAtMs,
	)
	if err != nil {
		if mapped := mapWriteError(err); errors.Is(mapped, storage.ErrDuplicateKey) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

const selectPosition = `
	SELECT
		position_id, token_id, side, strategy_id, source_id,
		entry_price, entry_expected_price, entry_fee, size_usd, qty,
		status, opened_at_ms, high_water, low_water,
		close_price, close_reason, closed_at_ms,
		pnl_gross, fees_total, pnl_net, reward_bin, reward_real,
		policy_version_at_entry, decision_id
	FROM positions
`

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.PositionID, &p.TokenID, &p.Side, &p.StrategyID, &p.SourceID,
		&p.EntryPrice, &p.EntryExpectedPrice, &p.EntryFee, &p.SizeUSD, &p.Qty,
		&p.Status, &p.OpenedAtMs, &p.HighWater, &p.LowWater,
		&p.ClosePrice, &p.CloseReason, &p.ClosedAtMs,
		&p.PnLGross, &p.FeesTotal, &p.PnLNet, &p.RewardBin, &p.RewardReal,
		&p.PolicyVersionAtEntry, &p.DecisionID,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]*domain.Position, error) {
	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}
	return positions, nil
}
