package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// InsertSignal appends a signal. Returns ErrDuplicateKey if signal_id exists.
func (l *Ledger) InsertSignal(ctx context.Context, s *domain.Signal) error {
	query := `
		INSERT INTO signals (
			signal_id, token_id, source, chain, direction,
			observed_price, volume_24h, liquidity, timestamp_ms, raw_thesis
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := l.pool.Exec(ctx, query,
		s.SignalID, s.TokenID, s.Source, s.Chain, s.Direction,
		s.ObservedPrice, s.Volume24h, s.Liquidity, s.TimestampMs, s.RawThesis,
	)
	if err != nil {
		if mapped := mapWriteError(err); errors.Is(mapped, storage.ErrDuplicateKey) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetSignal retrieves a signal by ID. Returns ErrNotFound if not exists.
func (l *Ledger) GetSignal(ctx context.Context, signalID string) (*domain.Signal, error) {
	query := selectSignal + ` WHERE signal_id = $1`

	row := l.pool.QueryRow(ctx, query, signalID)
	s, err := scanSignal(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return s, nil
}

// ListUndecidedSignals returns signals with no decision record yet,
// oldest first.
func (l *Ledger) ListUndecidedSignals(ctx context.Context, limit int) ([]*domain.Signal, error) {
	query := selectSignal + `
		LEFT JOIN decisions d ON d.signal_ref = s.signal_id
		WHERE d.signal_ref IS NULL
		ORDER BY s.timestamp_ms ASC, s.signal_id ASC
		LIMIT $1
	`

	rows, err := l.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list undecided signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// FirstSeenMs returns the earliest signal timestamp for a token.
func (l *Ledger) FirstSeenMs(ctx context.Context, tokenID string) (int64, error) {
	query := `SELECT MIN(timestamp_ms) FROM signals WHERE token_id = $1`

	var first *int64
	if err := l.pool.QueryRow(ctx, query, tokenID).Scan(&first); err != nil {
		return 0, fmt.Errorf("first seen: %w", err)
	}
	if first == nil {
		return 0, storage.ErrNotFound
	}
	return *first, nil
}

const selectSignal = `
	SELECT
		s.signal_id, s.token_id, s.source, s.chain, s.direction,
		s.observed_price, s.volume_24h, s.liquidity, s.timestamp_ms, s.raw_thesis
	FROM signals s
`

func scanSignal(row pgx.Row) (*domain.Signal, error) {
	var s domain.Signal
	err := row.Scan(
		&s.SignalID, &s.TokenID, &s.Source, &s.Chain, &s.Direction,
		&s.ObservedPrice, &s.Volume24h, &s.Liquidity, &s.TimestampMs, &s.RawThesis,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSignals(rows pgx.Rows) ([]*domain.Signal, error) {
	var signals []*domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}
		signals = append(signals, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal rows: %w", err)
	}
	return signals, nil
}
