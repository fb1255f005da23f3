package postgres

import (
	"context"
	"fmt"

	"signaldesk/internal/storage"
)

// ClaimRetry atomically increments and returns the attempt number for
// a signal if it is eligible at nowMs. A single upsert statement both
// counts the attempt and extends the lease, so two workers racing on
// the same pending retry cannot both claim it or disagree about the
// attempt number: the loser's conditional update matches nothing and
// it observes ok=false.
func (l *Ledger) ClaimRetry(ctx context.Context, signalRef string, nowMs, leaseMs int64) (int, bool, error) {
	if signalRef == "" {
		return 0, false, storage.ErrInvalidInput
	}

	var attempt int
	err := l.pool.QueryRow(ctx, `
		INSERT INTO verification_retries (signal_ref, attempts, next_eligible_ms)
		VALUES ($1, 1, $2 + $3)
		ON CONFLICT (signal_ref) DO UPDATE SET
			attempts = verification_retries.attempts + 1,
			next_eligible_ms = $2 + $3
		WHERE verification_retries.next_eligible_ms <= $2
		RETURNING attempts
	`, signalRef, nowMs, leaseMs).Scan(&attempt)
	if err != nil {
		if isNotFoundError(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("claim retry: %w", mapWriteError(err))
	}
	return attempt, true, nil
}

// RescheduleRetry sets the next eligibility time after a transient failure.
func (l *Ledger) RescheduleRetry(ctx context.Context, signalRef string, nextEligibleMs int64) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE verification_retries SET next_eligible_ms = $2 WHERE signal_ref = $1
	`, signalRef, nextEligibleMs)
	if err != nil {
		return fmt.Errorf("reschedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClearRetry removes retry state once the signal is terminal.
func (l *Ledger) ClearRetry(ctx context.Context, signalRef string) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM verification_retries WHERE signal_ref = $1`, signalRef)
	if err != nil {
		return fmt.Errorf("clear retry: %w", err)
	}
	return nil
}
