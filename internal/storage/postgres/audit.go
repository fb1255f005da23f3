package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// InsertWalkForwardRun appends one evaluator run, promoted or not.
func (l *Ledger) InsertWalkForwardRun(ctx context.Context, r *domain.WalkForwardRun) error {
	if r == nil || r.RunID == "" {
		return storage.ErrInvalidInput
	}

	folds, err := json.Marshal(r.Folds)
	if err != nil {
		return fmt.Errorf("marshal folds: %w", err)
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO walkforward_runs (
			run_id, started_at_ms, window_from_ms, window_to_ms,
			active_version, candidate_version, folds, promoted, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		r.RunID, r.StartedAtMs, r.WindowFromMs, r.WindowToMs,
		r.ActiveVersion, r.CandidateVersion, folds, r.Promoted, r.Reason,
	)
	if err != nil {
		if mapped := mapWriteError(err); errors.Is(mapped, storage.ErrDuplicateKey) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert walkforward run: %w", err)
	}
	return nil
}

// ListWalkForwardRuns returns runs ordered by started_at DESC.
func (l *Ledger) ListWalkForwardRuns(ctx context.Context, limit int) ([]*domain.WalkForwardRun, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT
			run_id, started_at_ms, window_from_ms, window_to_ms,
			active_version, candidate_version, folds, promoted, reason
		FROM walkforward_runs
		ORDER BY started_at_ms DESC, run_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list walkforward runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.WalkForwardRun
	for rows.Next() {
		var r domain.WalkForwardRun
		var folds []byte
		err := rows.Scan(
			&r.RunID, &r.StartedAtMs, &r.WindowFromMs, &r.WindowToMs,
			&r.ActiveVersion, &r.CandidateVersion, &folds, &r.Promoted, &r.Reason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan walkforward row: %w", err)
		}
		if len(folds) > 0 {
			if err := json.Unmarshal(folds, &r.Folds); err != nil {
				return nil, fmt.Errorf("unmarshal folds: %w", err)
			}
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate walkforward rows: %w", err)
	}
	return runs, nil
}
