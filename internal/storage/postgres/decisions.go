package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

const insertDecisionSQL = `
	INSERT INTO decisions (
		decision_id, signal_ref, result, reason_code, gate_trace,
		verification_verdict, verification_trust, verification_confidence,
		policy_version, supersedes, created_at_ms
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// RecordDecision appends a BLOCK/SKIP decision. The UNIQUE(signal_ref)
// constraint rejects a second decision for the same signal.
func (l *Ledger) RecordDecision(ctx context.Context, d *domain.DecisionRecord) error {
	trace, err := json.Marshal(d.GateTrace)
	if err != nil {
		return fmt.Errorf("marshal gate trace: %w", err)
	}

	_, err = l.pool.Exec(ctx, insertDecisionSQL,
		d.DecisionID, d.SignalRef, d.Result, d.ReasonCode, trace,
		d.VerificationVerdict, d.VerificationTrust, d.VerificationConfidence,
		d.PolicyVersion, d.Supersedes, d.CreatedAtMs,
	)
	if err != nil {
		if mapped := mapWriteError(err); errors.Is(mapped, storage.ErrDuplicateKey) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecordExecution atomically appends an EXECUTE decision, its position
// and the entry fill in one transaction. A concurrent evaluation of
// the same signal hits the signal_ref unique constraint and nothing
// commits.
func (l *Ledger) RecordExecution(ctx context.Context, d *domain.DecisionRecord, p *domain.Position, f *domain.Fill) error {
	trace, err := json.Marshal(d.GateTrace)
	if err != nil {
		return fmt.Errorf("marshal gate trace: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertDecisionSQL,
		d.DecisionID, d.SignalRef, d.Result, d.ReasonCode, trace,
		d.VerificationVerdict, d.VerificationTrust, d.VerificationConfidence,
		d.PolicyVersion, d.Supersedes, d.CreatedAtMs,
	)
	if err != nil {
		if mapped := mapWriteError(err); errors.Is(mapped, storage.ErrDuplicateKey) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert execution decision: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (
			position_id, token_id, side, strategy_id, source_id,
			entry_price, entry_expected_price, entry_fee, size_usd, qty,
			status, opened_at_ms, high_water, low_water,
			policy_version_at_entry, decision_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		p.PositionID, p.TokenID, p.Side, p.StrategyID, p.SourceID,
		p.EntryPrice, p.EntryExpectedPrice, p.EntryFee, p.SizeUSD, p.Qty,
		p.Status, p.OpenedAtMs, p.HighWater, p.LowWater,
		p.PolicyVersionAtEntry, p.DecisionID,
	)
	if err != nil {
		if mapped := mapWriteError(err); errors.Is(mapped, storage.ErrDuplicateKey) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert position: %w", err)
	}

	if err := insertFill(ctx, tx, f); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}
	return nil
}

// GetDecisionBySignal retrieves the decision for a signal.
func (l *Ledger) GetDecisionBySignal(ctx context.Context, signalRef string) (*domain.DecisionRecord, error) {
	row := l.pool.QueryRow(ctx, selectDecision+` WHERE signal_ref = $1`, signalRef)
	d, err := scanDecision(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get decision by signal: %w", err)
	}
	return d, nil
}

// ListDecisions retrieves decisions created within [fromMs, toMs].
func (l *Ledger) ListDecisions(ctx context.Context, fromMs, toMs int64) ([]*domain.DecisionRecord, error) {
	query := selectDecision + `
		WHERE created_at_ms >= $1 AND created_at_ms <= $2
		ORDER BY created_at_ms ASC, decision_id ASC
	`

	rows, err := l.pool.Query(ctx, query, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*domain.DecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision rows: %w", err)
	}
	return decisions, nil
}

const selectDecision = `
	SELECT
		decision_id, signal_ref, result, reason_code, gate_trace,
		verification_verdict, verification_trust, verification_confidence,
		policy_version, supersedes, created_at_ms
	FROM decisions
`

func scanDecision(row pgx.Row) (*domain.DecisionRecord, error) {
	var d domain.DecisionRecord
	var trace []byte
	err := row.Scan(
		&d.DecisionID, &d.SignalRef, &d.Result, &d.ReasonCode, &trace,
		&d.VerificationVerdict, &d.VerificationTrust, &d.VerificationConfidence,
		&d.PolicyVersion, &d.Supersedes, &d.CreatedAtMs,
	)
	if err != nil {
		return nil, err
	}
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &d.GateTrace); err != nil {
			return nil, fmt.Errorf("unmarshal gate trace: %w", err)
		}
	}
	return &d, nil
}
