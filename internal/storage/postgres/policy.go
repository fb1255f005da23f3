package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// InsertPolicy appends a new immutable version. The full configuration
// is stored as JSON alongside the version/mode columns.
func (l *Ledger) InsertPolicy(ctx context.Context, p *domain.PolicyConfiguration) error {
	if p == nil || p.Version <= 0 {
		return storage.ErrInvalidInput
	}

	params, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy params: %w", err)
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO policy_configs (version, mode, params, created_at_ms)
		VALUES ($1, $2, $3, $4)
	`, p.Version, p.Mode, params, p.CreatedAtMs)
	if err != nil {
		if mapped := mapWriteError(err); errors.Is(mapped, storage.ErrDuplicateKey) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// GetPolicy retrieves a version. Returns ErrNotFound if not exists.
func (l *Ledger) GetPolicy(ctx context.Context, version int64) (*domain.PolicyConfiguration, error) {
	var params []byte
	err := l.pool.QueryRow(ctx, `SELECT params FROM policy_configs WHERE version = $1`, version).Scan(&params)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return unmarshalPolicy(params)
}

// GetActivePolicy resolves the active pointer. Returns ErrNotFound
// when no policy is active; callers must block all trading then.
func (l *Ledger) GetActivePolicy(ctx context.Context) (*domain.PolicyConfiguration, error) {
	var params []byte
	err := l.pool.QueryRow(ctx, `
		SELECT p.params
		FROM active_policy a
		JOIN policy_configs p ON p.version = a.version
		WHERE a.id = 1
	`).Scan(&params)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get active policy: %w", err)
	}
	return unmarshalPolicy(params)
}

// SetActivePolicy moves the active pointer to an existing version.
func (l *Ledger) SetActivePolicy(ctx context.Context, version int64) error {
	var exists bool
	err := l.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM policy_configs WHERE version = $1)`, version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check policy version: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO active_policy (id, version) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version
	`, version)
	if err != nil {
		return fmt.Errorf("set active policy: %w", err)
	}
	return nil
}

// LatestPolicyVersion returns the highest stored version, 0 when empty.
func (l *Ledger) LatestPolicyVersion(ctx context.Context) (int64, error) {
	var latest *int64
	err := l.pool.QueryRow(ctx, `SELECT MAX(version) FROM policy_configs`).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest policy version: %w", err)
	}
	if latest == nil {
		return 0, nil
	}
	return *latest, nil
}

func unmarshalPolicy(params []byte) (*domain.PolicyConfiguration, error) {
	var p domain.PolicyConfiguration
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("unmarshal policy params: %w", err)
	}
	return &p, nil
}
