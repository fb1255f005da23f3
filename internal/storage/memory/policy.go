package memory

import (
	"context"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// InsertPolicy appends a new immutable version.
func (l *Ledger) InsertPolicy(_ context.Context, p *domain.PolicyConfiguration) error {
	if p == nil || p.Version <= 0 {
		return storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.policies[p.Version]; exists {
		return storage.ErrDuplicateKey
	}
	c := *p
	c.AllowedChains = append([]string(nil), p.AllowedChains...)
	l.policies[p.Version] = &c
	return nil
}

// GetPolicy retrieves a version.
func (l *Ledger) GetPolicy(_ context.Context, version int64) (*domain.PolicyConfiguration, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.policyLocked(version)
}

// GetActivePolicy resolves the active pointer.
func (l *Ledger) GetActivePolicy(_ context.Context) (*domain.PolicyConfiguration, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.activeVersion == 0 {
		return nil, storage.ErrNotFound
	}
	return l.policyLocked(l.activeVersion)
}

// SetActivePolicy moves the active pointer to an existing version.
func (l *Ledger) SetActivePolicy(_ context.Context, version int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.policies[version]; !exists {
		return storage.ErrNotFound
	}
	l.activeVersion = version
	return nil
}

// LatestPolicyVersion returns the highest stored version, 0 when empty.
func (l *Ledger) LatestPolicyVersion(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var latest int64
	for v := range l.policies {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (l *Ledger) policyLocked(version int64) (*domain.PolicyConfiguration, error) {
	p, ok := l.policies[version]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *p
	c.AllowedChains = append([]string(nil), p.AllowedChains...)
	return &c, nil
}
