package memory

import (
	"context"

	"signaldesk/internal/storage"
)

// ClaimRetry atomically increments and returns the attempt number for
// a signal if eligible at nowMs. The claim lease pushes next
// eligibility forward so a racing worker observes ok=false.
func (l *Ledger) ClaimRetry(_ context.Context, signalRef string, nowMs, leaseMs int64) (int, bool, error) {
	if signalRef == "" {
		return 0, false, storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.retries[signalRef]
	if !ok {
		l.retries[signalRef] = &retryState{attempts: 1, nextEligibleMs: nowMs + leaseMs}
		return 1, true, nil
	}
	if r.nextEligibleMs > nowMs {
		return 0, false, nil
	}
	r.attempts++
	r.nextEligibleMs = nowMs + leaseMs
	return r.attempts, true, nil
}

// RescheduleRetry sets the next eligibility time after a transient failure.
func (l *Ledger) RescheduleRetry(_ context.Context, signalRef string, nextEligibleMs int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.retries[signalRef]
	if !ok {
		return storage.ErrNotFound
	}
	r.nextEligibleMs = nextEligibleMs
	return nil
}

// ClearRetry removes retry state once the signal is terminal.
func (l *Ledger) ClearRetry(_ context.Context, signalRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.retries, signalRef)
	return nil
}
