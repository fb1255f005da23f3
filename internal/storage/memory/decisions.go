package memory

import (
	"context"
	"sort"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// RecordDecision appends a BLOCK/SKIP decision.
func (l *Ledger) RecordDecision(_ context.Context, d *domain.DecisionRecord) error {
	if d == nil || d.DecisionID == "" || d.SignalRef == "" {
		return storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.decisions[d.SignalRef]; exists {
		return storage.ErrDuplicateKey
	}
	l.decisions[d.SignalRef] = copyDecision(d)
	return nil
}

// RecordExecution atomically appends an EXECUTE decision, its position
// and the entry fill. The signal_ref uniqueness check and all three
// writes happen under one lock: a second evaluation of the same signal
// observes ErrDuplicateKey and nothing is written.
func (l *Ledger) RecordExecution(_ context.Context, d *domain.DecisionRecord, p *domain.Position, f *domain.Fill) error {
	if d == nil || p == nil || f == nil || d.SignalRef == "" || p.PositionID == "" {
		return storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.decisions[d.SignalRef]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := l.positions[p.PositionID]; exists {
		return storage.ErrDuplicateKey
	}

	l.decisions[d.SignalRef] = copyDecision(d)
	l.positions[p.PositionID] = copyPosition(p)
	fc := *f
	l.fills[p.PositionID] = append(l.fills[p.PositionID], &fc)
	return nil
}

// GetDecisionBySignal retrieves the decision for a signal.
func (l *Ledger) GetDecisionBySignal(_ context.Context, signalRef string) (*domain.DecisionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.decisions[signalRef]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyDecision(d), nil
}

// ListDecisions retrieves decisions created within [fromMs, toMs].
func (l *Ledger) ListDecisions(_ context.Context, fromMs, toMs int64) ([]*domain.DecisionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*domain.DecisionRecord
	for _, d := range l.decisions {
		if d.CreatedAtMs >= fromMs && d.CreatedAtMs <= toMs {
			out = append(out, copyDecision(d))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].DecisionID < out[j].DecisionID
	})
	return out, nil
}
