package memory

import (
	"context"
	"sort"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// Compile-time interface check.
var _ storage.Ledger = (*Ledger)(nil)

// InsertWalkForwardRun appends one evaluator run.
func (l *Ledger) InsertWalkForwardRun(_ context.Context, r *domain.WalkForwardRun) error {
	if r == nil || r.RunID == "" {
		return storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := *r
	c.Folds = append([]domain.FoldResult(nil), r.Folds...)
	l.runs = append(l.runs, &c)
	return nil
}

// ListWalkForwardRuns returns runs ordered by started_at DESC.
func (l *Ledger) ListWalkForwardRuns(_ context.Context, limit int) ([]*domain.WalkForwardRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*domain.WalkForwardRun, 0, len(l.runs))
	for _, r := range l.runs {
		c := *r
		c.Folds = append([]domain.FoldResult(nil), r.Folds...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAtMs != out[j].StartedAtMs {
			return out[i].StartedAtMs > out[j].StartedAtMs
		}
		return out[i].RunID > out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
