package memory

import (
	"context"
	"sort"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// InsertSignal appends a signal. Returns ErrDuplicateKey if signal_id exists.
func (l *Ledger) InsertSignal(_ context.Context, s *domain.Signal) error {
	if s == nil || s.SignalID == "" {
		return storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.signals[s.SignalID]; exists {
		return storage.ErrDuplicateKey
	}
	l.signals[s.SignalID] = copySignal(s)
	return nil
}

// GetSignal retrieves a signal by ID.
func (l *Ledger) GetSignal(_ context.Context, signalID string) (*domain.Signal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.signals[signalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copySignal(s), nil
}

// ListUndecidedSignals returns signals with no decision yet, oldest first.
func (l *Ledger) ListUndecidedSignals(_ context.Context, limit int) ([]*domain.Signal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*domain.Signal
	for id, s := range l.signals {
		if _, decided := l.decisions[id]; !decided {
			out = append(out, copySignal(s))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampMs != out[j].TimestampMs {
			return out[i].TimestampMs < out[j].TimestampMs
		}
		return out[i].SignalID < out[j].SignalID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FirstSeenMs returns the earliest signal timestamp for a token.
func (l *Ledger) FirstSeenMs(_ context.Context, tokenID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var first int64
	found := false
	for _, s := range l.signals {
		if s.TokenID != tokenID {
			continue
		}
		if !found || s.TimestampMs < first {
			first = s.TimestampMs
			found = true
		}
	}
	if !found {
		return 0, storage.ErrNotFound
	}
	return first, nil
}
