package memory

import (
	"context"
	"sort"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// ApplyOutcome claims the position in the processed set and applies
// the bandit and source-score updates, all under one lock. A second
// call for the same position observes the claim and changes nothing.
func (l *Ledger) ApplyOutcome(_ context.Context, u *storage.OutcomeUpdate) (bool, error) {
	if u == nil || u.PositionID == "" || u.StrategyID == "" || u.SourceID == "" {
		return false, storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, done := l.processed[u.PositionID]; done {
		return false, nil
	}
	l.processed[u.PositionID] = struct{}{}

	key := banditKey(u.StrategyID, u.Regime)
	b, ok := l.bandits[key]
	if !ok {
		b = domain.NewBanditState(u.StrategyID, u.Regime)
		l.bandits[key] = b
	}
	b.TradeCount++
	if u.RewardBin == 1 {
		b.WinCount++
		b.Alpha++
	} else {
		b.Beta++
	}
	b.UpdatedAtMs = u.UpdatedAtMs

	s, ok := l.sources[u.SourceID]
	if !ok {
		s = &domain.SourceScore{SourceID: u.SourceID}
		l.sources[u.SourceID] = s
	}
	s.TradeCount++
	if u.RewardBin == 1 {
		s.WinCount++
	}
	s.SumReward += u.RewardReal
	s.UpdatedAtMs = u.UpdatedAtMs

	return true, nil
}

// GetBanditState returns the state for a strategy/regime pair.
func (l *Ledger) GetBanditState(_ context.Context, strategyID, regime string) (*domain.BanditState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.bandits[banditKey(strategyID, regime)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *b
	return &c, nil
}

// ListBanditStates returns all bandit states.
func (l *Ledger) ListBanditStates(_ context.Context) ([]*domain.BanditState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*domain.BanditState, 0, len(l.bandits))
	for _, b := range l.bandits {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].Regime < out[j].Regime
	})
	return out, nil
}

// GetSourceScore returns the score for a source.
func (l *Ledger) GetSourceScore(_ context.Context, sourceID string) (*domain.SourceScore, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.sources[sourceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *s
	return &c, nil
}

// ListSourceScores returns all source scores.
func (l *Ledger) ListSourceScores(_ context.Context) ([]*domain.SourceScore, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*domain.SourceScore, 0, len(l.sources))
	for _, s := range l.sources {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}
