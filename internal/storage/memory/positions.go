package memory

import (
	"context"
	"sort"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
)

// GetPosition retrieves a position by ID.
func (l *Ledger) GetPosition(_ context.Context, positionID string) (*domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[positionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyPosition(p), nil
}

// ListOpenPositions returns all OPEN positions ordered by opened_at ASC.
func (l *Ledger) ListOpenPositions(_ context.Context) ([]*domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*domain.Position
	for _, p := range l.positions {
		if p.Status == domain.StatusOpen {
			out = append(out, copyPosition(p))
		}
	}
	sortPositionsByOpenedAt(out)
	return out, nil
}

// ListClosedPositions returns CLOSED positions with closed_at in [fromMs, toMs].
func (l *Ledger) ListClosedPositions(_ context.Context, fromMs, toMs int64) ([]*domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*domain.Position
	for _, p := range l.positions {
		if p.Status != domain.StatusClosed || p.ClosedAtMs == nil {
			continue
		}
		if *p.ClosedAtMs >= fromMs && *p.ClosedAtMs <= toMs {
			out = append(out, copyPosition(p))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if *out[i].ClosedAtMs != *out[j].ClosedAtMs {
			return *out[i].ClosedAtMs < *out[j].ClosedAtMs
		}
		return out[i].PositionID < out[j].PositionID
	})
	return out, nil
}

// UpdateWatermarks persists trailing-stop watermarks while OPEN.
func (l *Ledger) UpdateWatermarks(_ context.Context, positionID string, highWater, lowWater float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[positionID]
	if !ok {
		return storage.ErrNotFound
	}
	if p.Status != domain.StatusOpen {
		return nil
	}
	p.HighWater = highWater
	p.LowWater = lowWater
	return nil
}

// ClosePosition performs the single atomic close under one lock.
// Returns ErrAlreadyClosed when the position is no longer OPEN, so a
// concurrent second close becomes a no-op.
func (l *Ledger) ClosePosition(_ context.Context, c *storage.PositionClose) error {
	if c == nil || c.PositionID == "" || c.ExitFill == nil {
		return storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[c.PositionID]
	if !ok {
		return storage.ErrNotFound
	}
	if p.Status != domain.StatusOpen {
		return storage.ErrAlreadyClosed
	}

	p.Status = domain.StatusClosed
	p.ClosePrice = &c.ClosePrice
	p.CloseReason = c.CloseReason
	closedAt := c.ClosedAtMs
	p.ClosedAtMs = &closedAt
	gross, fees, net := c.PnLGross, c.FeesTotal, c.PnLNet
	p.PnLGross = &gross
	p.FeesTotal = &fees
	p.PnLNet = &net
	bin := c.RewardBin
	p.RewardBin = &bin
	real := c.RewardReal
	p.RewardReal = &real

	fc := *c.ExitFill
	l.fills[c.PositionID] = append(l.fills[c.PositionID], &fc)
	return nil
}

// ListFills returns all fills for a position ordered by created_at ASC.
func (l *Ledger) ListFills(_ context.Context, positionID string) ([]*domain.Fill, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fills := l.fills[positionID]
	out := make([]*domain.Fill, 0, len(fills))
	for _, f := range fills {
		fc := *f
		out = append(out, &fc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].FillID < out[j].FillID
	})
	return out, nil
}

func sortPositionsByOpenedAt(positions []*domain.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OpenedAtMs != positions[j].OpenedAtMs {
			return positions[i].OpenedAtMs < positions[j].OpenedAtMs
		}
		return positions[i].PositionID < positions[j].PositionID
	})
}
