// Package portfolio derives aggregate exposure and performance views
// from the position ledger. Aggregates are recomputed from ledger rows
// on every read; nothing here caches a counter that could drift from
// ground truth.
package portfolio

import (
	"context"
	"fmt"

	"signaldesk/internal/storage"
)

const dayMs = int64(24 * 60 * 60 * 1000)

// Snapshot is a point-in-time view of the portfolio consumed by the
// gate chain. All values derive from the ledger at build time.
type Snapshot struct {
	NowMs int64

	OpenCount          int
	TotalExposureUSD   float64
	TokenExposureUSD   map[string]float64
	LastEntryMsByToken map[string]int64

	// Today = UTC day containing NowMs.
	DailyRealizedPnLUSD float64
	TradesToday         int
	DailySpendUSD       float64

	// Current drawdown from the equity peak over the lookback window,
	// as a fraction of the peak.
	DrawdownPct float64
}

// Builder constructs snapshots from the position ledger.
type Builder struct {
	positions          storage.PositionLedger
	capitalBaseUSD     float64
	drawdownLookbackMs int64
}

// NewBuilder creates a Builder. capitalBaseUSD anchors the equity
// curve used for drawdown; drawdownLookbackMs bounds how far back
// closed positions contribute to it.
func NewBuilder(positions storage.PositionLedger, capitalBaseUSD float64, drawdownLookbackMs int64) *Builder {
	return &Builder{
		positions:          positions,
		capitalBaseUSD:     capitalBaseUSD,
		drawdownLookbackMs: drawdownLookbackMs,
	}
}

// Snapshot reads the ledger and computes the aggregate view at nowMs.
func (b *Builder) Snapshot(ctx context.Context, nowMs int64) (*Snapshot, error) {
	s := &Snapshot{
		NowMs:              nowMs,
		TokenExposureUSD:   make(map[string]float64),
		LastEntryMsByToken: make(map[string]int64),
	}
	dayStartMs := nowMs - nowMs%dayMs

	open, err := b.positions.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	for _, p := range open {
		s.OpenCount++
		s.TotalExposureUSD += p.SizeUSD
		s.TokenExposureUSD[p.TokenID] += p.SizeUSD
		if p.OpenedAtMs > s.LastEntryMsByToken[p.TokenID] {
			s.LastEntryMsByToken[p.TokenID] = p.OpenedAtMs
		}
		if p.OpenedAtMs >= dayStartMs {
			s.TradesToday++
			s.DailySpendUSD += p.SizeUSD
		}
	}

	lookbackFromMs := nowMs - b.drawdownLookbackMs
	if lookbackFromMs > dayStartMs {
		lookbackFromMs = dayStartMs
	}
	closed, err := b.positions.ListClosedPositions(ctx, lookbackFromMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("list closed positions: %w", err)
	}

	equity := b.capitalBaseUSD
	peak := equity
	for _, p := range closed {
		if p.PnLNet != nil {
			equity += *p.PnLNet
			if equity > peak {
				peak = equity
			}
			if p.ClosedAtMs != nil && *p.ClosedAtMs >= dayStartMs {
				s.DailyRealizedPnLUSD += *p.PnLNet
			}
		}
		if p.OpenedAtMs > s.LastEntryMsByToken[p.TokenID] {
			s.LastEntryMsByToken[p.TokenID] = p.OpenedAtMs
		}
		if p.OpenedAtMs >= dayStartMs {
			s.TradesToday++
			s.DailySpendUSD += p.SizeUSD
		}
	}
	if peak > 0 {
		s.DrawdownPct = (peak - equity) / peak
	}

	return s, nil
}
