package portfolio

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
	"signaldesk/internal/storage/memory"
)

const (
	nowMs      = int64(1700000000000)
	lookbackMs = int64(7 * 24 * 60 * 60 * 1000)
)

var dayStartMs = nowMs - nowMs%dayMs

func openPosition(t *testing.T, store *memory.Ledger, id, tokenID string, sizeUSD float64, openedAtMs int64) {
	t.Helper()
	decision := &domain.DecisionRecord{
		DecisionID:    "dec-" + id,
		SignalRef:     "seed:" + id,
		Result:        domain.ResultExecute,
		ReasonCode:    domain.ReasonExecuted,
		PolicyVersion: 1,
		CreatedAtMs:   openedAtMs,
	}
	position := &domain.Position{
		PositionID:           id,
		TokenID:              tokenID,
		Side:                 domain.DirectionLong,
		StrategyID:           "momentum_v1",
		SourceID:             "src",
		EntryPrice:           2.0,
		EntryExpectedPrice:   2.0,
		SizeUSD:              sizeUSD,
		Qty:                  sizeUSD / 2.0,
		Status:               domain.StatusOpen,
		OpenedAtMs:           openedAtMs,
		HighWater:            2.0,
		LowWater:             2.0,
		PolicyVersionAtEntry: 1,
		DecisionID:           decision.DecisionID,
	}
	fill := &domain.Fill{
		FillID: "fill-" + id, PositionID: id, Side: domain.FillBuy,
		ExpectedPrice: 2.0, ExecPrice: 2.0, Qty: position.Qty,
		Notional: sizeUSD, Venue: "paper", CreatedAtMs: openedAtMs,
	}
	require.NoError(t, store.RecordExecution(context.Background(), decision, position, fill))
}

func closePosition(t *testing.T, store *memory.Ledger, id string, pnlNet float64, closedAtMs int64) {
	t.Helper()
	bin := 0
	if pnlNet > 0 {
		bin = 1
	}
	require.NoError(t, store.ClosePosition(context.Background(), &storage.PositionClose{
		PositionID:  id,
		ClosePrice:  2.1,
		CloseReason: domain.CloseReasonTakeProfit,
		ClosedAtMs:  closedAtMs,
		PnLGross:    pnlNet + 0.42,
		FeesTotal:   0.42,
		PnLNet:      pnlNet,
		RewardBin:   bin,
		RewardReal:  pnlNet / 200,
		ExitFill: &domain.Fill{
			FillID: "exit-" + id, PositionID: id, Side: domain.FillSell,
			ExpectedPrice: 2.1, ExecPrice: 2.1, Qty: 100, Notional: 210,
			Venue: "paper", CreatedAtMs: closedAtMs,
		},
	}))
}

func TestSnapshot_Empty(t *testing.T) {
	b := NewBuilder(memory.NewLedger(), 10_000, lookbackMs)
	s, err := b.Snapshot(context.Background(), nowMs)
	require.NoError(t, err)

	assert.Zero(t, s.OpenCount)
	assert.Zero(t, s.TotalExposureUSD)
	assert.Zero(t, s.DrawdownPct)
	assert.NotNil(t, s.TokenExposureUSD)
	assert.NotNil(t, s.LastEntryMsByToken)
}

func TestSnapshot_OpenExposure(t *testing.T) {
	store := memory.NewLedger()
	openPosition(t, store, "p1", "TOKA", 200, dayStartMs+1_000)
	openPosition(t, store, "p2", "TOKA", 150, dayStartMs+2_000)
	openPosition(t, store, "p3", "TOKB", 100, dayStartMs-3_600_000) // yesterday

	b := NewBuilder(store, 10_000, lookbackMs)
	s, err := b.Snapshot(context.Background(), nowMs)
	require.NoError(t, err)

	assert.Equal(t, 3, s.OpenCount)
	assert.InDelta(t, 450.0, s.TotalExposureUSD, 1e-9)
	assert.InDelta(t, 350.0, s.TokenExposureUSD["TOKA"], 1e-9)
	assert.InDelta(t, 100.0, s.TokenExposureUSD["TOKB"], 1e-9)
	assert.Equal(t, dayStartMs+2_000, s.LastEntryMsByToken["TOKA"])

	// Only the two entries inside today's UTC day count toward budget.
	assert.Equal(t, 2, s.TradesToday)
	assert.InDelta(t, 350.0, s.DailySpendUSD, 1e-9)
}

func TestSnapshot_DailyPnLAndDrawdown(t *testing.T) {
	store := memory.NewLedger()
	// Closed earlier in the lookback: +100 then -250.
	openPosition(t, store, "p1", "TOKA", 200, nowMs-3*24*60*60*1000)
	closePosition(t, store, "p1", 100, nowMs-3*24*60*60*1000+60_000)
	openPosition(t, store, "p2", "TOKB", 200, nowMs-2*24*60*60*1000)
	closePosition(t, store, "p2", -250, nowMs-2*24*60*60*1000+60_000)
	// Closed today: -50.
	openPosition(t, store, "p3", "TOKC", 200, dayStartMs+1_000)
	closePosition(t, store, "p3", -50, dayStartMs+2_000)

	b := NewBuilder(store, 10_000, lookbackMs)
	s, err := b.Snapshot(context.Background(), nowMs)
	require.NoError(t, err)

	assert.InDelta(t, -50.0, s.DailyRealizedPnLUSD, 1e-9)

	// Equity: 10000 -> 10100 (peak) -> 9850 -> 9800.
	assert.InDelta(t, 300.0/10100.0, s.DrawdownPct, 1e-9)

	// Today's closed trade still counts toward the daily budget.
	assert.Equal(t, 1, s.TradesToday)
}

func TestSnapshot_ClosedEntriesCountTowardCooldownKey(t *testing.T) {
	store := memory.NewLedger()
	openPosition(t, store, "p1", "TOKA", 200, dayStartMs+5_000)
	closePosition(t, store, "p1", 10, dayStartMs+6_000)

	b := NewBuilder(store, 10_000, lookbackMs)
	s, err := b.Snapshot(context.Background(), nowMs)
	require.NoError(t, err)

	assert.Zero(t, s.OpenCount)
	assert.Equal(t, dayStartMs+5_000, s.LastEntryMsByToken["TOKA"])
}

func TestSnapshot_Determinism(t *testing.T) {
	store := memory.NewLedger()
	for i := 0; i < 5; i++ {
		openPosition(t, store, fmt.Sprintf("p%d", i), "TOKA", 100, dayStartMs+int64(i)*1_000)
	}
	b := NewBuilder(store, 10_000, lookbackMs)

	first, err := b.Snapshot(context.Background(), nowMs)
	require.NoError(t, err)
	second, err := b.Snapshot(context.Background(), nowMs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
