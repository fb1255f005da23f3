package learner

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaldesk/internal/domain"
	"signaldesk/internal/storage"
	"signaldesk/internal/storage/memory"
)

const baseMs = int64(1700000000000)

const lookbackMs = int64(24 * 60 * 60 * 1000)

type captureArchiver struct {
	batches [][]*domain.Position
	err     error
}

func (a *captureArchiver) ArchiveTradeOutcomes(_ context.Context, positions []*domain.Position) error {
	a.batches = append(a.batches, positions)
	return a.err
}

func seedClosed(t *testing.T, store *memory.Ledger, id, strategy, source string, win bool, closedAtMs int64) {
	t.Helper()
	ctx := context.Background()

	pnl := 19.58
	rewardBin := 1
	rewardReal := 0.0979
	if !win {
		pnl = -10.42
		rewardBin = 0
		rewardReal = -0.0521
	}

	openedAt := closedAtMs - 60_000
	decision := &domain.DecisionRecord{
		DecisionID:    "dec-" + id,
		SignalRef:     "seed:" + id,
		Result:        domain.ResultExecute,
		ReasonCode:    domain.ReasonExecuted,
		PolicyVersion: 1,
		CreatedAtMs:   openedAt,
	}
	position := &domain.Position{
		PositionID:           id,
		TokenID:              "TOK",
		Side:                 domain.DirectionLong,
		StrategyID:           strategy,
		SourceID:             source,
		EntryPrice:           2.0,
		EntryExpectedPrice:   2.0,
		EntryFee:             0.20,
		SizeUSD:              200,
		Qty:                  100,
		Status:               domain.StatusOpen,
		OpenedAtMs:           openedAt,
		HighWater:            2.0,
		LowWater:             2.0,
		PolicyVersionAtEntry: 1,
		DecisionID:           decision.DecisionID,
	}
	entry := &domain.Fill{
		FillID: "fill-" + id, PositionID: id, Side: domain.FillBuy,
		ExpectedPrice: 2.0, ExecPrice: 2.0, Qty: 100, Notional: 200,
		Fee: 0.20, Venue: "paper", CreatedAtMs: openedAt,
	}
	require.NoError(t, store.RecordExecution(ctx, decision, position, entry))

	require.NoError(t, store.ClosePosition(ctx, &storage.PositionClose{
		PositionID:  id,
		ClosePrice:  2.2,
		CloseReason: domain.CloseReasonTakeProfit,
		ClosedAtMs:  closedAtMs,
		PnLGross:    pnl + 0.42,
		FeesTotal:   0.42,
		PnLNet:      pnl,
		RewardBin:   rewardBin,
		RewardReal:  rewardReal,
		ExitFill: &domain.Fill{
			FillID: "exit-" + id, PositionID: id, Side: domain.FillSell,
			ExpectedPrice: 2.2, ExecPrice: 2.2, Qty: 100, Notional: 220,
			Fee: 0.22, Venue: "paper", CreatedAtMs: closedAtMs,
		},
	}))
}

func TestSweep_UpdatesBanditAndSource(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedger()
	seedClosed(t, store, "p1", "momentum_v1", "scanner_x", true, baseMs-10_000)
	seedClosed(t, store, "p2", "momentum_v1", "scanner_x", false, baseMs-9_000)
	seedClosed(t, store, "p3", "momentum_v1", "scanner_y", true, baseMs-8_000)

	l := New(store, nil, nil, lookbackMs, nil, zerolog.Nop())
	require.NoError(t, l.Sweep(ctx, baseMs))

	b, err := store.GetBanditState(ctx, "momentum_v1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.TradeCount)
	assert.Equal(t, int64(2), b.WinCount)
	assert.Equal(t, 1+float64(b.WinCount), b.Alpha)
	assert.Equal(t, 1+float64(b.TradeCount-b.WinCount), b.Beta)

	s, err := store.GetSourceScore(ctx, "scanner_x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.TradeCount)
	assert.Equal(t, int64(1), s.WinCount)
	assert.InDelta(t, 0.0979-0.0521, s.SumReward, 1e-9)
}

// Sweeping twice must not double-count: the per-position claim makes
// replays no-ops.
func TestSweep_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedger()
	seedClosed(t, store, "p1", "momentum_v1", "scanner_x", true, baseMs-10_000)

	l := New(store, nil, nil, lookbackMs, nil, zerolog.Nop())
	require.NoError(t, l.Sweep(ctx, baseMs))
	require.NoError(t, l.Sweep(ctx, baseMs))

	b, err := store.GetBanditState(ctx, "momentum_v1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.TradeCount)
	assert.Equal(t, 2.0, b.Alpha)
	assert.Equal(t, 1.0, b.Beta)
}

func TestSweep_ArchivesAppliedOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedger()
	seedClosed(t, store, "p1", "momentum_v1", "scanner_x", true, baseMs-10_000)
	seedClosed(t, store, "p2", "momentum_v1", "scanner_x", false, baseMs-9_000)

	arch := &captureArchiver{}
	l := New(store, arch, nil, lookbackMs, nil, zerolog.Nop())
	require.NoError(t, l.Sweep(ctx, baseMs))
	require.Len(t, arch.batches, 1)
	assert.Len(t, arch.batches[0], 2)

	// Nothing new: no archive call at all.
	require.NoError(t, l.Sweep(ctx, baseMs))
	assert.Len(t, arch.batches, 1)
}

// Archive failures never poison learning state.
func TestSweep_ArchiveFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedger()
	seedClosed(t, store, "p1", "momentum_v1", "scanner_x", true, baseMs-10_000)

	arch := &captureArchiver{err: errors.New("clickhouse down")}
	l := New(store, arch, nil, lookbackMs, nil, zerolog.Nop())
	require.NoError(t, l.Sweep(ctx, baseMs))

	b, err := store.GetBanditState(ctx, "momentum_v1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.TradeCount)
}

func TestSweep_RegimeSplitsState(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedger()
	seedClosed(t, store, "p1", "momentum_v1", "scanner_x", true, baseMs-10_000)
	seedClosed(t, store, "p2", "momentum_v1", "scanner_x", false, baseMs-9_000)

	byPosition := func(p *domain.Position) string {
		if p.PositionID == "p1" {
			return "trending"
		}
		return "chop"
	}
	l := New(store, nil, byPosition, lookbackMs, nil, zerolog.Nop())
	require.NoError(t, l.Sweep(ctx, baseMs))

	trending, err := store.GetBanditState(ctx, "momentum_v1", "trending")
	require.NoError(t, err)
	assert.Equal(t, int64(1), trending.TradeCount)
	assert.Equal(t, 2.0, trending.Alpha)

	chop, err := store.GetBanditState(ctx, "momentum_v1", "chop")
	require.NoError(t, err)
	assert.Equal(t, int64(1), chop.TradeCount)
	assert.Equal(t, 2.0, chop.Beta)
}

func TestSampler_Deterministic(t *testing.T) {
	a := NewSampler(42)
	b := NewSampler(42)
	for i := 0; i < 50; i++ {
		assert.Equal(t, a.SampleBeta(2, 5), b.SampleBeta(2, 5))
	}
}

func TestSampleBeta_Range(t *testing.T) {
	s := NewSampler(7)
	shapes := []struct{ alpha, beta float64 }{
		{1, 1}, {0.5, 0.5}, {2, 8}, {30, 3}, {100, 100},
	}
	for _, sh := range shapes {
		for i := 0; i < 200; i++ {
			v := s.SampleBeta(sh.alpha, sh.beta)
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
		}
	}
	assert.Equal(t, 0.5, s.SampleBeta(0, 1))
}

// A strategy with overwhelming evidence of winning gets picked almost
// always over one with overwhelming evidence of losing.
func TestPick_FavorsBetterArm(t *testing.T) {
	s := NewSampler(11)
	states := []*domain.BanditState{
		{StrategyID: "winner", Alpha: 90, Beta: 10},
		{StrategyID: "loser", Alpha: 10, Beta: 90},
	}
	wins := 0
	for i := 0; i < 500; i++ {
		if s.Pick(states) == "winner" {
			wins++
		}
	}
	assert.Greater(t, wins, 450)
	assert.Equal(t, "", s.Pick(nil))
}
