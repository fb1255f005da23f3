// Package monitor sweeps open positions, evaluates exit conditions in
// a fixed priority order and closes through the ledger's atomic
// conditional update. Two overlapping sweeps can race on the same
// position; the loser observes ErrAlreadyClosed and moves on, so no
// position is ever double-closed or partially closed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signaldesk/internal/controls"
	"signaldesk/internal/costmodel"
	"signaldesk/internal/domain"
	"signaldesk/internal/exchange"
	"signaldesk/internal/notify"
	"signaldesk/internal/observability"
	"signaldesk/internal/storage"
)

// Monitor evaluates and closes open positions.
type Monitor struct {
	store    storage.Ledger
	adapter  exchange.Adapter
	ctrl     controls.Controls
	notifier notify.Notifier
	metrics  *observability.Metrics
	log      zerolog.Logger
	venue    string

	nowFn func() int64
}

// New wires a Monitor. notifier and metrics may be nil.
func New(store storage.Ledger, adapter exchange.Adapter, ctrl controls.Controls, notifier notify.Notifier, metrics *observability.Metrics, venue string, log zerolog.Logger) *Monitor {
	return &Monitor{
		store:    store,
		adapter:  adapter,
		ctrl:     ctrl,
		notifier: notifier,
		metrics:  metrics,
		venue:    venue,
		log:      log.With().Str("component", "monitor").Logger(),
		nowFn:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Sweep runs one polling cycle over every open position. Exit
// thresholds come from the policy version the position was opened
// under, so a later policy change never silently rewrites the exit
// plan of money already at risk.
func (m *Monitor) Sweep(ctx context.Context) error {
	open, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	if m.metrics != nil {
		m.metrics.OpenPositions.Set(float64(len(open)))
	}

	nowMs := m.nowFn()
	for _, p := range open {
		if err := m.evaluate(ctx, p, nowMs); err != nil {
			m.log.Error().Err(err).Str("position_id", p.PositionID).Msg("position evaluation failed")
		}
	}
	return nil
}

func (m *Monitor) evaluate(ctx context.Context, p *domain.Position, nowMs int64) error {
	policy, err := m.store.GetPolicy(ctx, p.PolicyVersionAtEntry)
	if err != nil {
		return fmt.Errorf("load entry policy v%d: %w", p.PolicyVersionAtEntry, err)
	}

	quote, err := m.adapter.GetQuote(ctx, p.TokenID)
	if err != nil {
		if nowMs-p.OpenedAtMs >= policy.MaxHoldMs && policy.MaxHoldMs > 0 {
			// Quote is gone and the hold limit passed; exit at the
			// last known watermark rather than holding forever.
			return m.close(ctx, p, policy, staleExitPrice(p), domain.CloseReasonMaxHold, nowMs)
		}
		m.log.Warn().Err(err).Str("token_id", p.TokenID).Msg("no quote for open position")
		return nil
	}
	price := quote.Price

	if price > p.HighWater {
		p.HighWater = price
	}
	if price < p.LowWater {
		p.LowWater = price
	}
	if err := m.store.UpdateWatermarks(ctx, p.PositionID, p.HighWater, p.LowWater); err != nil {
		return fmt.Errorf("update watermarks: %w", err)
	}

	if reason := exitReason(p, policy, price, quote.Volume24h, nowMs); reason != "" {
		return m.close(ctx, p, policy, price, reason, nowMs)
	}
	return nil
}

// exitReason evaluates exit predicates in priority order and returns
// the first match, "" when the position stays open. SHORT inverts
// every price comparison relative to LONG.
func exitReason(p *domain.Position, pol *domain.PolicyConfiguration, price float64, volume24h *float64, nowMs int64) string {
	long := p.Side == domain.DirectionLong

	if pol.FlashCrashPct > 0 {
		if long && price <= p.EntryPrice*(1-pol.FlashCrashPct) {
			return domain.CloseReasonFlashCrash
		}
		if !long && price >= p.EntryPrice*(1+pol.FlashCrashPct) {
			return domain.CloseReasonFlashCrash
		}
	}
	if pol.StopLossPct > 0 {
		if long && price <= p.EntryPrice*(1-pol.StopLossPct) {
			return domain.CloseReasonStopLoss
		}
		if !long && price >= p.EntryPrice*(1+pol.StopLossPct) {
			return domain.CloseReasonStopLoss
		}
	}
	if pol.TakeProfitPct > 0 {
		if long && price >= p.EntryPrice*(1+pol.TakeProfitPct) {
			return domain.CloseReasonTakeProfit
		}
		if !long && price <= p.EntryPrice*(1-pol.TakeProfitPct) {
			return domain.CloseReasonTakeProfit
		}
	}
	if pol.TrailingStopPct > 0 {
		if long && price <= p.HighWater*(1-pol.TrailingStopPct) {
			return domain.CloseReasonTrailingStop
		}
		if !long && price >= p.LowWater*(1+pol.TrailingStopPct) {
			return domain.CloseReasonTrailingStop
		}
	}
	if pol.MaxHoldMs > 0 && nowMs-p.OpenedAtMs >= pol.MaxHoldMs {
		return domain.CloseReasonMaxHold
	}
	if pol.VolumeDeathFrac > 0 && pol.MinVolumeUSD > 0 && volume24h != nil {
		if *volume24h < pol.MinVolumeUSD*pol.VolumeDeathFrac {
			return domain.CloseReasonSignalDecay
		}
	}
	return ""
}

// EmergencyClose force-closes one position at the current quote. It
// bypasses the exit predicates by design but goes through the same
// atomic ledger close as every other exit.
func (m *Monitor) EmergencyClose(ctx context.Context, positionID string) error {
	p, err := m.store.GetPosition(ctx, positionID)
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}
	if p.Status != domain.StatusOpen {
		return storage.ErrAlreadyClosed
	}
	policy, err := m.store.GetPolicy(ctx, p.PolicyVersionAtEntry)
	if err != nil {
		return fmt.Errorf("load entry policy v%d: %w", p.PolicyVersionAtEntry, err)
	}

	price := staleExitPrice(p)
	if quote, err := m.adapter.GetQuote(ctx, p.TokenID); err == nil {
		price = quote.Price
	}
	return m.close(ctx, p, policy, price, domain.CloseReasonEmergency, m.nowFn())
}

// close prices the exit leg, places the closing order and commits the
// atomic close. ErrAlreadyClosed from the conditional update is a
// clean no-op; contention is retried once.
func (m *Monitor) close(ctx context.Context, p *domain.Position, pol *domain.PolicyConfiguration, quotePrice float64, reason string, nowMs int64) error {
	leg := costmodel.ExitLeg(p.Side, quotePrice, p.Qty, costmodel.Params{
		SlippageBps: pol.SlippageBps,
		FeeBps:      pol.FeeBps,
	})

	orderFill, err := m.adapter.PlaceOrder(ctx, &exchange.Order{
		TokenID:    p.TokenID,
		Side:       leg.Side,
		Qty:        leg.Qty,
		LimitPrice: leg.ExecPrice,
		Venue:      m.venue,
	})
	if err != nil {
		return fmt.Errorf("place exit order: %w", err)
	}

	execPrice := orderFill.ExecPrice
	exitFee := orderFill.Qty * execPrice * pol.FeeBps / 1e4
	pnlGross := costmodel.GrossPnL(p.Side, p.EntryPrice, execPrice, p.Qty)
	feesTotal := p.EntryFee + exitFee
	pnlNet := pnlGross - feesTotal

	pc := &storage.PositionClose{
		PositionID:  p.PositionID,
		ClosePrice:  execPrice,
		CloseReason: reason,
		ClosedAtMs:  nowMs,
		PnLGross:    pnlGross,
		FeesTotal:   feesTotal,
		PnLNet:      pnlNet,
		RewardBin:   costmodel.RewardBin(pnlNet),
		RewardReal:  costmodel.RewardReal(pnlNet, p.SizeUSD),
		ExitFill: &domain.Fill{
			FillID:        uuid.NewString(),
			PositionID:    p.PositionID,
			Side:          leg.Side,
			ExpectedPrice: quotePrice,
			ExecPrice:     execPrice,
			Qty:           orderFill.Qty,
			Notional:      orderFill.Qty * execPrice,
			Fee:           exitFee,
			SlippageBps:   leg.SlippageBps,
			Venue:         orderFill.Venue,
			CreatedAtMs:   nowMs,
		},
	}

	err = m.store.ClosePosition(ctx, pc)
	if errors.Is(err, storage.ErrContention) {
		err = m.store.ClosePosition(ctx, pc)
	}
	if errors.Is(err, storage.ErrAlreadyClosed) {
		m.log.Debug().Str("position_id", p.PositionID).Msg("already closed by concurrent sweep")
		return nil
	}
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	if pol.CooldownMs > 0 {
		if err := m.ctrl.StampCooldown(ctx, p.TokenID, nowMs+pol.CooldownMs); err != nil {
			m.log.Warn().Err(err).Str("token_id", p.TokenID).Msg("cooldown stamp failed")
		}
	}
	if m.metrics != nil {
		m.metrics.PositionsClosed.WithLabelValues(reason).Inc()
		if pnlNet >= 0 {
			m.metrics.RealizedPnL.Add(pnlNet)
		} else {
			m.metrics.RealizedLoss.Add(-pnlNet)
		}
	}

	closed := *p
	closed.Status = domain.StatusClosed
	closed.ClosePrice = &execPrice
	closed.CloseReason = reason
	closed.ClosedAtMs = &nowMs
	closed.PnLNet = &pnlNet
	if m.notifier != nil {
		m.notifier.NotifyClose(ctx, &closed)
	}

	m.log.Info().
		Str("position_id", p.PositionID).
		Str("reason", reason).
		Float64("pnl_net", pnlNet).
		Msg("position closed")
	return nil
}

// staleExitPrice falls back to the least favorable watermark when no
// quote is available.
func staleExitPrice(p *domain.Position) float64 {
	if p.Side == domain.DirectionLong {
		return p.LowWater
	}
	return p.HighWater
}
