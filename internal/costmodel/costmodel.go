// Package costmodel computes execution prices, fees and realized PnL
// for position legs. All functions are pure; venue parameters come in
// as explicit arguments so historical decisions can be re-priced under
// alternate configurations.
package costmodel

import "signaldesk/internal/domain"

// Params are the venue execution parameters applied to one leg.
type Params struct {
	SlippageBps float64
	FeeBps      float64
}

// Leg is the computed execution of one fill before it is recorded.
type Leg struct {
	Side          domain.FillSide
	ExpectedPrice float64
	ExecPrice     float64
	Qty           float64
	Notional      float64
	Fee           float64
	SlippageBps   float64
}

// EntryLeg prices the opening fill. Slippage is applied adversely:
// buying executes above the quote, selling below. Qty is derived from
// the executed price so the entry notional equals sizeUSD exactly.
func EntryLeg(side domain.Direction, quote, sizeUSD float64, p Params) Leg {
	fillSide := entrySide(side)
	exec := slip(quote, fillSide, p.SlippageBps)
	qty := sizeUSD / exec
	notional := qty * exec
	return Leg{
		Side:          fillSide,
		ExpectedPrice: quote,
		ExecPrice:     exec,
		Qty:           qty,
		Notional:      notional,
		Fee:           notional * p.FeeBps / 1e4,
		SlippageBps:   p.SlippageBps,
	}
}

// ExitLeg prices the closing fill for an existing position.
func ExitLeg(side domain.Direction, quote, qty float64, p Params) Leg {
	fillSide := exitSide(side)
	exec := slip(quote, fillSide, p.SlippageBps)
	notional := qty * exec
	return Leg{
		Side:          fillSide,
		ExpectedPrice: quote,
		ExecPrice:     exec,
		Qty:           qty,
		Notional:      notional,
		Fee:           notional * p.FeeBps / 1e4,
		SlippageBps:   p.SlippageBps,
	}
}

// GrossPnL is the sign-adjusted price move times quantity.
func GrossPnL(side domain.Direction, entryPrice, closePrice, qty float64) float64 {
	if side == domain.DirectionShort {
		return (entryPrice - closePrice) * qty
	}
	return (closePrice - entryPrice) * qty
}

// RewardBin is 1 for a net-profitable trade, 0 otherwise.
func RewardBin(pnlNet float64) int {
	if pnlNet > 0 {
		return 1
	}
	return 0
}

// RewardReal is the net return on position size, clamped to [-1, 1].
func RewardReal(pnlNet, sizeUSD float64) float64 {
	if sizeUSD <= 0 {
		return 0
	}
	r := pnlNet / sizeUSD
	if r > 1 {
		return 1
	}
	if r < -1 {
		return -1
	}
	return r
}

func entrySide(side domain.Direction) domain.FillSide {
	if side == domain.DirectionShort {
		return domain.FillSell
	}
	return domain.FillBuy
}

func exitSide(side domain.Direction) domain.FillSide {
	if side == domain.DirectionShort {
		return domain.FillBuy
	}
	return domain.FillSell
}

// slip moves the quote against the taker. BUY legs pay up, SELL legs
// receive less.
func slip(quote float64, side domain.FillSide, bps float64) float64 {
	if side == domain.FillBuy {
		return quote * (1 + bps/1e4)
	}
	return quote * (1 - bps/1e4)
}
