package walkforward

import (
	"math"
	"sort"

	"signaldesk/internal/domain"
)

// TradeOutcome is one closed trade's contribution to window metrics.
type TradeOutcome struct {
	NetPnLUSD   float64
	GrossPnLUSD float64
	ClosedAtMs  int64
}

// ComputeMetrics aggregates trades into window metrics. Every
// decision-driving value derives from net PnL; gross is carried for
// reporting only.
func ComputeMetrics(trades []TradeOutcome) domain.WindowMetrics {
	m := domain.WindowMetrics{Trades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	nets := make([]float64, 0, len(trades))
	var wins int
	var profits, losses float64
	for _, t := range trades {
		m.NetPnLUSD += t.NetPnLUSD
		m.GrossPnLUSD += t.GrossPnLUSD
		nets = append(nets, t.NetPnLUSD)
		if t.NetPnLUSD > 0 {
			wins++
			profits += t.NetPnLUSD
		} else {
			losses += -t.NetPnLUSD
		}
	}

	m.WinRate = float64(wins) / float64(len(trades))
	// A lossless window divides by 1 instead of 0 so the factor stays
	// finite and JSON-safe.
	if losses > 0 {
		m.ProfitFactor = profits / losses
	} else {
		m.ProfitFactor = profits
	}
	m.MaxDrawdown = maxDrawdown(nets)
	m.Sharpe = tradeSharpe(nets)
	m.MedianNetPnL = median(nets)
	return m
}

// maxDrawdown is the largest peak-to-trough decline in USD over the
// cumulative net PnL curve, trades in close order.
func maxDrawdown(nets []float64) float64 {
	var equity, peak, dd float64
	for _, n := range nets {
		equity += n
		if equity > peak {
			peak = equity
		}
		if d := peak - equity; d > dd {
			dd = d
		}
	}
	return dd
}

// tradeSharpe is mean over standard deviation of per-trade net PnL.
// Zero variance yields 0.
func tradeSharpe(nets []float64) float64 {
	n := float64(len(nets))
	if n < 2 {
		return 0
	}
	var sum float64
	for _, v := range nets {
		sum += v
	}
	mean := sum / n

	var ss float64
	for _, v := range nets {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / (n - 1))
	if std == 0 {
		return 0
	}
	return mean / std
}

func median(nets []float64) float64 {
	sorted := append([]float64(nil), nets...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
