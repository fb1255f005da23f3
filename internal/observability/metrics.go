// Package observability exposes Prometheus metrics for the pipeline
// workers.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the daemon registers.
type Metrics struct {
	SignalsIngested   prometheus.Counter
	SignalsRejected   *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	GateBlocks        *prometheus.CounterVec
	VerificationCalls *prometheus.CounterVec
	VerifyLatency     prometheus.Histogram
	PositionsClosed   *prometheus.CounterVec
	OpenPositions     prometheus.Gauge
	RealizedPnL       prometheus.Counter
	RealizedLoss      prometheus.Counter
	LearnerApplied    prometheus.Counter
	WalkForwardRuns   *prometheus.CounterVec
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaldesk_signals_ingested_total",
			Help: "Signals accepted by the normalizer.",
		}),
		SignalsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_signals_rejected_total",
			Help: "Payloads rejected at intake by reason code.",
		}, []string{"reason"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_decisions_total",
			Help: "Terminal decisions by result.",
		}, []string{"result"}),
		GateBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_gate_blocks_total",
			Help: "Blocked decisions by failing gate.",
		}, []string{"gate"}),
		VerificationCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_verification_calls_total",
			Help: "Verification calls by outcome.",
		}, []string{"outcome"}),
		VerifyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "signaldesk_verification_seconds",
			Help:    "Verification call latency.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		PositionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_positions_closed_total",
			Help: "Closed positions by close reason.",
		}, []string{"reason"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaldesk_open_positions",
			Help: "Currently open positions.",
		}),
		RealizedPnL: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaldesk_realized_profit_usd_total",
			Help: "Cumulative realized net profit in USD.",
		}),
		RealizedLoss: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaldesk_realized_loss_usd_total",
			Help: "Cumulative realized net loss in USD (absolute value).",
		}),
		LearnerApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaldesk_learner_outcomes_applied_total",
			Help: "Closed positions applied to learning state.",
		}),
		WalkForwardRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaldesk_walkforward_runs_total",
			Help: "Walk-forward runs by outcome.",
		}, []string{"outcome"}),
	}
}
