// Package worker schedules the independent pipeline loops. Each worker
// ticks on its own cadence and coordinates with the others only
// through the ledger; there is no shared in-memory state between them.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc runs one cycle of a worker. Errors are logged, never fatal;
// the next tick runs regardless.
type TickFunc func(ctx context.Context) error

type entry struct {
	name     string
	interval time.Duration
	tick     TickFunc
}

// Runner owns a set of ticker-driven workers.
type Runner struct {
	log     zerolog.Logger
	workers []entry
}

// NewRunner creates an empty Runner.
func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{log: log.With().Str("component", "runner").Logger()}
}

// Add registers a worker ticking at the given interval.
func (r *Runner) Add(name string, interval time.Duration, tick TickFunc) {
	r.workers = append(r.workers, entry{name: name, interval: interval, tick: tick})
}

// Run starts every worker and blocks until the context is canceled and
// all workers have drained. Each worker runs one immediate cycle
// before settling into its ticker.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range r.workers {
		wg.Add(1)
		go func(w entry) {
			defer wg.Done()
			r.runWorker(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (r *Runner) runWorker(ctx context.Context, w entry) {
	log := r.log.With().Str("worker", w.name).Logger()
	log.Info().Dur("interval", w.interval).Msg("worker started")

	runOnce := func() {
		if err := w.tick(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("tick failed")
		}
	}
	runOnce()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker stopped")
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
