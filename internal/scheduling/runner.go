package scheduling

import (
	"context"
	"log/slog"
	"time"

	"github.com/aevon-lab/chronicle/internal/core/clock"
)

// Runner keeps wall-time clocks current: on every tick it advances each of
// its clocks to the current time, delivering whatever fell due.
// Virtual clocks are left alone; they only move through AdvanceClock.
type Runner struct {
	scheduler *Scheduler
	interval  time.Duration
	clocks    []string
	now       clock.Clock
}

// NewRunner creates a runner for the given clocks, or the scheduler's default
// clock when none are named.
func NewRunner(s *Scheduler, interval time.Duration, clocks ...string) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	if len(clocks) == 0 {
		clocks = []string{s.DefaultClock()}
	}
	return &Runner{scheduler: s, interval: interval, clocks: clocks, now: clock.System()}
}

// Start advances the clocks until ctx is canceled, then runs a last bounded
// pass so commands due at shutdown are not left for the next process.
func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("[Runner] Starting scheduled command runner",
		"interval", r.interval,
		"clocks", r.clocks)

	r.tick(ctx)

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			slog.Info("[Runner] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Runner] Running final pass before shutdown...")
			r.tick(shutdownCtx)
			slog.Info("[Runner] Final pass complete")
			return nil
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	for _, name := range r.clocks {
		if ctx.Err() != nil {
			slog.Info("[Runner] Pass interrupted by context cancellation", "clock", name)
			return
		}
		adv, err := r.scheduler.AdvanceClock(ctx, name, r.now.Now())
		if err != nil {
			slog.Error("[Runner] Clock advance failed",
				"clock", name,
				"error", err)
			continue
		}
		if n := len(adv.Results); n > 0 {
			slog.Info("[Runner] Delivered due commands",
				"clock", name,
				"results", n,
				"succeeded", adv.Count(Delivered))
		}
	}
}
