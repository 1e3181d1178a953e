package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aevon-lab/chronicle/internal/core/clock"
	"github.com/aevon-lab/chronicle/internal/core/partition"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

// Advance summarizes one clock advancement.
type Advance struct {
	Clock   string
	From    time.Time
	To      time.Time
	Results []Result
}

// Count returns how many results satisfy pred.
func (a *Advance) Count(pred func(Result) bool) int {
	n := 0
	for _, r := range a.Results {
		if pred(r) {
			n++
		}
	}
	return n
}

// AdvanceClock moves a named clock forward to `to` and delivers every pending
// command on it that is due by then, earliest first. Commands scheduled by
// those deliveries are delivered in later passes if they also fall due.
// Moving a clock backward fails and leaves it unchanged.
func (s *Scheduler) AdvanceClock(ctx context.Context, name string, to time.Time) (*Advance, error) {
	to = to.UTC()
	c, err := getOrCreateClock(ctx, s.store, name, to)
	if err != nil {
		return nil, err
	}
	if to.Before(c.UTCNow) {
		slog.Warn("[Scheduler] Rejected backward clock move",
			"clock", name,
			"current", c.UTCNow,
			"requested", to)
		return nil, fmt.Errorf("%w: clock %q is at %s, requested %s",
			clock.ErrMovedBackward, name, c.UTCNow.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
	}

	adv := &Advance{Clock: name, From: c.UTCNow, To: to}
	c.UTCNow = to
	if err := s.store.UpdateClock(ctx, c); err != nil {
		if errors.Is(err, clock.ErrMovedBackward) {
			slog.Warn("[Scheduler] Clock moved past target by a concurrent advance",
				"clock", name,
				"requested", to)
		}
		return nil, fmt.Errorf("advance clock %q: %w", name, err)
	}

	ctx = WithClockName(clock.WithOverride(ctx, clock.Fixed(to)), name)

	passes := 0
	for ; passes < s.maxPasses; passes++ {
		if err := ctx.Err(); err != nil {
			return adv, err
		}
		due, err := s.store.DueScheduledCommands(ctx, c.ID, to, s.batchSize)
		if err != nil {
			return adv, fmt.Errorf("query due commands on %q: %w", name, err)
		}
		if len(due) == 0 {
			break
		}
		results, err := s.deliverRecords(ctx, due, false)
		adv.Results = append(adv.Results, results...)
		if err != nil {
			return adv, err
		}
	}
	if passes == s.maxPasses {
		slog.Warn("[Scheduler] Max delivery passes reached, remaining commands wait for the next advance",
			"clock", name,
			"max_passes", s.maxPasses)
	}

	slog.Info("[Scheduler] Clock advanced",
		"clock", name,
		"from", adv.From,
		"to", adv.To,
		"delivered", adv.Count(Delivered),
		"results", len(adv.Results))
	return adv, nil
}

// AdvanceClockBy moves a named clock forward by d.
func (s *Scheduler) AdvanceClockBy(ctx context.Context, name string, d time.Duration) (*Advance, error) {
	if d < 0 {
		return nil, fmt.Errorf("%w: negative duration %s", clock.ErrMovedBackward, d)
	}
	c, err := s.clock(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.AdvanceClock(ctx, name, c.UTCNow.Add(d))
}

// Trigger delivers every stored command the filter selects now, whatever its
// due time or state. Applied and abandoned commands are redelivered too; the
// aggregate's idempotency token is what keeps a redelivered command from
// taking effect twice. Events are stamped with the context's current time.
func (s *Scheduler) Trigger(ctx context.Context, filter storage.ScheduledCommandFilter) ([]Result, error) {
	recs, err := s.store.QueryScheduledCommands(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("trigger: %w", err)
	}
	slog.Info("[Scheduler] Triggering stored commands",
		"clock", filter.ClockName,
		"aggregate_id", filter.AggregateID,
		"count", len(recs))
	return s.deliverRecords(ctx, recs, true)
}

// deliverRecords delivers each aggregate's commands in order, with aggregates
// spread over partition lanes that run concurrently. Immediate deliveries
// ignore the stored due time.
func (s *Scheduler) deliverRecords(ctx context.Context, recs []*storage.ScheduledCommand, immediate bool) ([]Result, error) {
	lanes := partition.Group(recs, func(r *storage.ScheduledCommand) string { return r.AggregateID })

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(recs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, lane := range lanes {
		lane := lane
		g.Go(func() error {
			for _, rec := range lane {
				env, err := envelopeFromRecord(rec)
				if err != nil {
					s.quarantine(gctx, rec, err)
					continue
				}
				if immediate {
					env.DueTime = nil
				}
				res, err := s.pipes.deliverFor(env.AggregateType)(gctx, env)
				if err != nil {
					return fmt.Errorf("deliver %s: %w", env, err)
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// quarantine ends delivery of a record that cannot be deserialized.
func (s *Scheduler) quarantine(ctx context.Context, rec *storage.ScheduledCommand, cause error) {
	now := clock.Now(ctx)
	rec.Attempts++
	rec.FinalAttemptTime = &now
	d := durableStore{store: s.store, log: slog.Default()}
	d.recordError(ctx, rec, cause, now)
	if err := s.store.UpdateScheduledCommand(ctx, rec); err != nil {
		slog.Error("[Scheduler] Failed to quarantine unreadable command",
			"aggregate_id", rec.AggregateID,
			"sequence_number", rec.SequenceNumber,
			"error", err)
		return
	}
	slog.Error("[Scheduler] Quarantined unreadable command",
		"aggregate_id", rec.AggregateID,
		"sequence_number", rec.SequenceNumber,
		"error", cause)
}
