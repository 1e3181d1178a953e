package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/chronicle/internal/core/bus"
	"github.com/aevon-lab/chronicle/internal/core/domain"
)

// DefaultPreconditionTimeout bounds ScheduleAwaiting when no timeout is given.
const DefaultPreconditionTimeout = 10 * time.Second

// ScheduleAwaiting schedules env and, if it is due but held back only by its
// precondition, waits up to timeout for the awaited event and then delivers it.
//
// On timeout the envelope is handed to the precondition timeout handler and
// ErrPreconditionNotMet is returned. The stored command stays pending, so a
// clock advance or a manual trigger can still deliver it.
func (s *Scheduler) ScheduleAwaiting(ctx context.Context, env *Envelope, timeout time.Duration) (Result, error) {
	if s.events == nil {
		return nil, fmt.Errorf("%w: waiting on a precondition needs an event bus", domain.ErrConfiguration)
	}
	res, err := s.Schedule(ctx, env)
	if err != nil || env.Precondition == nil {
		return res, err
	}
	if _, pending := res.(*Scheduled); !pending {
		return res, nil
	}
	now, err := s.clockTime(ctx, env.Clock)
	if err != nil {
		return res, err
	}
	if !env.IsDue(now) {
		return res, nil
	}
	if timeout <= 0 {
		timeout = s.preconditionTimeout
	}
	return s.awaitPrecondition(ctx, env, timeout)
}

func (s *Scheduler) awaitPrecondition(ctx context.Context, env *Envelope, timeout time.Duration) (Result, error) {
	p := *env.Precondition

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub, err := s.events.Subscribe(waitCtx, bus.Filter{AggregateID: p.Scope, ETag: p.ETag})
	if err != nil {
		return env.Result, fmt.Errorf("subscribe for precondition %s: %w", p, err)
	}
	defer sub.Close()

	// The event may have been committed between the first check and the subscription.
	if s.preconditionMet(ctx, env) {
		return s.Deliver(ctx, env)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			return s.Deliver(ctx, env)
		}
	case <-waitCtx.Done():
	}
	if err := ctx.Err(); err != nil {
		return env.Result, err
	}

	timeoutErr := fmt.Errorf("%w: %s not recorded within %s", domain.ErrPreconditionNotMet, p, timeout)
	slog.Warn("[Scheduler] Precondition wait timed out",
		"aggregate_id", env.AggregateID,
		"command", env.Command.Type,
		"precondition", p.String(),
		"timeout", timeout)
	if s.onTimeout != nil {
		s.onTimeout(ctx, env, timeoutErr)
	}
	return env.Result, timeoutErr
}
