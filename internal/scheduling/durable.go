package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aevon-lab/chronicle/internal/core/clock"
	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

// durableStore persists envelopes before scheduling and records the outcome
// of every delivery attempt.
type durableStore struct {
	store storage.ScheduledCommandStore
	log   *slog.Logger
}

// schedule stores the envelope, then lets the core decide whether to deliver
// it now. An envelope whose idempotency token is already pending for the same
// aggregate is deduplicated.
func (d *durableStore) schedule(ctx context.Context, env *Envelope, next Handler) (Result, error) {
	if isTerminal(env.Result) {
		return env.Result, nil
	}

	existing, err := d.store.FindScheduledCommandByETag(ctx, env.AggregateID, env.Command.ETag)
	switch {
	case err == nil:
		env.SequenceNumber = existing.SequenceNumber
		env.Result = &Deduplicated{
			env:    env,
			Reason: fmt.Sprintf("etag %q already scheduled as #%d", env.Command.ETag, existing.SequenceNumber),
		}
		return env.Result, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("dedupe %s: %w", env, err)
	}

	now := clock.Now(ctx)
	c, err := getOrCreateClock(ctx, d.store, env.Clock, now)
	if err != nil {
		return nil, err
	}

	serialized, err := env.serialize()
	if err != nil {
		return nil, err
	}
	rec := &storage.ScheduledCommand{
		AggregateID:       env.AggregateID,
		SequenceNumber:    env.SequenceNumber,
		AggregateType:     env.AggregateType,
		CommandType:       env.Command.Type,
		ETag:              env.Command.ETag,
		SerializedCommand: serialized,
		CreatedTime:       now,
		DueTime:           env.DueTime,
		Attempts:          env.Attempts,
		ClockID:           c.ID,
		ClockName:         c.Name,
	}
	if err := d.insert(ctx, rec); err != nil {
		return nil, err
	}
	env.SequenceNumber = rec.SequenceNumber

	return next(ctx, env)
}

// insert resolves sequence collisions. A scheduler-assigned number is
// negative and derived from the wall clock; on collision it is decremented
// until the insert succeeds. A collision on a caller-assigned number is a
// genuine conflict.
func (d *durableStore) insert(ctx context.Context, rec *storage.ScheduledCommand) error {
	if rec.SequenceNumber == 0 {
		rec.SequenceNumber = -time.Now().UnixNano()
	}
	for {
		err := d.store.InsertScheduledCommand(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return fmt.Errorf("store scheduled command %s #%d: %w", rec.AggregateID, rec.SequenceNumber, err)
		}
		if rec.SequenceNumber > 0 {
			return fmt.Errorf("%w: scheduled command %s #%d already exists", domain.ErrConcurrencyConflict, rec.AggregateID, rec.SequenceNumber)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.SequenceNumber--
	}
}

// deliver records the attempt against the stored envelope. Envelopes that were
// never stored pass through untouched.
func (d *durableStore) deliver(ctx context.Context, env *Envelope, next Handler) (Result, error) {
	if isTerminal(env.Result) {
		return env.Result, nil
	}
	at := deliveryTime(ctx, env)

	res, err := next(ctx, env)
	if err != nil || res == nil {
		return res, err
	}

	rec, err := d.store.GetScheduledCommand(ctx, env.AggregateID, env.SequenceNumber)
	if errors.Is(err, storage.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load scheduled command %s: %w", env, err)
	}

	rec.Attempts++
	switch r := res.(type) {
	case *Succeeded:
		rec.AppliedTime = &at
		if r.FollowUpErr != nil {
			d.recordError(ctx, rec, r.FollowUpErr, at)
		}
	case *Failed:
		d.recordError(ctx, rec, r.Err(), at)
		if after, ok := r.RetryAfter(); ok {
			due := at.Add(after)
			rec.DueTime = &due
		} else {
			rec.FinalAttemptTime = &at
		}
	}

	if err := d.store.UpdateScheduledCommand(ctx, rec); err != nil {
		return res, fmt.Errorf("update scheduled command %s: %w", env, err)
	}
	env.Attempts = rec.Attempts
	env.DueTime = rec.DueTime
	return res, nil
}

func (d *durableStore) recordError(ctx context.Context, rec *storage.ScheduledCommand, cause error, at time.Time) {
	e := storage.ScheduledCommandError{
		ID:             uuid.NewString(),
		AggregateID:    rec.AggregateID,
		SequenceNumber: rec.SequenceNumber,
		Detail:         cause.Error(),
		CreatedTime:    at,
	}
	if err := d.store.RecordError(ctx, e); err != nil {
		d.log.Error("[Scheduler] Failed to record delivery error",
			"aggregate_id", rec.AggregateID,
			"sequence_number", rec.SequenceNumber,
			"cause", cause,
			"error", err)
	}
}

// deliveryTime is the due time, or the context's current time for undated commands.
func deliveryTime(ctx context.Context, env *Envelope) time.Time {
	if env.DueTime != nil {
		return *env.DueTime
	}
	return clock.Now(ctx)
}
