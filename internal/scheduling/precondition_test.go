package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/chronicle/internal/core/domain"
)

func TestScheduleAwaiting_DeliversWhenEventArrives(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		open := command(t, "Create", nil)
		open.ETag = "opened"
		_, _ = f.scheduler.Schedule(ctx, NewEnvelope("counter", "c-2", open))
	}()

	env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 3})).
		After(preconditionOn("c-2", "opened"))
	res, err := f.scheduler.ScheduleAwaiting(ctx, env, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, Delivered(res))
	assert.Equal(t, 3, f.state(t, "c-1").Total)
}

func TestScheduleAwaiting_AlreadyMetDeliversImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	open := command(t, "Create", nil)
	open.ETag = "opened"
	_, err := f.scheduler.Schedule(ctx, NewEnvelope("counter", "c-2", open))
	require.NoError(t, err)

	env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 1})).
		After(preconditionOn("c-2", "opened"))
	res, err := f.scheduler.ScheduleAwaiting(ctx, env, time.Second)
	require.NoError(t, err)
	assert.True(t, Delivered(res))
}

func TestScheduleAwaiting_TimeoutLeavesCommandPending(t *testing.T) {
	var timedOut *Envelope
	f := newFixture(t, WithPreconditionTimeoutHandler(func(_ context.Context, env *Envelope, err error) {
		assert.ErrorIs(t, err, domain.ErrPreconditionNotMet)
		timedOut = env
	}))
	ctx := at(base)
	f.create(t, ctx, "c-1")

	env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 1})).
		After(preconditionOn("c-2", "never"))
	res, err := f.scheduler.ScheduleAwaiting(ctx, env, 50*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrPreconditionNotMet)
	require.IsType(t, &Scheduled{}, res)
	assert.Same(t, env, timedOut)

	var pending int
	for _, rec := range f.stored(t, "c-1") {
		if rec.Pending() {
			pending++
			assert.Equal(t, 0, rec.Attempts)
		}
	}
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, f.state(t, "c-1").Total)
}

func TestScheduleAwaiting_FutureCommandDoesNotWait(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 1})).
		At(base.Add(time.Hour)).
		After(preconditionOn("c-2", "never"))

	start := time.Now()
	res, err := f.scheduler.ScheduleAwaiting(ctx, env, 5*time.Second)
	require.NoError(t, err)
	require.IsType(t, &Scheduled{}, res)
	assert.Less(t, time.Since(start), time.Second)
}

func TestScheduleAwaiting_NeedsSubscriber(t *testing.T) {
	f := newFixture(t)
	s, err := New(f.registry, f.repo, f.store)
	require.NoError(t, err)

	_, err = s.ScheduleAwaiting(at(base), NewEnvelope("counter", "c-1", command(t, "Create", nil)), time.Second)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestSchedule_PreconditionWithoutVerifierStaysScheduled(t *testing.T) {
	f := newFixture(t)
	s, err := New(f.registry, f.repo, f.store)
	require.NoError(t, err)

	env := NewEnvelope("counter", "c-1", command(t, "Create", nil)).After(preconditionOn("c-2", "x"))
	res, err := s.Schedule(at(base), env)
	require.NoError(t, err)
	require.IsType(t, &Scheduled{}, res)
}
