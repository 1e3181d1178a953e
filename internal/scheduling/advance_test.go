package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/chronicle/internal/core/clock"
	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
	"github.com/aevon-lab/chronicle/internal/core/storage/memory"
)

func TestAdvanceClock_RejectsBackwardMove(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)

	_, err := f.scheduler.AdvanceClock(ctx, "sim", base)
	require.NoError(t, err)

	_, err = f.scheduler.AdvanceClock(ctx, "sim", base.Add(-time.Second))
	require.ErrorIs(t, err, clock.ErrMovedBackward)

	_, err = f.scheduler.AdvanceClockBy(ctx, "sim", -time.Minute)
	require.ErrorIs(t, err, clock.ErrMovedBackward)

	now, err := f.scheduler.Now(ctx, "sim")
	require.NoError(t, err)
	assert.Equal(t, base, now)
}

func TestAdvanceClock_DeliversInDueOrder(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	for _, item := range []struct {
		name   string
		offset time.Duration
	}{
		{"third", 3 * time.Hour},
		{"first", time.Hour},
		{"second", 2 * time.Hour},
	} {
		env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 1, Name: item.name})).At(base.Add(item.offset))
		_, err := f.scheduler.Schedule(ctx, env)
		require.NoError(t, err)
	}

	adv, err := f.scheduler.AdvanceClock(ctx, DefaultClockName, base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, adv.Count(Delivered))
	assert.Equal(t, base, adv.From)
	assert.Equal(t, base.Add(4*time.Hour), adv.To)

	assert.Equal(t, []string{"first", "second", "third"}, f.state(t, "c-1").Names)
	history := f.history(t, "c-1")
	require.Len(t, history, 4)
	for i := 1; i < 4; i++ {
		assert.Equal(t, base.Add(time.Duration(i)*time.Hour), history[i].Timestamp)
	}
}

func TestAdvanceClock_RetriesUntilAbandoned(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	res, err := f.scheduler.Schedule(ctx, NewEnvelope("counter", "c-1", command(t, "Fail", nil)))
	require.NoError(t, err)
	failed, ok := res.(*Failed)
	require.True(t, ok)
	after, retrying := failed.RetryAfter()
	require.True(t, retrying)
	assert.Equal(t, time.Minute, after)

	adv, err := f.scheduler.AdvanceClock(ctx, DefaultClockName, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, adv.Results, 4)
	for _, r := range adv.Results[:3] {
		assert.False(t, r.Terminal())
	}
	last, ok := adv.Results[3].(*Failed)
	require.True(t, ok)
	assert.True(t, last.Abandoned())
	assert.Equal(t, 4, last.PreviousAttempts())

	var rec *storage.ScheduledCommand
	for _, r := range f.stored(t, "c-1") {
		if r.CommandType == "Fail" {
			rec = r
		}
	}
	require.NotNil(t, rec)
	assert.Equal(t, 5, rec.Attempts)
	require.NotNil(t, rec.FinalAttemptTime)
	// 1 + 4 + 9 + 16 minutes of backoff before the fifth attempt.
	assert.Equal(t, base.Add(30*time.Minute), *rec.FinalAttemptTime)
	assert.Len(t, f.errorLog(t, rec), 5)

	adv, err = f.scheduler.AdvanceClock(ctx, DefaultClockName, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, adv.Results, "abandoned commands are never delivered again")
}

func TestAdvanceClock_PartitionsAggregatesAcrossWorkers(t *testing.T) {
	f := newFixture(t, WithWorkers(3), WithBatchSize(7))
	ctx := at(base)

	const aggregates = 12
	for i := 0; i < aggregates; i++ {
		id := fmt.Sprintf("c-%02d", i)
		f.create(t, ctx, id)
		for step := 1; step <= 3; step++ {
			env := NewEnvelope("counter", id, command(t, "Increment", incremented{By: step, Name: fmt.Sprintf("step-%d", step)})).
				At(base.Add(time.Duration(step) * time.Minute))
			_, err := f.scheduler.Schedule(ctx, env)
			require.NoError(t, err)
		}
	}

	adv, err := f.scheduler.AdvanceClock(ctx, DefaultClockName, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, aggregates*3, adv.Count(Delivered))

	for i := 0; i < aggregates; i++ {
		state := f.state(t, fmt.Sprintf("c-%02d", i))
		assert.Equal(t, 6, state.Total)
		assert.Equal(t, []string{"step-1", "step-2", "step-3"}, state.Names)
	}
}

func TestAdvanceClock_PreconditionGatesDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 1})).
		After(preconditionOn("c-2", "opened"))
	res, err := f.scheduler.Schedule(ctx, env)
	require.NoError(t, err)
	require.IsType(t, &Scheduled{}, res, "due but waiting on its precondition")

	adv, err := f.scheduler.AdvanceClock(ctx, DefaultClockName, base)
	require.NoError(t, err)
	require.Len(t, adv.Results, 1)
	failed, ok := adv.Results[0].(*Failed)
	require.True(t, ok)
	assert.ErrorIs(t, failed.Err(), domain.ErrPreconditionNotMet)
	assert.False(t, failed.Terminal())

	open := command(t, "Create", nil)
	open.ETag = "opened"
	_, err = f.scheduler.Schedule(ctx, NewEnvelope("counter", "c-2", open))
	require.NoError(t, err)

	adv, err = f.scheduler.AdvanceClock(ctx, DefaultClockName, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, adv.Results, 1)
	assert.True(t, Delivered(adv.Results[0]))
	assert.Equal(t, 1, f.state(t, "c-1").Total)
}

func TestAdvanceClock_QuarantinesUnreadableRecords(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	c, err := f.store.GetClock(ctx, DefaultClockName)
	require.NoError(t, err)
	broken := &storage.ScheduledCommand{
		AggregateID:       "c-1",
		SequenceNumber:    -1,
		AggregateType:     "counter",
		CommandType:       "Increment",
		SerializedCommand: json.RawMessage(`{"command":`),
		CreatedTime:       base,
		ClockID:           c.ID,
	}
	require.NoError(t, f.store.InsertScheduledCommand(ctx, broken))

	adv, err := f.scheduler.AdvanceClock(ctx, DefaultClockName, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, adv.Results)

	rec, err := f.store.GetScheduledCommand(ctx, "c-1", -1)
	require.NoError(t, err)
	assert.NotNil(t, rec.FinalAttemptTime)
	assert.Equal(t, 1, rec.Attempts)
	assert.Len(t, f.errorLog(t, rec), 1)
}

func TestTrigger_DeliversRegardlessOfDueTime(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 4})).At(base.Add(48 * time.Hour))
	_, err := f.scheduler.Schedule(ctx, env)
	require.NoError(t, err)

	results, err := f.scheduler.Trigger(ctx, storage.ScheduledCommandFilter{AggregateID: "c-1", PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, Delivered(results[0]))
	assert.Equal(t, 4, f.state(t, "c-1").Total)

	history := f.history(t, "c-1")
	assert.Equal(t, base, history[len(history)-1].Timestamp)

	results, err = f.scheduler.Trigger(ctx, storage.ScheduledCommandFilter{AggregateID: "c-1", CommandType: "Increment"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, Delivered(results[0]))
	assert.Equal(t, 4, f.state(t, "c-1").Total, "redelivery is a no-op thanks to the idempotency token")
}

func TestAdvanceClock_StopsOnCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(at(base))
	cancel()

	_, err := f.scheduler.AdvanceClock(ctx, DefaultClockName, base.Add(time.Hour))
	require.ErrorIs(t, err, context.Canceled)
}

func TestAdvanceClock_UnloadableAggregateIsRetriedThenAbandoned(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	require.NoError(t, f.events.AppendEvents(ctx, "counter", []domain.Event{{
		AggregateID:    "bad",
		SequenceNumber: 1,
		Timestamp:      base,
		Type:           "Incremented",
		Data:           json.RawMessage(`"not an object"`),
	}}))

	due := base.Add(time.Hour)
	for _, id := range []string{"bad", "c-1"} {
		res, err := f.scheduler.Schedule(ctx, NewEnvelope("counter", id, command(t, "Increment", incremented{By: 1})).At(due))
		require.NoError(t, err)
		require.IsType(t, &Scheduled{}, res)
	}

	adv, err := f.scheduler.AdvanceClock(ctx, DefaultClockName, base.Add(2*time.Hour))
	require.NoError(t, err, "a broken history fails its own command, not the advance")
	assert.Equal(t, 1, adv.Count(Delivered))
	assert.Equal(t, 1, f.state(t, "c-1").Total)

	var failures []*Failed
	for _, r := range adv.Results {
		if failed, ok := r.(*Failed); ok {
			failures = append(failures, failed)
		}
	}
	require.Len(t, failures, 5)
	assert.True(t, failures[4].Abandoned())
	assert.Contains(t, failures[0].Err().Error(), "decode Incremented event payload")

	recs := f.stored(t, "bad")
	require.Len(t, recs, 1)
	assert.Equal(t, 5, recs[0].Attempts)
	require.NotNil(t, recs[0].FinalAttemptTime)
	assert.Len(t, f.errorLog(t, recs[0]), 5)

	adv, err = f.scheduler.AdvanceClock(ctx, DefaultClockName, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, adv.Results)
}

// racingClockStore moves a clock ahead just before the scheduler's own
// update lands, as a concurrent advance would.
type racingClockStore struct {
	*memory.SchedulerStore
	armed  bool
	raceTo time.Time
}

func (s *racingClockStore) UpdateClock(ctx context.Context, c *storage.Clock) error {
	if s.armed {
		s.armed = false
		ahead := *c
		ahead.UTCNow = s.raceTo
		if err := s.SchedulerStore.UpdateClock(ctx, &ahead); err != nil {
			return err
		}
	}
	return s.SchedulerStore.UpdateClock(ctx, c)
}

func TestAdvanceClock_ConcurrentAdvanceNeverMovesClockBack(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)

	store := &racingClockStore{SchedulerStore: memory.NewSchedulerStore(), raceTo: base.Add(3 * time.Hour)}
	s, err := New(f.registry, f.repo, store)
	require.NoError(t, err)

	_, err = store.CreateClock(ctx, DefaultClockName, base)
	require.NoError(t, err)

	store.armed = true
	_, err = s.AdvanceClock(ctx, DefaultClockName, base.Add(time.Hour))
	require.ErrorIs(t, err, clock.ErrMovedBackward)

	now, err := s.Now(ctx, DefaultClockName)
	require.NoError(t, err)
	assert.Equal(t, base.Add(3*time.Hour), now)
}
