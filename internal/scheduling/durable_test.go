package scheduling

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
	"github.com/aevon-lab/chronicle/internal/core/storage/memory"
)

// collidingStore reports the next inserts as duplicates.
type collidingStore struct {
	*memory.SchedulerStore

	mu         sync.Mutex
	collisions int
	attempted  []int64
}

func (c *collidingStore) InsertScheduledCommand(ctx context.Context, cmd *storage.ScheduledCommand) error {
	c.mu.Lock()
	c.attempted = append(c.attempted, cmd.SequenceNumber)
	collide := c.collisions > 0
	if collide {
		c.collisions--
	}
	c.mu.Unlock()
	if collide {
		return storage.ErrDuplicate
	}
	return c.SchedulerStore.InsertScheduledCommand(ctx, cmd)
}

func TestDurableInsert_DecrementsPastCollisions(t *testing.T) {
	store := &collidingStore{SchedulerStore: memory.NewSchedulerStore(), collisions: 3}
	d := &durableStore{store: store, log: slog.Default()}

	rec := &storage.ScheduledCommand{AggregateID: "c-1", CreatedTime: base}
	require.NoError(t, d.insert(context.Background(), rec))

	require.Len(t, store.attempted, 4)
	first := store.attempted[0]
	assert.Less(t, first, int64(0))
	for i, seq := range store.attempted {
		assert.Equal(t, first-int64(i), seq)
	}
	assert.Equal(t, first-3, rec.SequenceNumber)

	_, err := store.GetScheduledCommand(context.Background(), "c-1", rec.SequenceNumber)
	require.NoError(t, err)
}

func TestDurableInsert_PositiveCollisionIsConflict(t *testing.T) {
	store := &collidingStore{SchedulerStore: memory.NewSchedulerStore(), collisions: 1}
	d := &durableStore{store: store, log: slog.Default()}

	rec := &storage.ScheduledCommand{AggregateID: "c-1", SequenceNumber: 12, CreatedTime: base}
	err := d.insert(context.Background(), rec)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, []int64{12}, store.attempted)
}

func TestDurableDeliver_PassesThroughUnstoredEnvelopes(t *testing.T) {
	store := memory.NewSchedulerStore()
	d := &durableStore{store: store, log: slog.Default()}
	env := &Envelope{AggregateID: "c-1", SequenceNumber: -5}

	res, err := d.deliver(at(base), env, func(ctx context.Context, env *Envelope) (Result, error) {
		env.Result = &Succeeded{env: env}
		return env.Result, nil
	})
	require.NoError(t, err)
	assert.True(t, Delivered(res))
	assert.Zero(t, env.Attempts)
}

func TestDurableDeliver_RecordsFollowUpError(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 1})).At(base.Add(time.Hour))
	_, err := f.scheduler.Schedule(ctx, env)
	require.NoError(t, err)

	d := &durableStore{store: f.store, log: slog.Default()}
	res, err := d.deliver(at(base.Add(time.Hour)), env, func(ctx context.Context, env *Envelope) (Result, error) {
		env.Result = &Succeeded{env: env, FollowUpErr: storage.ErrPostCommit}
		return env.Result, nil
	})
	require.NoError(t, err)
	assert.True(t, Delivered(res))

	rec, err := f.store.GetScheduledCommand(ctx, "c-1", env.SequenceNumber)
	require.NoError(t, err)
	require.NotNil(t, rec.AppliedTime)
	assert.Equal(t, base.Add(time.Hour), *rec.AppliedTime)
	assert.Len(t, f.errorLog(t, rec), 1)
}
