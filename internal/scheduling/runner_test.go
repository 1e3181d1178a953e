package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/chronicle/internal/core/clock"
)

func TestRunner_TickAdvancesToWallTime(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 1})).At(base.Add(time.Minute))
	_, err := f.scheduler.Schedule(ctx, env)
	require.NoError(t, err)

	r := NewRunner(f.scheduler, time.Hour)
	assert.Equal(t, []string{DefaultClockName}, r.clocks)

	r.now = clock.Fixed(base.Add(30 * time.Second))
	r.tick(context.Background())
	assert.Equal(t, 0, f.state(t, "c-1").Total)

	r.now = clock.Fixed(base.Add(2 * time.Minute))
	r.tick(context.Background())
	assert.Equal(t, 1, f.state(t, "c-1").Total)

	now, err := f.scheduler.Now(ctx, DefaultClockName)
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Minute), now)
}

func TestRunner_StartDrainsAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := at(base)
	f.create(t, ctx, "c-1")

	env := NewEnvelope("counter", "c-1", command(t, "Increment", incremented{By: 1})).At(base.Add(time.Minute))
	_, err := f.scheduler.Schedule(ctx, env)
	require.NoError(t, err)

	r := NewRunner(f.scheduler, time.Hour)
	r.now = clock.Fixed(base.Add(time.Hour))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(runCtx) }()

	require.Eventually(t, func() bool {
		agg, err := f.repo.Get(context.Background(), "counter", "c-1")
		return err == nil && agg.Version() == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_BackwardClockIsLoggedNotFatal(t *testing.T) {
	f := newFixture(t)
	_, err := f.scheduler.AdvanceClock(at(base), "sim", base)
	require.NoError(t, err)

	r := NewRunner(f.scheduler, time.Hour, "sim")
	r.now = clock.Fixed(base.Add(-time.Hour))
	r.tick(context.Background())

	now, err := f.scheduler.Now(at(base), "sim")
	require.NoError(t, err)
	assert.Equal(t, base, now)
}
