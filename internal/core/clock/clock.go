// Package clock provides the time sources used for due-time evaluation and
// event timestamps.
//
// Time-sensitive code never reads the wall clock directly. It asks Now(ctx),
// which honors a scoped override installed with WithOverride. The scheduler
// uses this to make events recorded during a delivery carry the command's
// scheduled time instead of the time the delivery happened to run.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrMovedBackward is returned when a clock is asked to move to an earlier time.
var ErrMovedBackward = errors.New("clock cannot be moved backward")

// Clock is a source of the current time.
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function to Clock.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the UTC wall clock.
func System() Clock { return systemClock{} }

type fixedClock time.Time

func (f fixedClock) Now() time.Time { return time.Time(f) }

// Fixed returns a clock frozen at t.
func Fixed(t time.Time) Clock { return fixedClock(t.UTC()) }

// Virtual is a manually advanced clock for deterministic tests and backfills.
// It is safe for concurrent use.
type Virtual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewVirtual creates a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start.UTC()}
}

func (v *Virtual) Now() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.now
}

// AdvanceTo moves the clock to t. Moving backward fails and leaves the clock untouched.
func (v *Virtual) AdvanceTo(t time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	t = t.UTC()
	if t.Before(v.now) {
		return fmt.Errorf("%w: %s is before %s", ErrMovedBackward, t.Format(time.RFC3339Nano), v.now.Format(time.RFC3339Nano))
	}
	v.now = t
	return nil
}

// Advance moves the clock forward by d.
func (v *Virtual) Advance(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative duration %s", ErrMovedBackward, d)
	}
	return v.AdvanceTo(v.Now().Add(d))
}

type overrideKey struct{}

// WithOverride returns a context in which Now reports c's time.
// The override is visible only to calls made with the returned context.
func WithOverride(ctx context.Context, c Clock) context.Context {
	return context.WithValue(ctx, overrideKey{}, c)
}

// FromContext returns the override installed on ctx, if any.
func FromContext(ctx context.Context) (Clock, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(overrideKey{}).(Clock)
	return c, ok
}

// Now returns the overridden time for ctx, or UTC wall time when there is none.
func Now(ctx context.Context) time.Time {
	if c, ok := FromContext(ctx); ok {
		return c.Now()
	}
	return time.Now().UTC()
}

// NowOr is like Now but falls back to fallback instead of the wall clock.
func NowOr(ctx context.Context, fallback Clock) time.Time {
	if c, ok := FromContext(ctx); ok {
		return c.Now()
	}
	if fallback == nil {
		return time.Now().UTC()
	}
	return fallback.Now()
}
