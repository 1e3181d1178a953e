package scheduling

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrResultDecided is returned when a Failed result is canceled or retried twice.
var ErrResultDecided = errors.New("failed result already canceled or retried")

// Result is the outcome of scheduling or delivering an envelope.
// Values are immutable once built, except that a *Failed may be decided once.
type Result interface {
	Envelope() *Envelope
	// Terminal reports whether the envelope must never be delivered again.
	Terminal() bool
	String() string
}

// Scheduled means the command was stored against a clock and awaits delivery.
type Scheduled struct {
	env   *Envelope
	Clock string
}

func (r *Scheduled) Envelope() *Envelope { return r.env }
func (r *Scheduled) Terminal() bool      { return false }
func (r *Scheduled) String() string      { return fmt.Sprintf("scheduled on %s", r.Clock) }

// Deduplicated means an equivalent command was already scheduled.
type Deduplicated struct {
	env    *Envelope
	Reason string
}

func (r *Deduplicated) Envelope() *Envelope { return r.env }
func (r *Deduplicated) Terminal() bool      { return true }
func (r *Deduplicated) String() string      { return "deduplicated: " + r.Reason }

// Succeeded means the command was applied and its events saved.
type Succeeded struct {
	env *Envelope
	// FollowUpErr is set when publication or an after-save action failed
	// once the events were already durable.
	FollowUpErr error
}

func (r *Succeeded) Envelope() *Envelope { return r.env }
func (r *Succeeded) Terminal() bool      { return true }
func (r *Succeeded) String() string      { return "succeeded" }

// Failed is a delivery failure. Exactly one of Cancel, Retry or the
// scheduler's abandonment may decide what happens next.
type Failed struct {
	env              *Envelope
	err              error
	previousAttempts int

	mu         sync.Mutex
	decided    bool
	canceled   bool
	abandoned  bool
	retryAfter time.Duration
}

func newFailed(env *Envelope, err error, previousAttempts int) *Failed {
	return &Failed{env: env, err: err, previousAttempts: previousAttempts}
}

func (r *Failed) Envelope() *Envelope { return r.env }

// Err is the cause of the failure.
func (r *Failed) Err() error { return r.err }

func (r *Failed) Unwrap() error { return r.err }

// PreviousAttempts counts delivery attempts before this one.
func (r *Failed) PreviousAttempts() int { return r.previousAttempts }

// Cancel stops any further delivery.
func (r *Failed) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decided {
		return ErrResultDecided
	}
	r.decided = true
	r.canceled = true
	return nil
}

// Retry asks for another attempt after the given delay.
func (r *Failed) Retry(after time.Duration) error {
	if after < 0 {
		after = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decided {
		return ErrResultDecided
	}
	r.decided = true
	r.retryAfter = after
	return nil
}

func (r *Failed) abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.decided {
		r.decided = true
		r.abandoned = true
	}
}

func (r *Failed) isDecided() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decided
}

func (r *Failed) Canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// Abandoned reports whether the retry ceiling or a deterministic error ended delivery.
func (r *Failed) Abandoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abandoned
}

// RetryAfter returns the requested retry delay, if a retry was requested.
func (r *Failed) RetryAfter() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.decided || r.canceled || r.abandoned {
		return 0, false
	}
	return r.retryAfter, true
}

func (r *Failed) Terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled || r.abandoned
}

func (r *Failed) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.canceled:
		return fmt.Sprintf("failed (canceled) after %d attempts: %v", r.previousAttempts+1, r.err)
	case r.abandoned:
		return fmt.Sprintf("failed (abandoned) after %d attempts: %v", r.previousAttempts+1, r.err)
	case r.decided:
		return fmt.Sprintf("failed, retrying in %s: %v", r.retryAfter, r.err)
	}
	return fmt.Sprintf("failed: %v", r.err)
}

// Delivered reports whether r records the command as applied.
func Delivered(r Result) bool {
	_, ok := r.(*Succeeded)
	return ok
}

// isTerminal is nil-safe.
func isTerminal(r Result) bool {
	return r != nil && r.Terminal()
}
