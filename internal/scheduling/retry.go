package scheduling

import "time"

// RetryPolicy governs automatic retries of transient delivery failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of delivery attempts before abandoning.
	MaxAttempts int
	// Unit scales the quadratic backoff.
	Unit time.Duration
	// Max caps a single backoff. Zero means uncapped.
	Max time.Duration
}

// DefaultRetryPolicy makes five attempts, backing off 1, 4, 9 and 16 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Unit: time.Minute}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Unit <= 0 {
		p.Unit = time.Minute
	}
	return p
}

// ShouldRetry reports whether another attempt is allowed after previousAttempts
// earlier attempts and the one that just failed.
func (p RetryPolicy) ShouldRetry(previousAttempts int) bool {
	return previousAttempts+1 < p.normalized().MaxAttempts
}

// Backoff is (previousAttempts+1)² units, capped at Max when set.
func (p RetryPolicy) Backoff(previousAttempts int) time.Duration {
	p = p.normalized()
	n := time.Duration(previousAttempts + 1)
	d := n * n * p.Unit
	if p.Max > 0 && (d > p.Max || d < 0) {
		return p.Max
	}
	return d
}
