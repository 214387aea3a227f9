package relay

import (
	"time"

	"golang.org/x/time/rate"
)

// backoffMargin pads channel-issued retry-after durations so the retry does
// not land exactly on the limit boundary.
const backoffMargin = 100 * time.Millisecond

// Throttle enforces a minimum wall-clock interval between edits to the same
// output unit and honors channel backpressure. A suppressed edit loses
// nothing: the accumulated text is folded into the next edit that passes.
//
// Throttle is owned by a single generation task and is not safe for
// concurrent use, matching the one-task-per-session execution model.
type Throttle struct {
	limiter   *rate.Limiter
	notBefore time.Time
}

// NewThrottle creates a throttle admitting at most one edit per interval,
// with the first edit allowed immediately.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Allow reports whether an edit may be sent at now, consuming the slot when
// it may. Edits stay suppressed until any pending backoff deadline passes.
func (t *Throttle) Allow(now time.Time) bool {
	if now.Before(t.notBefore) {
		return false
	}
	return t.limiter.AllowN(now, 1)
}

// Backoff suspends edits until now plus the channel-requested duration and
// a small safety margin. The duration is honored verbatim; the caller
// retries the same content afterwards.
func (t *Throttle) Backoff(now time.Time, d time.Duration) {
	t.notBefore = now.Add(d + backoffMargin)
}

// BackoffDelay returns the sleep needed before the next attempt, zero when
// none is pending.
func (t *Throttle) BackoffDelay(now time.Time) time.Duration {
	if now.Before(t.notBefore) {
		return t.notBefore.Sub(now)
	}
	return 0
}
