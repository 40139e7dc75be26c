// Package clock provides the monotonic deadline helpers the fabric uses
// to bound sends, receives, and replies. It mirrors calc_deadline /
// is_deadline_expired / has_no_deadline from the original protocol,
// built on time.Time's monotonic reading rather than a raw
// struct-timespec, since Go's time package already guarantees
// monotonic comparisons for values produced by time.Now.
package clock

import "time"

// safetyMargin absorbs scheduling jitter around poll-loop wakeups, same
// role as the original's caller-supplied safety_ms but fixed at a value
// tuned for the ~1s receive-poll interval.
const safetyMargin = 10 * time.Millisecond

// NoDeadline is the zero value: a deadline that never expires. Produced
// by leaving a Header's Deadline field unset (e.g. a fire-and-forget
// Send), never by CalcDeadline.
var NoDeadline time.Time

// CalcDeadline converts a caller-supplied timeout_ms parameter (connect
// timeout, reply timeout) into an absolute deadline. A timeout of zero
// means "don't wait" — it returns a deadline already in the past, not
// NoDeadline, so callers fail fast with TIMEOUT instead of blocking
// forever, matching the boundary behavior that a reply timeout of 0
// only succeeds if the reply is already queued.
func CalcDeadline(timeoutMs uint64) time.Time {
	if timeoutMs == 0 {
		return time.Now()
	}
	return time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
}

// HasNoDeadline reports whether deadline represents "wait forever".
func HasNoDeadline(deadline time.Time) bool {
	return deadline.IsZero()
}

// IsDeadlineExpired reports whether deadline has passed, applying the
// safety margin so a deadline that expires within the next poll tick is
// treated as already expired rather than requiring one more spin.
func IsDeadlineExpired(deadline time.Time) bool {
	if HasNoDeadline(deadline) {
		return false
	}
	return time.Now().Add(safetyMargin).After(deadline)
}

// Remaining returns the duration until deadline, or the largest
// representable duration if there is no deadline. Never negative.
func Remaining(deadline time.Time) time.Duration {
	if HasNoDeadline(deadline) {
		return time.Duration(1<<63 - 1)
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}
