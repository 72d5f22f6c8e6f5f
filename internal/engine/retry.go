package engine

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rskumar/orderflow/pkg/schema"
)

// IsRetryableError classifies whether a failed task runner query may be
// retried by the poll loop. PipelineErrors decide for themselves; network
// errors, deadlines and unknown errors are retryable; cancellation is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"access denied", "accessdenied", "not authorized", "entitynotfound", "invalidinput"} {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

// Budget bounds how long an execution may keep polling. Zero fields mean
// unbounded.
type Budget struct {
	MaxPolls int
	Timeout  time.Duration
}

// Exhausted reports whether another poll would exceed the budget, and why.
func (b Budget) Exhausted(polls int, startedAt, now time.Time) (bool, string) {
	if b.MaxPolls > 0 && polls >= b.MaxPolls {
		return true, "poll budget of " + strconv.Itoa(b.MaxPolls) + " exhausted"
	}
	if b.Timeout > 0 && !now.Before(startedAt.Add(b.Timeout)) {
		return true, "execution exceeded " + b.Timeout.String()
	}
	return false, ""
}

// Deadline returns the instant the timeout expires, or zero when unbounded.
func (b Budget) Deadline(startedAt time.Time) time.Time {
	if b.Timeout <= 0 {
		return time.Time{}
	}
	return startedAt.Add(b.Timeout)
}

// errWaitDeadline is returned by WaitFor when the wait was cut short by the
// execution deadline rather than the caller's context.
var errWaitDeadline = errors.New("execution deadline reached during wait")

// WaitFor sleeps for delay, returning early with ctx.Err() on cancellation or
// errWaitDeadline when deadline (if non-zero) falls inside the wait.
func WaitFor(ctx context.Context, delay time.Duration, deadline time.Time) error {
	cut := false
	if !deadline.IsZero() {
		if remaining := time.Until(deadline); remaining < delay {
			delay, cut = remaining, true
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if cut {
		return errWaitDeadline
	}
	return nil
}
