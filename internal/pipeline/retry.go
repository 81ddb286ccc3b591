package pipeline

import (
	"context"
	"time"
)

// RetryPolicy bounds the in-pass retries applied to one event.
type RetryPolicy struct {
	// WriteAttempts is the total number of tries for a failing write.
	WriteAttempts int
	WriteBackoff  time.Duration
	MaxBackoff    time.Duration
	// MissingRowAttempts is the total number of tries while the referenced
	// trade row has not landed yet.
	MissingRowAttempts int
	MissingRowDelay    time.Duration
	// MissingRowPasses bounds how many exhausted passes the same event may
	// fail on a missing row before it is recorded as unresolved and let
	// through. 0 never gives up.
	MissingRowPasses int
}

// DefaultRetryPolicy returns the policy used when config leaves it unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		WriteAttempts:      5,
		WriteBackoff:       500 * time.Millisecond,
		MaxBackoff:         60 * time.Second,
		MissingRowAttempts: 5,
		MissingRowDelay:    2 * time.Second,
		MissingRowPasses:   3,
	}
}

// Backoff returns base * 2^retry capped at ceiling. Negative retries yield base.
func Backoff(base, ceiling time.Duration, retry int) time.Duration {
	if retry < 0 {
		return base
	}
	if retry > 30 {
		return ceiling
	}
	d := base * time.Duration(1<<retry)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
