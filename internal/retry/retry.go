// Package retry runs an operation until it succeeds, the attempt budget is
// spent, or the error is classified as permanent.
package retry

import (
	"context"
	"time"
)

// Backoff computes the wait before the given retry (1-based).
type Backoff func(retry int, base time.Duration) time.Duration

// Linear waits base, 2*base, 3*base, ...
func Linear(retry int, base time.Duration) time.Duration {
	return time.Duration(retry) * base
}

// Exponential waits base, 2*base, 4*base, ...
func Exponential(retry int, base time.Duration) time.Duration {
	return base << uint(retry-1)
}

// Policy bounds a retry loop. Retries is the number of attempts after the first.
type Policy struct {
	Retries   int
	BaseDelay time.Duration
	Backoff   Backoff
	// Retryable reports whether err may be retried. Nil retries everything.
	Retryable func(err error) bool
}

// Do calls fn until it returns nil or the policy gives up, returning the last
// error. A canceled ctx stops the loop with ctx.Err().
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Backoff == nil {
		p.Backoff = Exponential
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.Retries {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		timer := time.NewTimer(p.Backoff(attempt+1, p.BaseDelay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
