package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Policy bounds a retry loop
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy is three attempts starting at 200ms
var DefaultPolicy = Policy{
	Attempts:  3,
	BaseDelay: 200 * time.Millisecond,
	MaxDelay:  5 * time.Second,
}

// Backoff returns the delay before retry number attempt (1-based): base doubled per attempt, capped, ±25% jitter
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}

	d := base << uint(attempt-1)
	if maxDelay > 0 && (d > maxDelay || d <= 0) {
		d = maxDelay
	}

	quarter := int64(d) / 4
	if quarter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*quarter)-quarter)
}

// Do runs fn until it succeeds, returns an error that retryable rejects, or runs out of attempts.
// The last error is returned unchanged so callers can classify it.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) {
			return err
		}

		timer := time.NewTimer(Backoff(p.BaseDelay, p.MaxDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return goerr.Wrap(err, "retry aborted", goerr.V("attempt", attempt), goerr.V("cause", ctx.Err()))
		case <-timer.C:
		}
	}
	return err
}
