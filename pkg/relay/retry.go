package relay

import (
	"context"
	"errors"
	"time"
)

// Policy bounds the retry behavior for one remote send.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first try.
	MaxAttempts int
	// BaseDelay is the initial backoff delay for transient failures.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

// DefaultPolicy returns the standard three-attempt policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// exhausted.  Rate-limit errors wait exactly the duration the remote supplied
// without advancing the backoff schedule; transient errors back off
// exponentially from BaseDelay up to MaxDelay.  Context cancellation abandons
// the operation immediately.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		var rateLimited *RateLimitedError
		var transient *TransientError
		switch {
		case errors.As(err, &rateLimited):
			if werr := sleepContext(ctx, rateLimited.RetryAfter); werr != nil {
				return werr
			}
		case errors.As(err, &transient):
			if werr := sleepContext(ctx, delay); werr != nil {
				return werr
			}
			delay *= 2
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		default:
			// Permanent failure, retrying won't help.
			return err
		}
	}
	return lastErr
}

// sleepContext waits for d or until ctx is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
