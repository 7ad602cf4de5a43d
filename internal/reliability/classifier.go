package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus reports whether a provider HTTP status is worth
// another attempt: timeouts, rate limits and transient server failures.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableCloseCode classifies websocket close codes after which a fresh
// call is likely to succeed.
func IsRetryableCloseCode(code int) bool {
	switch code {
	case GoingAway, AbnormalClosure, InternalError, ServiceRestart, TryAgainLater:
		return true
	default:
		return false
	}
}

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Delay returns the pause before retry n (n >= 1). It doubles from Base and
// never exceeds Cap.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx ends. onRetry, when set, sees each error that is
// about to be retried. The last error from fn is returned.
func Retry(ctx context.Context, b Backoff, sleep func(context.Context, time.Duration) error, retryable func(error) bool, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	attempts := max(b.Attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || retryable == nil || !retryable(err) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := sleep(ctx, b.Delay(attempt)); serr != nil {
			return err
		}
	}
	return err
}
