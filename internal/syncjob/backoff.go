package syncjob

import (
	"context"
	"time"
)

// RetryPolicy controls how transient and rate-limit failures are
// retried within a run. Auth and fatal errors are never retried.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Ceiling     time.Duration
}

// Delay computes the wait before the given retry attempt (0-based). A
// provider-suggested delay wins over the exponential schedule.
func (p RetryPolicy) Delay(attempt int, suggested time.Duration) time.Duration {
	if suggested > 0 {
		if suggested > p.Ceiling && p.Ceiling > 0 {
			return p.Ceiling
		}
		return suggested
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Ceiling > 0 && d >= p.Ceiling {
			return p.Ceiling
		}
	}
	return d
}

// wait sleeps for d or until ctx is cancelled, reporting whether the
// full delay elapsed.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
