package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool

	// OnRetry, if set, is called after every failed attempt with the 1-based
	// attempt number and the attempt's error.
	OnRetry func(attempt int, err error)
}

// DefaultRetry provides exponential backoff with jitter.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

// ConstantRetry returns options that wait exactly interval between attempts.
func ConstantRetry(attempts int, interval time.Duration) RetryOpts {
	return RetryOpts{
		MaxAttempts: attempts,
		InitialWait: interval,
		MaxWait:     interval,
	}
}

// Retry calls f up to MaxAttempts times, sleeping between failed attempts.
// No sleep follows the final attempt. If ctx is cancelled while waiting, the
// context error is returned.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	wait := opts.InitialWait

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, result.err)
		}
		if attempt == opts.MaxAttempts {
			break
		}

		sleepDur := wait
		if opts.Jitter {
			sleepDur = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if opts.MaxWait > 0 && sleepDur > opts.MaxWait {
			sleepDur = opts.MaxWait
		}

		timer := time.NewTimer(sleepDur)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Err[T](ctx.Err())
		case <-timer.C:
		}

		wait *= 2
		if opts.MaxWait > 0 && wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return result
}
