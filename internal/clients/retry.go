package clients

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/deckflow/backend/internal/apperrors"
)

// RetryPolicy bounds retries of retriable outcomes.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Backoff returns the delay after the given failed attempt (1-based):
// base * 2^(attempt-1), raised to a provider hint and capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if hint > d {
		d = hint
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Hooks observe each attempt of a Do loop.
type Hooks[T any] struct {
	OnStart func(attempt int)
	// OnFinish sees every attempt's result along with the delay before the next one.
	OnFinish func(attempt int, r Result[T], retryIn time.Duration)
}

// Do runs call until it succeeds, fails fatally or the attempt budget runs out.
// The returned result is never KindRetriable: an exhausted budget is reported
// as fatal and carries the last error.
func Do[T any](ctx context.Context, p RetryPolicy, hooks Hooks[T], call func(ctx context.Context, attempt int) Result[T]) Result[T] {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last Result[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Fatal[T](apperrors.Internal("run cancelled", err))
		}
		if hooks.OnStart != nil {
			hooks.OnStart(attempt)
		}

		last = call(ctx, attempt)

		retry := last.Kind == KindRetriable && attempt < maxAttempts
		var retryIn time.Duration
		if retry {
			retryIn = p.Backoff(attempt, last.RetryAfter)
		}
		if hooks.OnFinish != nil {
			hooks.OnFinish(attempt, last, retryIn)
		}

		if last.Kind != KindRetriable {
			return last
		}
		if !retry {
			break
		}

		select {
		case <-time.After(retryIn):
		case <-ctx.Done():
			return Fatal[T](apperrors.Internal("run cancelled", ctx.Err()))
		}
	}

	return Fatal[T](fmt.Errorf("giving up after %d attempts: %w", maxAttempts, last.Err))
}
