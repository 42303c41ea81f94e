package fluxq

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitPrecondition allows one dispatch per token of limiter. When the
// bucket is empty the queue checks again after its precondition retry
// timeout, so pair it with WithPreconditionRetryTimeout set near the
// limiter's interval.
func RateLimitPrecondition(limiter *rate.Limiter) PreconditionFunc {
	return func(context.Context) (bool, error) {
		return limiter.Allow(), nil
	}
}

// PerSecond builds a limiter for RateLimitPrecondition. A burst below one
// is raised to one.
func PerSecond(n float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(n), burst)
}
