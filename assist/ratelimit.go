package assist

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls to a Provider with a token bucket so a burst of
// conversations cannot exceed the upstream's request quota.
type RateLimiter struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimiter wraps next. A requestsPerMin of 0 means unlimited, in which
// case next is returned unchanged.
func NewRateLimiter(next Provider, requestsPerMin int) Provider {
	if requestsPerMin <= 0 {
		return next
	}
	r := rate.Limit(float64(requestsPerMin) / 60.0)
	return &RateLimiter{
		next:    next,
		limiter: rate.NewLimiter(r, requestsPerMin),
	}
}

// Invoke blocks until the request is allowed or the context is done, then
// forwards to the wrapped provider. A limiter wait that cannot finish before
// the deadline is reported as a rate-limited upstream error.
func (rl *RateLimiter) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	if err := rl.limiter.Wait(ctx); err != nil {
		return nil, &UpstreamError{Kind: KindRateLimited, Err: fmt.Errorf("waiting for request budget: %w", err)}
	}
	return rl.next.Invoke(ctx, req)
}
