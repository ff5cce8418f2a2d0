package ratelimit

import "context"

// RateLimiter throttles pipeline throughput per scope. Scopes are delivery
// channels on the worker side and "ingress" at the admission edge.
type RateLimiter interface {
	// Allow reports whether one more operation fits in the current window.
	Allow(ctx context.Context, scope string) (bool, error)
	// Wait blocks until the scope has capacity or the context is done.
	Wait(ctx context.Context, scope string) error
}
