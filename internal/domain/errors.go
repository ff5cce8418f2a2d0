package domain

import "errors"

var (
	// ErrValidation marks malformed input rejected before any side effect.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown user or template.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateInFlight marks an idempotency key whose first execution has
	// not finished yet. The client should retry later with the same key.
	ErrDuplicateInFlight = errors.New("duplicate request in flight")

	// ErrDependencyUnavailable marks a collaborator call that was rejected by
	// an open circuit breaker or failed outright. The idempotency record has
	// been released, so a client retry is safe.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrPublishFailure marks a broker handoff that failed after all retries.
	// No envelope was enqueued and the idempotency record has been released.
	ErrPublishFailure = errors.New("publish failure")

	// ErrRateLimited marks a request rejected by the admission rate limiter.
	ErrRateLimited = errors.New("rate limited")
)
