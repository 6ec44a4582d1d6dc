package orchestrator

import "errors"

var (
	// ErrInvalidRequest is returned when admission rejects a request for
	// missing or malformed fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRateLimited is returned when the tier's per-minute request budget
	// is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable is the 503-equivalent: the runtime is saturated or
	// shutting down and the caller should retry later.
	ErrUnavailable = errors.New("service unavailable")
)
