package queue

import "errors"

var (
	// ErrUserHasActiveJob is returned by Enqueue when the submitting user
	// already has a Queued or Running job (the single-task invariant).
	ErrUserHasActiveJob = errors.New("user already has an active job")
	// ErrInvalidJobID is returned when a caller-supplied job ID fails
	// Security Gate validation.
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrJobNotFound is the sentinel for an unknown job ID, which
	// AsErrorMessage maps to not_found. No function in this package returns
	// it; Authorize reports an unauthorized pair as (false, nil).
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidPriority is returned for a priority outside {urgent, high,
	// normal, low}.
	ErrInvalidPriority = errors.New("invalid priority")
)
