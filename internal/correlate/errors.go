package correlate

import "errors"

var (
	// ErrChannelUnavailable is returned by Dispatch when the outbound send fails.
	// The job is never registered in that case.
	ErrChannelUnavailable = errors.New("correlate: outbound channel unavailable")

	// ErrFetchFailure wraps inbound read errors. The poller logs it and reports
	// it in CycleStats; it never settles a job.
	ErrFetchFailure = errors.New("correlate: inbound fetch failed")

	// ErrTimeout is the outcome error of a job that passed its deadline unmatched.
	ErrTimeout = errors.New("correlate: job timed out")

	ErrInvalidJobID      = errors.New("correlate: job id is required")
	ErrJobAlreadyPending = errors.New("correlate: job already pending")
	ErrPollerStopped     = errors.New("correlate: poller stopped")
)
