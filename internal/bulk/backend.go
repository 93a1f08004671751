package bulk

import (
	"context"
	"errors"
)

// StatusNone marks an item failure that carries no transport status code.
const StatusNone = -1

// ItemResult is the per-operation outcome of a batch execution. Cause is nil
// on success. Status holds an HTTP-like status code, or StatusNone when the
// backend has none to report.
type ItemResult struct {
	Status int
	Cause  error
}

// Backend is the adapter to a downstream store. Implementations own their
// client/connection; the core never inspects transport details beyond this
// contract.
//
// Execute must return one ItemResult per operation, in batch order. A
// whole-batch error (connection loss, backpressure) is returned as the error
// value instead; wrap retryable backpressure conditions with Rejected so the
// sink's backoff policy applies.
type Backend interface {
	// Open creates the underlying client. Called once from Sink.Open.
	Open(ctx context.Context) error

	// Ping verifies connectivity. A failure here is fatal at Sink.Open.
	Ping(ctx context.Context) error

	// Execute sends the batch and reports per-item outcomes.
	Execute(ctx context.Context, batch Batch) ([]ItemResult, error)

	// Close releases the client.
	Close() error
}

// rejectedError marks a whole-batch error as retryable resource exhaustion
// (backpressure from the downstream store).
type rejectedError struct {
	err error
}

func (e *rejectedError) Error() string { return "batch rejected: " + e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

// Rejected marks err as a retryable whole-batch rejection. The sink retries
// rejected batches per its backoff policy before escalating.
func Rejected(err error) error {
	return &rejectedError{err: err}
}

// IsRejected reports whether err is a retryable whole-batch rejection.
func IsRejected(err error) bool {
	var re *rejectedError
	return errors.As(err, &re)
}
