package bulk

import (
	"log/slog"
	"sync"
)

// Indexer accepts operations for (re-)submission to the sink. It is handed
// to failure handlers so they can re-enqueue failed work.
type Indexer interface {
	Add(ops ...Operation)
}

// FailureHandler decides what happens to an operation that the backend
// reported as failed: drop it, re-add it via the indexer, or fail the whole
// sink by returning a non-nil error. A returned error is committed to the
// sink's error latch (first writer wins) and the sink is permanently failed.
//
// status is an HTTP-like code, or StatusNone when the backend reported no
// status for the failure.
type FailureHandler interface {
	OnFailure(op Operation, cause error, status int, indexer Indexer) error
}

// FailureHandlerFunc adapts a function to the FailureHandler interface.
type FailureHandlerFunc func(op Operation, cause error, status int, indexer Indexer) error

func (f FailureHandlerFunc) OnFailure(op Operation, cause error, status int, indexer Indexer) error {
	return f(op, cause, status, indexer)
}

// FailOnError fails the sink on any item failure. This is the default
// handler: with it, at-least-once delivery holds because nothing is silently
// dropped.
type FailOnError struct{}

func (FailOnError) OnFailure(_ Operation, cause error, _ int, _ Indexer) error {
	return cause
}

// LogAndIgnore logs item failures and drops the operations, trading
// delivery guarantees for availability.
type LogAndIgnore struct {
	Logger *slog.Logger
}

func (h LogAndIgnore) OnFailure(op Operation, cause error, status int, _ Indexer) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("dropping failed operation",
		"kind", op.Kind,
		"index", op.Index,
		"id", op.ID,
		"status", status,
		"error", cause,
	)
	return nil
}

// RetryRejected re-adds operations that failed with a backpressure status
// (HTTP 429) or a rejected whole-batch error, and fails the sink for
// anything else.
type RetryRejected struct{}

func (RetryRejected) OnFailure(op Operation, cause error, status int, indexer Indexer) error {
	if status == 429 || IsRejected(cause) {
		indexer.Add(op)
		return nil
	}
	return cause
}

// bufferingIndexer collects operations re-added by failure handlers. Handlers
// run on the flush worker, so the buffer is mutex-guarded; it is drained into
// the live sink from the producer context on the next Accept or Snapshot,
// where each drained operation is accounted as a new one.
type bufferingIndexer struct {
	mu  sync.Mutex
	ops []Operation
}

func (b *bufferingIndexer) Add(ops ...Operation) {
	b.mu.Lock()
	b.ops = append(b.ops, ops...)
	b.mu.Unlock()
}

// take returns and clears the buffered operations.
func (b *bufferingIndexer) take() []Operation {
	b.mu.Lock()
	ops := b.ops
	b.ops = nil
	b.mu.Unlock()
	return ops
}
