package source

import "context"

// Record represents a raw record consumed from a source.
type Record struct {
	Key           []byte
	Value         []byte
	Headers       map[string]string
	Offset        int64
	Topic         string
	CorrelationID string
}

// Source consumes records from an external system. Delivered records are
// acknowledged only by Checkpoint, so a record is never committed before
// the downstream sink has confirmed it.
type Source interface {
	// Start begins consuming records. Blocks until ctx is cancelled.
	// Records are delivered to the handler function; a successful handler
	// call marks the record as delivered but does not commit it.
	Start(ctx context.Context, handler func(context.Context, Record) error) error

	// Checkpoint commits all records marked since the previous checkpoint.
	Checkpoint(ctx context.Context) error

	// Close performs graceful shutdown.
	Close() error
}
