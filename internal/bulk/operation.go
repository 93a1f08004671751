// Package bulk implements a checkpoint-aligned batching sink: operations are
// accumulated into bounded batches, flushed asynchronously to a pluggable
// backend, and fully accounted for before a checkpoint completes.
package bulk

// OpKind identifies the type of a write operation.
type OpKind string

const (
	OpIndex  OpKind = "index"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one logical write submitted to the sink. It is immutable once
// accepted; a failure handler that wants to retry must re-add it as a new
// operation.
type Operation struct {
	Kind  OpKind
	Index string // target index/collection/topic
	ID    string // document identifier (may be empty for auto-assigned IDs)
	Doc   []byte // payload; nil for deletes

	// Headers carries opaque per-operation metadata (correlation IDs,
	// content type). Backends may forward it; the core never inspects it.
	Headers map[string]string
}

// SizeBytes estimates the wire size contribution of the operation, used for
// the byte-size flush threshold.
func (o Operation) SizeBytes() int64 {
	n := int64(len(o.Doc)) + int64(len(o.Index)) + int64(len(o.ID))
	for k, v := range o.Headers {
		n += int64(len(k)) + int64(len(v))
	}
	return n
}

// Batch is an ordered group of operations handed to the backend in a single
// Execute call. It is owned exclusively by the in-flight execution.
type Batch []Operation

// SizeBytes returns the summed size estimate of all operations in the batch.
func (b Batch) SizeBytes() int64 {
	var n int64
	for _, op := range b {
		n += op.SizeBytes()
	}
	return n
}
