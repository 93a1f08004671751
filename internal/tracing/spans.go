package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrSinkName       = "bulksink.sink.name"
	AttrCorrelationID  = "bulksink.correlation_id"
	AttrBatchActions   = "bulksink.batch.actions"
	AttrBatchBytes     = "bulksink.batch.bytes"
	AttrPendingOps     = "bulksink.pending_operations"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrHTTPTarget     = "http.target"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatus     = "http.status_code"
	AttrGRPCMethod     = "rpc.grpc.method"
	AttrErrorType      = "error.type"
)

// Span name constants for consistent span naming.
const (
	SpanRecordReceived = "bulksink.record.receive"
	SpanAccept         = "bulksink.accept"
	SpanCheckpoint     = "bulksink.checkpoint"
	SpanBulkExecute    = "bulksink.bulk.execute"
	SpanKafkaConsume   = "kafka.consume"
	SpanKafkaPublish   = "kafka.publish"
	SpanHTTPBulk       = "http.bulk"
	SpanGRPCBulk       = "grpc.bulk"
)

// StartSpan starts a new span with the given name and options.
// Returns the new context with the span and the span itself.
// If tracer is nil, returns a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Attribute constructors for common attributes.

// SinkAttr returns an attribute for the sink name.
func SinkAttr(name string) attribute.KeyValue {
	return attribute.String(AttrSinkName, name)
}

// CorrelationAttr returns an attribute for the correlation ID.
func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

// BatchActionsAttr returns an attribute for the number of operations in a batch.
func BatchActionsAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchActions, n)
}

// BatchBytesAttr returns an attribute for the payload size of a batch.
func BatchBytesAttr(n int64) attribute.KeyValue {
	return attribute.Int64(AttrBatchBytes, n)
}

// PendingAttr returns an attribute for the pending operation count.
func PendingAttr(n int64) attribute.KeyValue {
	return attribute.Int64(AttrPendingOps, n)
}

// KafkaTopicAttr returns an attribute for the Kafka topic.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// KafkaPartitionAttr returns an attribute for the Kafka partition.
func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

// KafkaOffsetAttr returns an attribute for the Kafka offset.
func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

// HTTPTargetAttr returns an attribute for the HTTP target URL.
func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

// HTTPMethodAttr returns an attribute for the HTTP method.
func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, method)
}

// HTTPStatusAttr returns an attribute for the HTTP status code.
func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}

// GRPCMethodAttr returns an attribute for the gRPC method.
func GRPCMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrGRPCMethod, method)
}

// ErrorTypeAttr returns an attribute for the error type.
func ErrorTypeAttr(errType string) attribute.KeyValue {
	return attribute.String(AttrErrorType, errType)
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// IsTraced returns true if there is a valid recording span in the context.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
