// Package dlq routes operations that permanently failed bulk delivery to a
// dead letter topic, preserving the failure metadata in record headers.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lsm/bulksink/internal/bulk"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo contains metadata about why an operation failed delivery.
type FailureInfo struct {
	SinkName      string
	Index         string
	Action        string
	Status        int
	ErrorMessage  string
	CorrelationID string
}

// Handler publishes failed operations to a Dead Letter Queue topic.
type Handler struct {
	publisher Publisher
	topicFn   func(sinkName string) string
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default DLQ topic naming function.
func WithTopicFunc(fn func(sinkName string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   func(sinkName string) string { return "bulksink-dlq-" + sinkName },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes a failed operation to the appropriate DLQ topic.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.SinkName)

	headers := map[string]string{
		"bulksink-index":          info.Index,
		"bulksink-action":         info.Action,
		"bulksink-status":         strconv.Itoa(info.Status),
		"bulksink-error-message":  info.ErrorMessage,
		"bulksink-failed-at":      time.Now().UTC().Format(time.RFC3339),
		"bulksink-sink-name":      info.SinkName,
		"bulksink-correlation-id": info.CorrelationID,
	}

	if err := h.publisher.Publish(ctx, topic, key, value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// FailureHandler adapts a DLQ Handler into the sink's failure hook: every
// failed operation is dead-lettered instead of failing the checkpoint.
// A DLQ publish failure does escalate, so operations are never dropped.
type FailureHandler struct {
	DLQ      *Handler
	SinkName string
}

func (f FailureHandler) OnFailure(op bulk.Operation, cause error, status int, _ bulk.Indexer) error {
	info := FailureInfo{
		SinkName:     f.SinkName,
		Index:        op.Index,
		Action:       string(op.Kind),
		Status:       status,
		ErrorMessage: cause.Error(),
	}
	if op.Headers != nil {
		info.CorrelationID = op.Headers["bulksink-correlation-id"]
	}

	if err := f.DLQ.Send(context.Background(), []byte(op.ID), op.Doc, info); err != nil {
		return fmt.Errorf("dead letter %s/%s: %w", op.Index, op.ID, err)
	}
	return nil
}

// NoopPublisher is a Publisher that discards all messages.
// Used when no dead letter topic is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
