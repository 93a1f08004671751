// Package kafka implements the bulk Backend SPI on top of a Kafka topic:
// each operation becomes one record (a tombstone for deletes), and a batch
// is produced synchronously as a unit.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lsm/bulksink/internal/bulk"
	"github.com/lsm/bulksink/internal/correlation"
	"github.com/lsm/bulksink/internal/kafka"
	"github.com/lsm/bulksink/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// producer abstracts the kafka client methods used by Backend for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Close()
}

// Config holds Kafka backend configuration.
type Config struct {
	Cluster *kafka.ClusterConfig // Cluster config with auth/TLS (required)

	// Topic, when set, receives every record. When empty, each operation's
	// Index is used as its topic.
	Topic string
}

// Backend delivers batches to Kafka.
type Backend struct {
	config Config
	client producer
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a new Kafka backend. The client is created in Open.
func New(cfg Config) (*Backend, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	return &Backend{
		config: cfg,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("kafka-backend"),
	}, nil
}

// SetTracer sets the tracer for the backend.
func (b *Backend) SetTracer(tracer trace.Tracer) {
	b.tracer = tracer
}

// SetLogger sets the backend logger.
func (b *Backend) SetLogger(logger *slog.Logger) {
	b.logger = logger
}

// Open creates the Kafka client.
func (b *Backend) Open(context.Context) error {
	if b.client != nil {
		return nil
	}
	opts, err := kafka.ClientOptions(b.config.Cluster)
	if err != nil {
		return fmt.Errorf("cluster options: %w", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	b.client = client
	return nil
}

// Ping verifies broker connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	if b.client == nil {
		return fmt.Errorf("backend is not open")
	}
	if err := b.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

// Execute produces one record per operation and maps per-record outcomes.
// A full client buffer is reported as rejected so the sink backs off.
func (b *Backend) Execute(ctx context.Context, batch bulk.Batch) ([]bulk.ItemResult, error) {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, b.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(tracing.BatchActionsAttr(len(batch))),
	)
	defer span.End()

	records := make([]*kgo.Record, len(batch))
	index := make(map[*kgo.Record]int, len(batch))
	for i, op := range batch {
		topic := b.config.Topic
		if topic == "" {
			topic = op.Index
		}
		record := &kgo.Record{
			Topic: topic,
			Key:   []byte(op.ID),
		}
		if op.Kind != bulk.OpDelete {
			record.Value = op.Doc
		}
		headers := make(map[string]string, len(op.Headers))
		for k, v := range op.Headers {
			headers[k] = v
		}
		headers = correlation.InjectTraceContext(ctx, headers)
		for k, v := range headers {
			record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		records[i] = record
		index[record] = i
	}

	produced := b.client.ProduceSync(ctx, records...)

	results := make([]bulk.ItemResult, len(batch))
	var failed int
	for _, pr := range produced {
		i, ok := index[pr.Record]
		if !ok {
			continue
		}
		if pr.Err == nil {
			continue
		}
		if errors.Is(pr.Err, kgo.ErrMaxBuffered) {
			err := bulk.Rejected(fmt.Errorf("producer buffer full: %w", pr.Err))
			tracing.SetSpanError(span, err)
			return nil, err
		}
		results[i] = bulk.ItemResult{Status: bulk.StatusNone, Cause: fmt.Errorf("kafka produce: %w", pr.Err)}
		failed++
	}

	if failed == 0 {
		tracing.SetSpanOK(span)
	}
	b.logger.Debug("batch produced",
		"actions", len(batch),
		"failed", failed,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

// Close shuts down the Kafka client.
func (b *Backend) Close() error {
	if b.client != nil {
		b.client.Close()
	}
	return nil
}
