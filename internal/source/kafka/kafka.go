package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lsm/bulksink/internal/correlation"
	"github.com/lsm/bulksink/internal/kafka"
	"github.com/lsm/bulksink/internal/observability"
	"github.com/lsm/bulksink/internal/source"
	"github.com/lsm/bulksink/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds Kafka source configuration.
type Config struct {
	Cluster       *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topic         string
	ConsumerGroup string
	StartOffset   string // "earliest" or "latest" (default: "latest")
}

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// Source consumes records from a Kafka topic. Records handled successfully
// are marked, and marked offsets are committed only by Checkpoint, keeping
// the consumer group position aligned with what the sink has confirmed.
type Source struct {
	client consumer
	topic  string
	logger *slog.Logger
	tlog   *observability.TraceLogger
	tracer trace.Tracer
}

// NewSource creates a new Kafka source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.StartOffset == "earliest" {
		offset = kgo.NewOffset().AtStart()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	// Add consumer-specific options
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Source{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
		tlog:   observability.NewTraceLogger(logger),
		tracer: noop.NewTracerProvider().Tracer("kafka-source"),
	}, nil
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Start begins consuming records from Kafka. Blocks until ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Record) error) error {
	s.logger.Info("starting kafka consumer", "topic", s.topic)

	for {
		fetches := s.client.PollFetches(ctx)

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				s.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			// Records within a partition are ordered; marking stops at the
			// first handler failure so the commit position never advances
			// past an unhandled record.
			for _, record := range p.Records {
				if err := s.handleRecord(ctx, record, handler); err != nil {
					s.logger.Error("handler error, pausing partition until redelivery",
						"topic", record.Topic,
						"partition", record.Partition,
						"offset", record.Offset,
						"error", err,
					)
					return
				}
			}
		})

		// Check for cancellation after processing the batch, ensuring
		// all records from the last fetch are fully drained before exit.
		if ctx.Err() != nil {
			s.logger.Info("kafka source draining complete", "topic", s.topic)
			return ctx.Err()
		}
	}
}

// handleRecord converts one record, runs the handler, and marks the record
// for the next checkpoint commit when the handler succeeds.
func (s *Source) handleRecord(ctx context.Context, record *kgo.Record, handler func(context.Context, source.Record) error) error {
	rec := source.Record{
		Key:     record.Key,
		Value:   record.Value,
		Headers: make(map[string]string, len(record.Headers)),
		Offset:  record.Offset,
		Topic:   record.Topic,
	}
	for _, h := range record.Headers {
		rec.Headers[h.Key] = string(h.Value)
	}

	corrID := correlation.ExtractOrGenerate(rec.Headers)
	rec.CorrelationID = corrID.Value

	recordCtx := correlation.ExtractTraceContext(ctx, rec.Headers)

	spanCtx, span := tracing.StartSpan(recordCtx, s.tracer, tracing.SpanKafkaConsume,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(record.Topic),
			tracing.KafkaPartitionAttr(record.Partition),
			tracing.KafkaOffsetAttr(record.Offset),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	s.tlog.Debug(spanCtx, "record received",
		"correlation_id", corrID.Value,
		"topic", record.Topic,
		"offset", record.Offset,
		"partition", record.Partition,
	)

	if err := handler(spanCtx, rec); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}

	// Mark the offset without committing: the commit happens at the next
	// checkpoint, after the sink has flushed this record.
	s.client.MarkCommitRecords(record)
	tracing.SetSpanOK(span)
	return nil
}

// Checkpoint commits all offsets marked since the previous checkpoint.
func (s *Source) Checkpoint(ctx context.Context) error {
	if err := s.client.CommitMarkedOffsets(ctx); err != nil {
		return fmt.Errorf("commit marked offsets: %w", err)
	}
	return nil
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
