// Package pipeline wires a record source to the bulk sink: records are
// filtered, transformed, mapped into operations, and accepted by the sink,
// while a periodic checkpoint flushes the sink and commits source offsets
// only after every accepted operation has been confirmed or failed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ceevent "github.com/cloudevents/sdk-go/v2/event"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lsm/bulksink/internal/bulk"
	"github.com/lsm/bulksink/internal/dlq"
	"github.com/lsm/bulksink/internal/jsonpath"
	"github.com/lsm/bulksink/internal/source"
	"github.com/lsm/bulksink/internal/tracing"
)

// Mapping controls how a record becomes a bulk operation.
// Values starting with "$." are resolved as JSONPath against the document.
type Mapping struct {
	Index      string // literal or "$." path (required)
	IDPath     string // "$." path; record key is used when empty
	ActionPath string // "$." path; "index" is used when empty
	CloudEvent bool   // unwrap a CloudEvents JSON envelope first
}

// Config holds pipeline configuration.
type Config struct {
	SinkName           string
	Mapping            Mapping
	CheckpointInterval time.Duration
}

// Sink is the subset of the bulk sink the pipeline drives.
type Sink interface {
	Accept(ctx context.Context, op bulk.Operation) error
	Snapshot(ctx context.Context) error
	Close() error
}

// Filter decides whether a record should be processed at all.
type Filter interface {
	Match(input []byte, headers map[string]string, topic string) (bool, error)
}

// Transformer reshapes a document before it is mapped into an operation.
type Transformer interface {
	Transform(ctx context.Context, input []byte, headers map[string]string, topic string) ([]byte, error)
}

// Stats receives pipeline-level counters. All methods must be safe for
// concurrent use.
type Stats interface {
	RecordIn()
	RecordFiltered()
	MappingError(errType string)
	DeadLettered()
}

type nopStats struct{}

func (nopStats) RecordIn()           {}
func (nopStats) RecordFiltered()     {}
func (nopStats) MappingError(string) {}
func (nopStats) DeadLettered()       {}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFilter sets the record filter.
func WithFilter(f Filter) Option {
	return func(p *Pipeline) { p.filter = f }
}

// WithTransformer sets the document transformer.
func WithTransformer(t Transformer) Option {
	return func(p *Pipeline) { p.transformer = t }
}

// WithRateLimit throttles record intake ahead of the sink.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(p *Pipeline) { p.limiter = limiter }
}

// WithDLQ routes records that cannot be mapped to the dead letter topic
// instead of stalling the partition.
func WithDLQ(handler *dlq.Handler) Option {
	return func(p *Pipeline) { p.dlq = handler }
}

// WithStats sets the pipeline stats receiver.
func WithStats(stats Stats) Option {
	return func(p *Pipeline) { p.stats = stats }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithTracer sets the tracer used for checkpoint spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = tracer }
}

// Pipeline orchestrates source → filter → transform → map → sink, with
// checkpoints aligning source commits to sink confirmations.
type Pipeline struct {
	config      Config
	source      source.Source
	sink        Sink
	filter      Filter
	transformer Transformer
	limiter     *rate.Limiter
	dlq         *dlq.Handler
	stats       Stats
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New creates a new Pipeline.
func New(cfg Config, src source.Source, sk Sink, opts ...Option) (*Pipeline, error) {
	if cfg.Mapping.Index == "" {
		return nil, fmt.Errorf("mapping index is required")
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}

	p := &Pipeline{
		config: cfg,
		source: src,
		sink:   sk,
		stats:  nopStats{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run starts the pipeline. Blocks until ctx is cancelled or a checkpoint
// fails permanently.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline",
		"sink", p.config.SinkName,
		"checkpoint_interval", p.config.CheckpointInterval,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ckErr := make(chan error, 1)
	go func() {
		err := p.runCheckpoints(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			// A failed checkpoint means a delivery failure latched in the
			// sink; stop consuming instead of running ahead of the commit.
			cancel()
		}
		ckErr <- err
	}()

	srcErr := p.source.Start(ctx, p.handle)
	cancel()
	checkpointErr := <-ckErr

	if errors.Is(srcErr, context.Canceled) {
		srcErr = nil
	}
	if errors.Is(checkpointErr, context.Canceled) {
		checkpointErr = nil
	}
	return errors.Join(srcErr, checkpointErr)
}

func (p *Pipeline) runCheckpoints(ctx context.Context) error {
	ticker := time.NewTicker(p.config.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.checkpoint(ctx); err != nil {
				return err
			}
		}
	}
}

// checkpoint flushes the sink until every accepted operation is resolved,
// then commits the source offsets marked so far.
func (p *Pipeline) checkpoint(ctx context.Context) error {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanCheckpoint,
		trace.WithAttributes(tracing.SinkAttr(p.config.SinkName)),
	)
	defer span.End()

	if err := p.sink.Snapshot(ctx); err != nil {
		p.logger.Error("checkpoint flush failed", "sink", p.config.SinkName, "error", err)
		tracing.SetSpanError(span, err)
		return fmt.Errorf("sink snapshot: %w", err)
	}
	if err := p.source.Checkpoint(ctx); err != nil {
		p.logger.Error("offset commit failed", "sink", p.config.SinkName, "error", err)
		tracing.SetSpanError(span, err)
		return fmt.Errorf("source checkpoint: %w", err)
	}
	tracing.SetSpanOK(span)

	p.logger.Debug("checkpoint complete",
		"sink", p.config.SinkName,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (p *Pipeline) handle(ctx context.Context, rec source.Record) error {
	p.stats.RecordIn()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if p.filter != nil {
		match, err := p.filter.Match(rec.Value, rec.Headers, rec.Topic)
		if err != nil {
			return p.mappingFailed(ctx, rec, "FILTER_FAILED", err)
		}
		if !match {
			p.stats.RecordFiltered()
			return nil
		}
	}

	op, err := p.mapRecord(ctx, rec)
	if err != nil {
		return p.mappingFailed(ctx, rec, "MAPPING_FAILED", err)
	}

	if err := p.sink.Accept(ctx, op); err != nil {
		// A latched sink failure; the record stays unmarked and is
		// redelivered after restart.
		return fmt.Errorf("accept operation: %w", err)
	}
	return nil
}

// mapRecord turns a source record into a bulk operation.
func (p *Pipeline) mapRecord(ctx context.Context, rec source.Record) (bulk.Operation, error) {
	doc := rec.Value
	defaultID := string(rec.Key)

	if p.config.Mapping.CloudEvent {
		var evt ceevent.Event
		if err := json.Unmarshal(doc, &evt); err != nil {
			return bulk.Operation{}, fmt.Errorf("cloudevent envelope: %w", err)
		}
		doc = evt.Data()
		if defaultID == "" {
			defaultID = evt.ID()
		}
	}

	if p.transformer != nil {
		transformed, err := p.transformer.Transform(ctx, doc, rec.Headers, rec.Topic)
		if err != nil {
			return bulk.Operation{}, fmt.Errorf("transform: %w", err)
		}
		doc = transformed
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return bulk.Operation{}, fmt.Errorf("parse document: %w", err)
	}

	index := jsonpath.ResolveString(parsed, p.config.Mapping.Index)

	id := defaultID
	if p.config.Mapping.IDPath != "" {
		id = jsonpath.ResolveString(parsed, p.config.Mapping.IDPath)
	}

	kind := bulk.OpIndex
	if p.config.Mapping.ActionPath != "" {
		switch action := jsonpath.ResolveString(parsed, p.config.Mapping.ActionPath); action {
		case "index":
			kind = bulk.OpIndex
		case "update":
			kind = bulk.OpUpdate
		case "delete":
			kind = bulk.OpDelete
		default:
			return bulk.Operation{}, fmt.Errorf("unknown action %q", action)
		}
	}
	if kind == bulk.OpDelete && id == "" {
		return bulk.Operation{}, fmt.Errorf("delete operation requires an id")
	}

	op := bulk.Operation{
		Kind:  kind,
		Index: index,
		ID:    id,
		Doc:   doc,
	}
	if rec.CorrelationID != "" {
		op.Headers = map[string]string{"bulksink-correlation-id": rec.CorrelationID}
	}
	return op, nil
}

// mappingFailed dead-letters an unmappable record when a DLQ is configured
// so it does not stall the partition. Without a DLQ the record stays
// unmarked and the error surfaces in the source log.
func (p *Pipeline) mappingFailed(ctx context.Context, rec source.Record, code string, cause error) error {
	p.stats.MappingError(code)

	if p.dlq == nil {
		return fmt.Errorf("%s: %w", code, cause)
	}

	info := dlq.FailureInfo{
		SinkName:      p.config.SinkName,
		Index:         rec.Topic,
		Action:        code,
		Status:        bulk.StatusNone,
		ErrorMessage:  cause.Error(),
		CorrelationID: rec.CorrelationID,
	}
	if err := p.dlq.Send(ctx, rec.Key, rec.Value, info); err != nil {
		p.logger.Error("failed to dead letter record",
			"sink", p.config.SinkName,
			"topic", rec.Topic,
			"offset", rec.Offset,
			"error", err,
		)
		return fmt.Errorf("%s: %w", code, cause)
	}

	p.stats.DeadLettered()
	p.logger.Warn("record dead lettered",
		"sink", p.config.SinkName,
		"topic", rec.Topic,
		"offset", rec.Offset,
		"code", code,
		"error", cause,
	)
	return nil
}

// Shutdown performs graceful shutdown: a final checkpoint drains the sink
// and commits offsets, then all components close. Returns all errors joined.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down pipeline", "sink", p.config.SinkName)

	var errs []error

	if err := p.checkpoint(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}

	if err := p.source.Close(); err != nil {
		p.logger.Error("source close error", "sink", p.config.SinkName, "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if err := p.sink.Close(); err != nil {
		p.logger.Error("sink close error", "sink", p.config.SinkName, "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	if p.dlq != nil {
		if err := p.dlq.Close(); err != nil {
			p.logger.Error("dlq close error", "sink", p.config.SinkName, "error", err)
			errs = append(errs, fmt.Errorf("dlq close: %w", err))
		}
	}

	p.logger.Info("pipeline shutdown complete", "sink", p.config.SinkName)
	return errors.Join(errs...)
}
