package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lsm/bulksink/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrNotOpen is returned when the sink is used before Open.
	ErrNotOpen = errors.New("sink is not open")

	// ErrClosed is returned when the sink is used after Close.
	ErrClosed = errors.New("sink is closed")

	// ErrTrackingDisabled is returned by PendingOperations when checkpoint
	// flushing is disabled and the pending count is not maintained. This is
	// a usage error, not a sink failure.
	ErrTrackingDisabled = errors.New("pending count is not maintained when checkpoint flushing is disabled")
)

// Config holds the batching and delivery-guarantee settings of a sink.
type Config struct {
	// MaxActions flushes when the buffer reaches this many operations.
	// 0 selects the default (1000); -1 disables the count trigger.
	MaxActions int

	// MaxSizeBytes flushes when the buffered payload reaches this size.
	// 0 selects the default (5 MiB); -1 means unbounded.
	MaxSizeBytes int64

	// FlushInterval flushes on a timer regardless of volume. <= 0 disables
	// the interval trigger.
	FlushInterval time.Duration

	// Backoff controls internal retries of whole-batch rejections. nil
	// disables internal retries: a rejection goes straight to the failure
	// handler.
	Backoff *BackoffPolicy

	// DisableCheckpointFlush turns Snapshot into a no-op and stops pending
	// tracking. One-way switch, set before Open.
	//
	// NOTE: with checkpoint flushing disabled the sink no longer provides
	// at-least-once delivery up to a checkpoint boundary; operations still
	// buffered or in flight at a checkpoint may be lost on failure.
	DisableCheckpointFlush bool
}

const (
	defaultMaxActions   = 1000
	defaultMaxSizeBytes = 5 << 20
)

// DefaultConfig returns the default sink configuration: flush at 1000
// actions or 5 MiB, no interval flush, exponential backoff, checkpoint
// flushing enabled.
func DefaultConfig() Config {
	return Config{
		MaxActions:   defaultMaxActions,
		MaxSizeBytes: defaultMaxSizeBytes,
		Backoff:      DefaultBackoff(),
	}
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxActions == 0 {
		cfg.MaxActions = defaultMaxActions
	}
	if cfg.MaxSizeBytes == 0 {
		cfg.MaxSizeBytes = defaultMaxSizeBytes
	}
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Backoff != nil {
		if err := c.Backoff.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// errorLatch is a write-once error cell shared between the producer and the
// flush worker. The first failure wins and is never cleared.
type errorLatch struct {
	p atomic.Pointer[latched]
}

type latched struct {
	err error
}

func (l *errorLatch) set(err error) {
	l.p.CompareAndSwap(nil, &latched{err: err})
}

func (l *errorLatch) get() error {
	if v := l.p.Load(); v != nil {
		return v.err
	}
	return nil
}

func (l *errorLatch) reset() {
	l.p.Store(nil)
}

// Option configures a Sink.
type Option func(*Sink)

// WithFailureHandler overrides the default FailOnError handler.
func WithFailureHandler(h FailureHandler) Option {
	return func(s *Sink) {
		s.handler = h
	}
}

// WithLogger sets the sink logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// WithStats sets the metrics receiver.
func WithStats(st Stats) Option {
	return func(s *Sink) {
		s.stats = st
	}
}

// WithTracer sets the tracer for batch execution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Sink) {
		s.tracer = tracer
	}
}

// Sink is the checkpoint-aligned batching sink. One producer goroutine
// drives Accept/Snapshot/Close; batch execution runs on the dispatcher's
// worker and overlaps with producer calls. The error latch and pending
// count are the only state shared between the two.
type Sink struct {
	cfg     Config
	backend Backend
	handler FailureHandler
	logger  *slog.Logger
	stats   Stats
	tracer  trace.Tracer

	disp    *dispatcher
	failbuf bufferingIndexer
	pending atomic.Int64
	latch   errorLatch

	cancel context.CancelFunc
	opened bool
	closed bool
}

// New creates a sink over the given backend. The default failure handler is
// FailOnError, which preserves at-least-once delivery by failing the sink on
// any unhandled item failure.
func New(cfg Config, backend Backend, opts ...Option) (*Sink, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sink config: %w", err)
	}

	s := &Sink{
		cfg:     cfg.withDefaults(),
		backend: backend,
		handler: FailOnError{},
		logger:  slog.Default(),
		stats:   nopStats{},
		tracer:  noop.NewTracerProvider().Tracer("bulk-sink"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open creates and verifies the backend client and starts the flush worker.
// A connectivity failure is fatal.
func (s *Sink) Open(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.opened {
		return fmt.Errorf("sink is already open")
	}

	if err := s.backend.Open(ctx); err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	if err := s.backend.Ping(ctx); err != nil {
		_ = s.backend.Close()
		return fmt.Errorf("verify backend connection: %w", err)
	}

	s.pending.Store(0)
	s.latch.reset()

	// The worker outlives Open's ctx; it is cancelled from Close.
	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.disp = newDispatcher(FlushConfig{
		MaxActions:    s.cfg.MaxActions,
		MaxSizeBytes:  s.cfg.MaxSizeBytes,
		FlushInterval: s.cfg.FlushInterval,
	}, s.executeBatch)
	s.disp.start(workerCtx)

	s.opened = true
	s.logger.Info("sink opened",
		"max_actions", s.cfg.MaxActions,
		"max_size_bytes", s.cfg.MaxSizeBytes,
		"flush_interval", s.cfg.FlushInterval,
		"checkpoint_flush", !s.cfg.DisableCheckpointFlush,
	)
	return nil
}

// Accept submits one operation to the sink. It first surfaces any failure
// recorded by the flush worker, then drains operations re-added by the
// failure handler into the live buffer, then enqueues the operation.
func (s *Sink) Accept(_ context.Context, op Operation) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.checkFailure(); err != nil {
		return err
	}
	s.drainRedelivered()
	s.add(op)
	return nil
}

// Snapshot blocks until every accepted operation has reached a terminal
// outcome, repeatedly forcing flushes. It returns early with an error if
// the sink fails mid-drain or ctx is cancelled. With checkpoint flushing
// disabled it is a no-op and delivery guarantees are weakened accordingly.
func (s *Sink) Snapshot(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.checkFailure(); err != nil {
		return err
	}
	s.drainRedelivered()

	if s.cfg.DisableCheckpointFlush {
		return nil
	}

	for s.pending.Load() != 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("snapshot cancelled with %d operations pending: %w", s.pending.Load(), err)
		}
		if err := s.disp.Flush(ctx); err != nil {
			return fmt.Errorf("snapshot flush: %w", err)
		}
		s.drainRedelivered()
		if err := s.checkFailure(); err != nil {
			return err
		}
	}
	return nil
}

// PendingOperations returns the number of accepted operations without a
// terminal outcome.
func (s *Sink) PendingOperations() (int64, error) {
	if s.cfg.DisableCheckpointFlush {
		return 0, ErrTrackingDisabled
	}
	return s.pending.Load(), nil
}

// Close drains and stops the flush worker, closes the backend client, and
// re-raises any latched failure so an error after the last Accept is still
// observable.
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.disp != nil {
		s.disp.close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.opened {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}
	if cause := s.latch.get(); cause != nil {
		errs = append(errs, fmt.Errorf("sink failed: %w", cause))
	}
	s.logger.Info("sink closed")
	return errors.Join(errs...)
}

func (s *Sink) usable() error {
	if s.closed {
		return ErrClosed
	}
	if !s.opened {
		return ErrNotOpen
	}
	return nil
}

func (s *Sink) checkFailure() error {
	if cause := s.latch.get(); cause != nil {
		return fmt.Errorf("sink failed: %w", cause)
	}
	return nil
}

// add enqueues an operation, counting it as pending. Re-added operations go
// through here too and are accounted as new operations.
func (s *Sink) add(op Operation) {
	if !s.cfg.DisableCheckpointFlush {
		s.stats.PendingOps(s.pending.Add(1))
	}
	s.disp.Add(op)
}

// drainRedelivered moves operations buffered by the failure handler into the
// live buffer.
func (s *Sink) drainRedelivered() {
	for _, op := range s.failbuf.take() {
		s.add(op)
	}
}

// executeBatch runs on the flush worker. It executes the batch, retrying
// whole-batch rejections per the backoff policy, then routes per-item
// outcomes and settles the pending count exactly once per operation.
func (s *Sink) executeBatch(ctx context.Context, batch Batch) {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanBulkExecute,
		trace.WithAttributes(
			tracing.BatchActionsAttr(len(batch)),
			tracing.BatchBytesAttr(batch.SizeBytes()),
		),
	)
	defer span.End()

	attempt := 0
	for {
		results, err := s.backend.Execute(ctx, batch)
		if err == nil {
			s.completeBatch(batch, results)
			tracing.SetSpanOK(span)
			break
		}

		if !IsRejected(err) || s.cfg.Backoff == nil || attempt >= s.cfg.Backoff.MaxRetries {
			if IsRejected(err) {
				err = fmt.Errorf("bulk rejection retries exhausted: %w", err)
			}
			s.failBatch(batch, err)
			tracing.SetSpanError(span, err)
			break
		}

		attempt++
		delay := s.cfg.Backoff.DelayFor(attempt)
		s.stats.BatchRetries(1)
		s.logger.Warn("bulk rejected, backing off",
			"attempt", attempt,
			"max_retries", s.cfg.Backoff.MaxRetries,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = fmt.Errorf("backoff interrupted: %w", ctx.Err())
			s.failBatch(batch, err)
			tracing.SetSpanError(span, err)
			s.stats.FlushDone(time.Since(start))
			return
		}
	}

	s.stats.FlushDone(time.Since(start))
}

// completeBatch routes per-item outcomes. A failure handler error fails the
// sink; the remaining items are still accounted but the handler is not
// invoked again for this batch.
func (s *Sink) completeBatch(batch Batch, results []ItemResult) {
	if len(results) != len(batch) {
		s.failBatch(batch, fmt.Errorf("backend returned %d results for %d operations", len(results), len(batch)))
		return
	}

	var outRecords int
	var outBytes int64
	handlerFailed := false

	for i, res := range results {
		if res.Cause == nil {
			outRecords++
			outBytes += batch[i].SizeBytes()
			continue
		}
		s.stats.DirtyRecords(1)
		if handlerFailed {
			continue
		}
		if err := s.handler.OnFailure(batch[i], res.Cause, res.Status, &s.failbuf); err != nil {
			s.latch.set(err)
			handlerFailed = true
		}
	}

	if outRecords > 0 {
		s.stats.RecordsOut(outRecords)
		s.stats.BytesOut(outBytes)
	}
	s.finishBatch(len(batch))
}

// failBatch routes a whole-batch failure through the handler, one call per
// operation with no status code.
func (s *Sink) failBatch(batch Batch, cause error) {
	handlerFailed := false
	for _, op := range batch {
		s.stats.DirtyRecords(1)
		if handlerFailed {
			continue
		}
		if err := s.handler.OnFailure(op, cause, StatusNone, &s.failbuf); err != nil {
			s.latch.set(err)
			handlerFailed = true
		}
	}
	s.finishBatch(len(batch))
}

// finishBatch records the terminal outcome of n operations.
func (s *Sink) finishBatch(n int) {
	if !s.cfg.DisableCheckpointFlush {
		s.stats.PendingOps(s.pending.Add(int64(-n)))
	}
}
