package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lsm/bulksink/internal/backend/grpc"
	httpbackend "github.com/lsm/bulksink/internal/backend/http"
	kafkabackend "github.com/lsm/bulksink/internal/backend/kafka"
	"github.com/lsm/bulksink/internal/bulk"
	"github.com/lsm/bulksink/internal/config"
	"github.com/lsm/bulksink/internal/dlq"
	"github.com/lsm/bulksink/internal/kafka"
	"github.com/lsm/bulksink/internal/observability"
	"github.com/lsm/bulksink/internal/pipeline"
	kafkasource "github.com/lsm/bulksink/internal/source/kafka"
	celxform "github.com/lsm/bulksink/internal/transform/cel"
	"github.com/lsm/bulksink/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := observability.NewLogger("bulksink", observability.GetLogLevel(""))
	slog.SetDefault(logger)

	configDir := os.Getenv("BULKSINK_CONFIG_DIR")
	if configDir == "" {
		configDir = "/etc/bulksink/sinks"
	}

	metricsAddr := os.Getenv("BULKSINK_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}

	// Load configuration
	loader := config.NewLoader(configDir, logger)
	sinks, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if len(sinks) == 0 {
		return fmt.Errorf("no sink definitions found in %s", configDir)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	// Tracing (no-op unless BULKSINK_OTEL_ENABLED is set)
	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("bulksink"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Health server
	health := observability.NewHealthServer()

	// Start metrics + health HTTP server
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start config watcher
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	// Build and start the pipeline for the first definition (single-sink
	// per process; run one process per definition).
	var sinkName string
	var def *config.Definition
	for name, d := range sinks {
		sinkName = name
		def = d
		break
	}

	logger.Info("starting sink", "name", sinkName)

	p, pool, err := buildPipeline(ctx, def, metrics, tracer, logger)
	if err != nil {
		return fmt.Errorf("build pipeline %s: %w", sinkName, err)
	}
	defer func() { _ = pool.Close() }()

	health.SetReady(true)

	// Run pipeline until shutdown
	pipelineErr := p.Run(ctx)

	// Graceful shutdown
	health.SetReady(false)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return pipelineErr
}

func buildPipeline(ctx context.Context, def *config.Definition, metrics *observability.Metrics, tracer trace.Tracer, logger *slog.Logger) (*pipeline.Pipeline, *kafka.PublisherPool, error) {
	registry := kafka.NewRegistry()
	if err := registry.LoadFromMap(def.Clusters); err != nil {
		return nil, nil, fmt.Errorf("clusters: %w", err)
	}
	pool := kafka.NewPublisherPool(registry)

	cluster, ok := registry.Get(def.Source.Cluster)
	if !ok {
		return nil, nil, fmt.Errorf("source cluster %q is not defined", def.Source.Cluster)
	}

	// Source
	src, err := kafkasource.NewSource(kafkasource.Config{
		Cluster:       cluster,
		Topic:         def.Source.Topic,
		ConsumerGroup: def.Source.ConsumerGroup,
		StartOffset:   def.Source.StartOffset,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka source: %w", err)
	}
	src.SetTracer(tracer)

	// Backend
	backend, err := buildBackend(def, registry, tracer, logger)
	if err != nil {
		return nil, nil, err
	}

	// Failure handling
	sinkOpts := []bulk.Option{
		bulk.WithLogger(logger),
		bulk.WithStats(metrics.ForSink(def.Name)),
		bulk.WithTracer(tracer),
	}

	var dlqHandler *dlq.Handler
	switch def.ErrorHandling.Mode {
	case "", "fail":
		// default FailOnError
	case "log":
		sinkOpts = append(sinkOpts, bulk.WithFailureHandler(bulk.LogAndIgnore{Logger: logger}))
	case "retry-rejected":
		sinkOpts = append(sinkOpts, bulk.WithFailureHandler(bulk.RetryRejected{}))
	case "dlq":
		dlqTopic := "bulksink-dlq-" + def.Name
		if def.ErrorHandling.DeadLetterTopic != "" {
			dlqTopic = def.ErrorHandling.DeadLetterTopic
		}
		if err := pool.EnsureTopic(ctx, def.Source.Cluster, dlqTopic, 1, 1); err != nil {
			logger.Warn("dlq topic ensure failed", "topic", dlqTopic, "error", err)
		}
		pub, err := pool.Get(def.Source.Cluster)
		if err != nil {
			return nil, nil, fmt.Errorf("dlq publisher: %w", err)
		}
		dlqHandler = dlq.NewHandler(pub, dlq.WithTopicFunc(func(string) string {
			return dlqTopic
		}))
		sinkOpts = append(sinkOpts, bulk.WithFailureHandler(dlq.FailureHandler{DLQ: dlqHandler, SinkName: def.Name}))
	}

	// Bulk sink
	sink, err := bulk.New(def.Bulk.ToBulkConfig(), backend, sinkOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("bulk sink: %w", err)
	}
	if err := sink.Open(ctx); err != nil {
		return nil, nil, fmt.Errorf("open sink: %w", err)
	}

	// Pipeline options
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithTracer(tracer),
		pipeline.WithStats(&pipelineStats{metrics: metrics, sink: def.Name}),
	}
	if def.Filter != "" {
		filter, err := celxform.NewFilter(def.Filter)
		if err != nil {
			return nil, nil, fmt.Errorf("cel filter: %w", err)
		}
		opts = append(opts, pipeline.WithFilter(filter))
	}
	if def.Transform != nil && def.Transform.CEL != "" {
		transformer, err := celxform.NewTransformer(def.Transform.CEL)
		if err != nil {
			return nil, nil, fmt.Errorf("cel transformer: %w", err)
		}
		opts = append(opts, pipeline.WithTransformer(transformer))
	}
	if def.RateLimit != nil {
		burst := def.RateLimit.Burst
		if burst <= 0 {
			burst = int(def.RateLimit.RecordsPerSecond)
		}
		opts = append(opts, pipeline.WithRateLimit(rate.NewLimiter(rate.Limit(def.RateLimit.RecordsPerSecond), burst)))
	}
	if dlqHandler != nil {
		opts = append(opts, pipeline.WithDLQ(dlqHandler))
	}

	p, err := pipeline.New(pipeline.Config{
		SinkName: def.Name,
		Mapping: pipeline.Mapping{
			Index:      def.Mapping.Index,
			IDPath:     def.Mapping.IDPath,
			ActionPath: def.Mapping.ActionPath,
			CloudEvent: def.Mapping.CloudEvent,
		},
		CheckpointInterval: def.Checkpoint.Interval(),
	}, src, sink, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: %w", err)
	}
	return p, pool, nil
}

func buildBackend(def *config.Definition, registry *kafka.Registry, tracer trace.Tracer, logger *slog.Logger) (bulk.Backend, error) {
	switch def.Backend.Type {
	case "http":
		b, err := httpbackend.New(httpbackend.Config{
			URL:     getString(def.Backend.Config, "url"),
			Headers: getStringMap(def.Backend.Config, "headers"),
			Timeout: getDuration(def.Backend.Config, "timeoutMs"),
		})
		if err != nil {
			return nil, fmt.Errorf("http backend: %w", err)
		}
		b.SetTracer(tracer)
		b.SetLogger(logger)
		return b, nil

	case "kafka":
		clusterName := getString(def.Backend.Config, "cluster")
		cluster, ok := registry.Get(clusterName)
		if !ok {
			return nil, fmt.Errorf("backend cluster %q is not defined", clusterName)
		}
		b, err := kafkabackend.New(kafkabackend.Config{
			Cluster: cluster,
			Topic:   getString(def.Backend.Config, "topic"),
		})
		if err != nil {
			return nil, fmt.Errorf("kafka backend: %w", err)
		}
		b.SetTracer(tracer)
		b.SetLogger(logger)
		return b, nil

	case "grpc":
		b, err := grpc.New(grpc.Config{
			Address: getString(def.Backend.Config, "address"),
			TLS:     getBool(def.Backend.Config, "tls"),
			Timeout: getDuration(def.Backend.Config, "timeoutMs"),
		})
		if err != nil {
			return nil, fmt.Errorf("grpc backend: %w", err)
		}
		b.SetTracer(tracer)
		b.SetLogger(logger)
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported backend type: %s", def.Backend.Type)
	}
}

// pipelineStats reports pipeline counters into the shared metrics.
type pipelineStats struct {
	metrics *observability.Metrics
	sink    string
}

func (s *pipelineStats) RecordIn() {
	s.metrics.RecordsIn.WithLabelValues(s.sink).Inc()
}

func (s *pipelineStats) RecordFiltered() {
	s.metrics.FilteredRecords.WithLabelValues(s.sink).Inc()
}

func (s *pipelineStats) MappingError(errType string) {
	s.metrics.MappingErrors.WithLabelValues(s.sink, errType).Inc()
}

func (s *pipelineStats) DeadLettered() {
	s.metrics.DLQTotal.WithLabelValues(s.sink).Inc()
}

func getString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func getBool(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func getDuration(m map[string]interface{}, key string) time.Duration {
	switch v := m[key].(type) {
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}

func getStringMap(m map[string]interface{}, key string) map[string]string {
	raw, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
