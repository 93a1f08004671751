// Package grpc implements the bulk Backend SPI over a gRPC unary call.
// It uses a simple convention: the batch is sent as a JSON payload with a
// raw codec to the method "/bulksink.v1.BulkService/Execute", and the
// response carries one item result per operation.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lsm/bulksink/internal/bulk"
	"github.com/lsm/bulksink/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const executeMethod = "/bulksink.v1.BulkService/Execute"

// invoker abstracts the gRPC connection for testing.
type invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
	Close() error
}

// Config holds gRPC backend configuration.
type Config struct {
	Address string
	TLS     bool
	Timeout time.Duration
}

// Backend delivers batches via a gRPC unary call.
type Backend struct {
	config  Config
	conn    invoker
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a new gRPC backend. The connection is created in Open.
func New(cfg Config) (*Backend, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("gRPC address is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Backend{
		config:  cfg,
		timeout: cfg.Timeout,
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("grpc-backend"),
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

// Open dials the gRPC endpoint.
func (b *Backend) Open(context.Context) error {
	if b.conn != nil {
		return nil
	}

	var opts []grpc.DialOption
	if !b.config.TLS {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))

	conn, err := grpc.NewClient(b.config.Address, opts...)
	if err != nil {
		return fmt.Errorf("grpc dial: %w", err)
	}
	b.conn = conn
	return nil
}

// Ping executes an empty batch to verify the endpoint responds.
func (b *Backend) Ping(ctx context.Context) error {
	if b.conn == nil {
		return fmt.Errorf("backend is not open")
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if _, err := b.invoke(ctx, bulk.Batch{}); err != nil {
		return fmt.Errorf("grpc ping: %w", err)
	}
	return nil
}

// bulkRequest is the JSON payload of the unary call.
type bulkRequest struct {
	Operations []bulkOperation `json:"operations"`
}

type bulkOperation struct {
	Action string            `json:"action"`
	Index  string            `json:"index,omitempty"`
	ID     string            `json:"id,omitempty"`
	Doc    json.RawMessage   `json:"doc,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`
}

type bulkReply struct {
	Items []replyItem `json:"items"`
}

type replyItem struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Execute sends the batch as one unary call and maps the per-item reply.
// ResourceExhausted and Unavailable are reported as rejected so the
// sink's backoff policy applies.
func (b *Backend) Execute(ctx context.Context, batch bulk.Batch) ([]bulk.ItemResult, error) {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, b.tracer, tracing.SpanGRPCBulk,
		trace.WithAttributes(
			tracing.GRPCMethodAttr(executeMethod),
			tracing.BatchActionsAttr(len(batch)),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	reply, err := b.invoke(ctx, batch)
	if err != nil {
		switch status.Code(err) {
		case codes.ResourceExhausted, codes.Unavailable:
			err = bulk.Rejected(fmt.Errorf("grpc execute: %w", err))
		default:
			err = fmt.Errorf("grpc execute: %w", err)
		}
		tracing.SetSpanError(span, err)
		return nil, err
	}

	results := make([]bulk.ItemResult, len(batch))
	for i := range batch {
		if i >= len(reply.Items) {
			results[i] = bulk.ItemResult{Status: bulk.StatusNone, Cause: fmt.Errorf("missing item result")}
			continue
		}
		item := reply.Items[i]
		if item.Error != "" || item.Status >= 400 {
			msg := item.Error
			if msg == "" {
				msg = fmt.Sprintf("status %d", item.Status)
			}
			results[i] = bulk.ItemResult{Status: item.Status, Cause: fmt.Errorf("item failed: %s", msg)}
		}
	}

	tracing.SetSpanOK(span)
	b.logger.Debug("bulk delivered",
		"target", b.config.Address,
		"actions", len(batch),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

func (b *Backend) invoke(ctx context.Context, batch bulk.Batch) (*bulkReply, error) {
	req := bulkRequest{Operations: make([]bulkOperation, len(batch))}
	for i, op := range batch {
		req.Operations[i] = bulkOperation{
			Action: string(op.Kind),
			Index:  op.Index,
			ID:     op.ID,
			Doc:    op.Doc,
			Meta:   op.Headers,
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var raw []byte
	if err := b.conn.Invoke(ctx, executeMethod, payload, &raw, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, err
	}

	var reply bulkReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &reply, nil
}

// Close closes the gRPC connection.
func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// rawCodec is a gRPC codec that sends/receives raw bytes without protobuf.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: expected []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	bp, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	*bp = data
	return nil
}

func (rawCodec) Name() string { return "raw" }
