// Package http implements the bulk Backend SPI over an HTTP bulk endpoint
// using an NDJSON body: one action metadata line per operation, followed by
// the document line for index/update operations.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lsm/bulksink/internal/bulk"
	"github.com/lsm/bulksink/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds the configuration for an HTTP bulk backend.
type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Backend delivers batches to an HTTP bulk endpoint.
type Backend struct {
	client *http.Client
	config Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a new HTTP bulk backend.
func New(cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Backend{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config: cfg,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("http-backend"),
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

// Open is a no-op: the HTTP client is created eagerly in New.
func (b *Backend) Open(context.Context) error { return nil }

// Ping verifies the endpoint is reachable by issuing an empty bulk request.
func (b *Backend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.config.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range b.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("http ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// actionMeta is the NDJSON action line.
type actionMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

// bulkResponse is the endpoint's per-item result document.
type bulkResponse struct {
	Items []bulkItem `json:"items"`
}

type bulkItem struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Execute POSTs the batch as NDJSON and maps the per-item results.
// Backpressure statuses (429, 503) on the whole request are reported as
// rejected so the sink's backoff policy applies.
func (b *Backend) Execute(ctx context.Context, batch bulk.Batch) ([]bulk.ItemResult, error) {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, b.tracer, tracing.SpanHTTPBulk,
		trace.WithAttributes(
			tracing.HTTPTargetAttr(b.config.URL),
			tracing.BatchActionsAttr(len(batch)),
		),
	)
	defer span.End()

	body, err := encodeBulk(batch)
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, fmt.Errorf("encode bulk body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.URL, bytes.NewReader(body))
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	for k, v := range b.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, fmt.Errorf("http bulk request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		_, _ = io.Copy(io.Discard, resp.Body)
		err := bulk.Rejected(&StatusError{Code: resp.StatusCode})
		tracing.SetSpanError(span, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		err := &StatusError{Code: resp.StatusCode}
		tracing.SetSpanError(span, err)
		return nil, err
	}

	var parsed bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		tracing.SetSpanError(span, err)
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	results := make([]bulk.ItemResult, len(batch))
	for i := range batch {
		if i >= len(parsed.Items) {
			results[i] = bulk.ItemResult{Status: bulk.StatusNone, Cause: fmt.Errorf("missing item result")}
			continue
		}
		item := parsed.Items[i]
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
		"target", b.config.URL,
		"actions", len(batch),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func encodeBulk(batch bulk.Batch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range batch {
		action := map[string]actionMeta{string(op.Kind): {Index: op.Index, ID: op.ID}}
		if err := enc.Encode(action); err != nil {
			return nil, err
		}
		if op.Kind == bulk.OpDelete {
			continue
		}
		// Doc is already JSON; write it verbatim with a trailing newline.
		buf.Write(op.Doc)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// StatusError represents an HTTP response with an unexpected status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}
