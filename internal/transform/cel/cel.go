// Package cel evaluates CEL expressions against record payloads, either to
// reshape the document before it is handed to the sink or to decide whether
// a record should be indexed at all.
package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxOutputBytes = 1 << 20 // 1MB
)

// Option configures a Transformer.
type Option func(*Transformer)

// WithTimeout sets the maximum execution time for a single evaluation.
func WithTimeout(d time.Duration) Option {
	return func(t *Transformer) {
		t.timeout = d
	}
}

// WithMaxOutputBytes sets the maximum size of the transform output in bytes.
func WithMaxOutputBytes(n int) Option {
	return func(t *Transformer) {
		t.maxOutputBytes = n
	}
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("doc", cel.DynType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("topic", cel.StringType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
}

// Transformer applies a CEL expression to JSON record payloads.
type Transformer struct {
	program        cel.Program
	timeout        time.Duration
	maxOutputBytes int
}

// NewTransformer compiles a CEL expression and returns a ready-to-use
// Transformer. The expression sees the parsed JSON payload as "doc", the
// record headers as "headers", and the source topic as "topic".
func NewTransformer(expression string, opts ...Option) (*Transformer, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	t := &Transformer{
		program:        prg,
		timeout:        defaultTimeout,
		maxOutputBytes: defaultMaxOutputBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Transform applies the CEL expression to the input JSON payload and
// returns the resulting document as JSON.
func (t *Transformer) Transform(ctx context.Context, input []byte, headers map[string]string, topic string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	activation, err := buildActivation(input, headers, topic)
	if err != nil {
		return nil, err
	}

	type result struct {
		val interface{}
		err error
	}
	ch := make(chan result, 1)

	go func() {
		out, _, err := t.program.Eval(activation)
		if err != nil {
			ch <- result{err: fmt.Errorf("cel eval: %w", err)}
			return
		}
		ch <- result{val: toNative(out)}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("transform timeout: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}

		output, err := json.Marshal(r.val)
		if err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}

		if len(output) > t.maxOutputBytes {
			return nil, fmt.Errorf("output size %d exceeds max %d bytes", len(output), t.maxOutputBytes)
		}

		return output, nil
	}
}

// Filter evaluates a boolean CEL expression against record payloads.
type Filter struct {
	program cel.Program
}

// NewFilter compiles a CEL expression whose result type must be bool.
// Records for which the expression evaluates false are skipped.
func NewFilter(expression string) (*Filter, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Filter{program: prg}, nil
}

// Match reports whether the record passes the filter.
func (f *Filter) Match(input []byte, headers map[string]string, topic string) (bool, error) {
	activation, err := buildActivation(input, headers, topic)
	if err != nil {
		return false, err
	}

	out, _, err := f.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	match, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("filter returned %T, want bool", out)
	}
	return bool(match), nil
}

func buildActivation(input []byte, headers map[string]string, topic string) (map[string]interface{}, error) {
	var parsed interface{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsed); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if headers == nil {
		headers = map[string]string{}
	}
	return map[string]interface{}{
		"doc":     parsed,
		"headers": headers,
		"topic":   topic,
	}, nil
}

// toNative recursively converts CEL ref.Val types to native Go types
// that json.Marshal can handle.
func toNative(val interface{}) interface{} {
	switch v := val.(type) {
	case traits.Mapper:
		it := v.Iterator()
		m := make(map[string]interface{})
		for it.HasNext() == types.True {
			key := it.Next()
			value := v.Get(key)
			m[fmt.Sprint(key.Value())] = toNative(value)
		}
		return m
	case traits.Lister:
		it := v.Iterator()
		var list []interface{}
		for it.HasNext() == types.True {
			elem := it.Next()
			list = append(list, toNative(elem))
		}
		return list
	default:
		if rv, ok := val.(types.Int); ok {
			return int64(rv)
		}
		if rv, ok := val.(types.Double); ok {
			return float64(rv)
		}
		if rv, ok := val.(types.String); ok {
			return string(rv)
		}
		if rv, ok := val.(types.Bool); ok {
			return bool(rv)
		}
		// Fall back to Value() for other ref.Val types
		if rv, ok := val.(interface{ Value() interface{} }); ok {
			return rv.Value()
		}
		return val
	}
}
