package cel

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestNewTransformer_ValidExpression(t *testing.T) {
	tr, err := NewTransformer("doc.id")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if tr == nil {
		t.Fatal("expected non-nil transformer")
	}
}

func TestNewTransformer_InvalidExpression(t *testing.T) {
	_, err := NewTransformer(">>>invalid<<<")
	if err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestTransform_SimpleFieldExtraction(t *testing.T) {
	tr, err := NewTransformer(`{"order_id": doc.legacy_id, "ts": doc.timestamp}`)
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	input := `{"legacy_id": "ord-123", "timestamp": "2024-01-01T00:00:00Z", "extra": "dropped"}`
	result, err := tr.Transform(context.Background(), []byte(input), nil, "orders")
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if out["order_id"] != "ord-123" {
		t.Errorf("expected order_id=ord-123, got %v", out["order_id"])
	}
	if out["ts"] != "2024-01-01T00:00:00Z" {
		t.Errorf("expected ts=2024-01-01T00:00:00Z, got %v", out["ts"])
	}
	if _, exists := out["extra"]; exists {
		t.Error("expected 'extra' field to be absent")
	}
}

func TestTransform_PassthroughExpression(t *testing.T) {
	tr, err := NewTransformer("doc")
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	input := `{"id": 42, "name": "test"}`
	result, err := tr.Transform(context.Background(), []byte(input), nil, "orders")
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if out["name"] != "test" {
		t.Errorf("expected name=test, got %v", out["name"])
	}
}

func TestTransform_HeadersAndTopic(t *testing.T) {
	tr, err := NewTransformer(`{"tenant": headers["tenant"], "from": topic}`)
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	result, err := tr.Transform(context.Background(), []byte(`{}`), map[string]string{"tenant": "acme"}, "orders")
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if out["tenant"] != "acme" || out["from"] != "orders" {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestTransform_InvalidJSON(t *testing.T) {
	tr, err := NewTransformer("doc.id")
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	_, err = tr.Transform(context.Background(), []byte("not json"), nil, "")
	if err == nil {
		t.Fatal("expected error for invalid JSON input")
	}
}

func TestTransform_MissingField(t *testing.T) {
	tr, err := NewTransformer("doc.nonexistent")
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	_, err = tr.Transform(context.Background(), []byte(`{"id": 1}`), nil, "")
	if err == nil {
		t.Fatal("expected error for missing field access")
	}
}

func TestTransform_ContextCancelled(t *testing.T) {
	tr, err := NewTransformer("doc")
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = tr.Transform(ctx, []byte(`{"id": 1}`), nil, "")
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestTransform_WithTimeout(t *testing.T) {
	tr, err := NewTransformer("doc", WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	result, err := tr.Transform(context.Background(), []byte(`{"id": 1}`), nil, "")
	if err != nil {
		t.Fatalf("expected success for fast transform, got: %v", err)
	}

	var out interface{}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
}

func TestTransform_MaxOutputSize(t *testing.T) {
	tr, err := NewTransformer("doc", WithMaxOutputBytes(10))
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	input := `{"text": "this string is definitely longer than ten bytes"}`
	_, err = tr.Transform(context.Background(), []byte(input), nil, "")
	if err == nil {
		t.Fatal("expected error for output exceeding max size")
	}
}

func TestTransform_NumericComputation(t *testing.T) {
	tr, err := NewTransformer(`{"total": doc.price * doc.quantity}`)
	if err != nil {
		t.Fatalf("failed to create transformer: %v", err)
	}

	input := `{"price": 10.5, "quantity": 3}`
	result, err := tr.Transform(context.Background(), []byte(input), nil, "")
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	total, ok := out["total"].(float64)
	if !ok {
		t.Fatalf("expected float64 total, got %T", out["total"])
	}
	if total != 31.5 {
		t.Errorf("expected total=31.5, got %v", total)
	}
}

func TestNewFilter_RejectsNonBool(t *testing.T) {
	if _, err := NewFilter(`doc.id`); err == nil {
		t.Fatal("expected error for non-bool expression")
	}
}

func TestFilter_Match(t *testing.T) {
	f, err := NewFilter(`doc.status == "active" && headers["tenant"] == "acme"`)
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	match, err := f.Match([]byte(`{"status": "active"}`), map[string]string{"tenant": "acme"}, "orders")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !match {
		t.Error("expected match")
	}

	match, err = f.Match([]byte(`{"status": "inactive"}`), map[string]string{"tenant": "acme"}, "orders")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match {
		t.Error("expected no match")
	}
}

func TestFilter_TopicPredicate(t *testing.T) {
	f, err := NewFilter(`topic.startsWith("orders")`)
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	match, err := f.Match([]byte(`{}`), nil, "orders-eu")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !match {
		t.Error("expected match for orders-eu")
	}
}

func TestFilter_EvalError(t *testing.T) {
	f, err := NewFilter(`doc.missing == "x"`)
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	if _, err := f.Match([]byte(`{"present": 1}`), nil, ""); err == nil {
		t.Fatal("expected eval error for missing field")
	}
}
