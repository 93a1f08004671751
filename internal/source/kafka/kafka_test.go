package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/lsm/bulksink/internal/kafka"
	"github.com/lsm/bulksink/internal/observability"
	"github.com/lsm/bulksink/internal/source"
	"github.com/twmb/franz-go/pkg/kgo"
)

func testCluster() *kafka.ClusterConfig {
	return &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}}
}

func TestNewSource_MissingCluster(t *testing.T) {
	_, err := NewSource(Config{
		Topic:         "test",
		ConsumerGroup: "test-group",
	}, nil)
	if err == nil {
		t.Fatal("expected error for missing cluster config")
	}
}

func TestNewSource_MissingTopic(t *testing.T) {
	_, err := NewSource(Config{
		Cluster:       testCluster(),
		ConsumerGroup: "test-group",
	}, nil)
	if err == nil {
		t.Fatal("expected error for missing topic")
	}
}

func TestNewSource_MissingConsumerGroup(t *testing.T) {
	_, err := NewSource(Config{
		Cluster: testCluster(),
		Topic:   "test",
	}, nil)
	if err == nil {
		t.Fatal("expected error for missing consumer group")
	}
}

func TestNewSource_ValidConfig(t *testing.T) {
	s, err := NewSource(Config{
		Cluster:       testCluster(),
		Topic:         "test-topic",
		ConsumerGroup: "test-group",
		StartOffset:   "earliest",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.topic != "test-topic" {
		t.Errorf("expected topic test-topic, got %s", s.topic)
	}
}

type mockConsumer struct {
	marked    []*kgo.Record
	committed int
	commitErr error
	closed    bool
}

func (m *mockConsumer) PollFetches(context.Context) kgo.Fetches { return kgo.Fetches{} }

func (m *mockConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	m.marked = append(m.marked, rs...)
}

func (m *mockConsumer) CommitMarkedOffsets(context.Context) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed = len(m.marked)
	return nil
}

func (m *mockConsumer) Close() { m.closed = true }

func TestCheckpoint_CommitsMarkedOffsets(t *testing.T) {
	mock := &mockConsumer{}
	s := &Source{client: mock, topic: "test"}

	mock.MarkCommitRecords(&kgo.Record{Topic: "test", Offset: 1})
	mock.MarkCommitRecords(&kgo.Record{Topic: "test", Offset: 2})

	if err := s.Checkpoint(context.Background()); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if mock.committed != 2 {
		t.Errorf("expected 2 offsets committed, got %d", mock.committed)
	}
}

func TestCheckpoint_PropagatesCommitError(t *testing.T) {
	mock := &mockConsumer{commitErr: errors.New("group rebalancing")}
	s := &Source{client: mock, topic: "test"}

	if err := s.Checkpoint(context.Background()); err == nil {
		t.Fatal("expected checkpoint error")
	}
}

func TestClose(t *testing.T) {
	mock := &mockConsumer{}
	s := &Source{client: mock, topic: "test"}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !mock.closed {
		t.Error("expected client closed")
	}
}

// scriptedConsumer serves prepared fetches, then cancels the consume
// context so Start returns.
type scriptedConsumer struct {
	mockConsumer
	fetches []kgo.Fetches
	polls   int
	cancel  context.CancelFunc
}

func (m *scriptedConsumer) PollFetches(context.Context) kgo.Fetches {
	if m.polls < len(m.fetches) {
		f := m.fetches[m.polls]
		m.polls++
		return f
	}
	m.cancel()
	return kgo.Fetches{}
}

func fetchWith(records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic: "test",
			Partitions: []kgo.FetchPartition{{
				Partition: 0,
				Records:   records,
			}},
		}},
	}}
}

func newTestSource(c consumer) *Source {
	logger := slog.Default()
	return &Source{
		client: c,
		topic:  "test",
		logger: logger,
		tlog:   observability.NewTraceLogger(logger),
	}
}

func TestStart_MarksHandledRecords(t *testing.T) {
	records := []*kgo.Record{
		{Topic: "test", Partition: 0, Offset: 0, Value: []byte("a")},
		{Topic: "test", Partition: 0, Offset: 1, Value: []byte("b")},
		{Topic: "test", Partition: 0, Offset: 2, Value: []byte("c")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	mock := &scriptedConsumer{fetches: []kgo.Fetches{fetchWith(records...)}, cancel: cancel}
	s := newTestSource(mock)

	err := s.Start(ctx, func(context.Context, source.Record) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if len(mock.marked) != 3 {
		t.Fatalf("expected 3 records marked, got %d", len(mock.marked))
	}
	for i, r := range mock.marked {
		if r.Offset != int64(i) {
			t.Errorf("expected offset %d marked at position %d, got %d", i, i, r.Offset)
		}
	}
}

func TestStart_HandlerErrorStopsMarkingPartition(t *testing.T) {
	records := []*kgo.Record{
		{Topic: "test", Partition: 0, Offset: 0, Value: []byte("a")},
		{Topic: "test", Partition: 0, Offset: 1, Value: []byte("b")},
		{Topic: "test", Partition: 0, Offset: 2, Value: []byte("c")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	mock := &scriptedConsumer{fetches: []kgo.Fetches{fetchWith(records...)}, cancel: cancel}
	s := newTestSource(mock)

	var handled []int64
	err := s.Start(ctx, func(_ context.Context, rec source.Record) error {
		handled = append(handled, rec.Offset)
		if rec.Offset == 1 {
			return errors.New("delivery failed")
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Records after the failure are neither handled nor marked, so the
	// next offset commit cannot advance past the failed record.
	if len(handled) != 2 || handled[0] != 0 || handled[1] != 1 {
		t.Fatalf("expected handling to stop at the failed record, handled %v", handled)
	}
	if len(mock.marked) != 1 || mock.marked[0].Offset != 0 {
		t.Fatalf("expected only offset 0 marked, got %d marked", len(mock.marked))
	}
}
