package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/eventstream"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

type order struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func testConfig(connections ...string) *configpkg.Config {
	cfg := &configpkg.Config{Connections: map[string]configpkg.ConnectionConfig{}}
	for _, name := range connections {
		cfg.Connections[name] = configpkg.ConnectionConfig{Namespace: name + ".example.net"}
	}
	return cfg
}

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	svc, err := NewService(cfg, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// recorder collects envelopes and errors handed to a processor.
type recorder[T any] struct {
	mu        sync.Mutex
	envelopes []handlerpkg.Envelope[T]
	errs      []error
	fail      error
	got       chan struct{}
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{got: make(chan struct{}, 16)}
}

func (r *recorder[T]) Process(_ context.Context, env handlerpkg.Envelope[T]) error {
	r.mu.Lock()
	r.envelopes = append(r.envelopes, env)
	fail := r.fail
	r.mu.Unlock()
	r.got <- struct{}{}
	return fail
}

func (r *recorder[T]) HandleError(_ context.Context, err error, _ metadatapkg.Metadata) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder[T]) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(2 * time.Second):
		t.Fatal("processor was not called")
	}
}

func (r *recorder[T]) snapshot() ([]handlerpkg.Envelope[T], []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]handlerpkg.Envelope[T](nil), r.envelopes...), append([]error(nil), r.errs...)
}

// fakeEventStream lets tests drive the partition callbacks directly.
type fakeEventStream struct {
	mu         sync.Mutex
	handlers   transport.PartitionHandlers
	processing bool
	closed     int
}

func (f *fakeEventStream) RegisterHandlers(h transport.PartitionHandlers) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers.ProcessBatch != nil {
		return nil, errspkg.ErrHandlersRegistered
	}
	f.handlers = h
	return func() {
		f.mu.Lock()
		f.handlers = transport.PartitionHandlers{}
		f.mu.Unlock()
	}, nil
}

func (f *fakeEventStream) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing = true
	return nil
}

func (f *fakeEventStream) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing = false
	return nil
}

func (f *fakeEventStream) IsProcessing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processing
}

func (f *fakeEventStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeEventStream) deliver(ctx context.Context, partition transport.PartitionContext, events ...transport.Event) error {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if _, err := h.Initialize(ctx, partition); err != nil {
		return err
	}
	return h.ProcessBatch(ctx, partition, events)
}

// fakeQueue is an in-memory queue that also acts as its own sender.
type fakeQueue struct {
	mu       sync.Mutex
	pending  []transport.QueueMessage
	deleted  []string
	sent     []transport.OutgoingMessage
	created  int
	closed   int
	sendErr  error
	received int
}

func (q *fakeQueue) CreateIfNotExists(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.created++
	return nil
}

func (q *fakeQueue) ReceiveMessages(_ context.Context, max int, _ time.Duration) ([]transport.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(max, len(q.pending))
	out := q.pending[:n]
	q.pending = q.pending[n:]
	q.received += n
	return out, nil
}

func (q *fakeQueue) DeleteMessage(_ context.Context, _ string, popReceipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, popReceipt)
	return nil
}

func (q *fakeQueue) Send(_ context.Context, msgs ...transport.OutgoingMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sendErr != nil {
		return q.sendErr
	}
	for _, m := range msgs {
		q.sent = append(q.sent, m)
		props := m.Properties.Clone()
		q.pending = append(q.pending, transport.QueueMessage{
			MessageID:   m.MessageID,
			Body:        m.Body,
			Properties:  props,
			ContentType: m.ContentType,
			PopReceipt:  "receipt-" + m.MessageID,
		})
	}
	return nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed++
	return nil
}

func (q *fakeQueue) deletedReceipts() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

// fakeFactory hands out fakes and counts how often each builder ran.
type fakeFactory struct {
	mu      sync.Mutex
	streams map[string]*fakeEventStream
	store   *eventstream.MemoryCheckpointStore
	queue   *fakeQueue
	calls   map[string]int
	groups  []string
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		streams: map[string]*fakeEventStream{},
		store:   eventstream.NewMemoryCheckpointStore(),
		queue:   &fakeQueue{},
		calls:   map[string]int{},
	}
}

func (f *fakeFactory) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeFactory) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeFactory) EventStreamClient(_ context.Context, _ transport.Connection, _, consumerGroup string) (transport.EventStreamClient, error) {
	f.count("eventstream")
	f.mu.Lock()
	f.groups = append(f.groups, consumerGroup)
	f.mu.Unlock()
	return f.stream(consumerGroup), nil
}

// stream returns the fake client of a consumer group, creating it on first use.
func (f *fakeFactory) stream(group string) *fakeEventStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[group]
	if !ok {
		s = &fakeEventStream{}
		f.streams[group] = s
	}
	return s
}

func (f *fakeFactory) CheckpointStore(context.Context) (transport.CheckpointStore, error) {
	f.count("checkpoint")
	return f.store, nil
}

func (f *fakeFactory) BrokerClient(context.Context, transport.Connection, string, string) (transport.BrokerClient, error) {
	f.count("broker")
	return nil, errors.New("broker not available in fake factory")
}

func (f *fakeFactory) QueueClient(context.Context, transport.Connection, string) (transport.QueueClient, error) {
	f.count("queue")
	return f.queue, nil
}

func (f *fakeFactory) Sender(context.Context, metadatapkg.Backend, transport.Connection, string) (transport.Sender, error) {
	f.count("sender")
	return f.queue, nil
}
