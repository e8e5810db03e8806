package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

func TestNewEventStreamClient(t *testing.T) {
	original := ConsumerGroupFactory
	defer func() { ConsumerGroupFactory = original }()

	var gotCfg *sarama.Config
	ConsumerGroupFactory = func(brokers []string, group string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
		assert.Equal(t, []string{"k1:9092"}, brokers)
		assert.Equal(t, "billing", group)
		gotCfg = cfg
		return newFakeGroup(nil), nil
	}
	conn := transport.Connection{Name: "events", Namespace: "k1:9092"}

	_, err := NewEventStreamClient(conn, ClientOptions{ConsumerGroup: "billing"})
	assert.ErrorIs(t, err, errspkg.ErrResourceRequired)
	_, err = NewEventStreamClient(conn, ClientOptions{Topic: "orders"})
	assert.ErrorIs(t, err, errspkg.ErrConsumerGroupMissing)

	client, err := NewEventStreamClient(conn, ClientOptions{Topic: "orders", ConsumerGroup: "billing", StartLatest: true})
	require.NoError(t, err)
	assert.Equal(t, "events", client.opts.Namespace)
	assert.Equal(t, DefaultBatchSize, client.opts.BatchSize)
	assert.Equal(t, sarama.OffsetNewest, gotCfg.Consumer.Offsets.Initial)
	assert.True(t, gotCfg.Consumer.Return.Errors)
	assert.Equal(t, DefaultClientID, gotCfg.ClientID)
}

func TestSetupResumesAfterCheckpoint(t *testing.T) {
	h := &groupHandler{
		opts: ClientOptions{Topic: "orders", ConsumerGroup: "billing", Namespace: "events"},
		handlers: transport.PartitionHandlers{
			Initialize: func(ctx context.Context, pc transport.PartitionContext) (transport.StartPosition, error) {
				switch pc.PartitionID {
				case "0":
					return transport.StartAfter(41, "41"), nil
				case "1":
					return transport.StartPosition{SequenceNumber: 7, Inclusive: true}, nil
				default:
					return transport.StartEarliest(), nil
				}
			},
		},
	}
	session := newFakeSession(map[string][]int32{"orders": {0, 1, 2}})

	require.NoError(t, h.Setup(session))
	assert.Equal(t, []string{"orders/0@42", "orders/1@7"}, session.resets)
	assert.Equal(t, []string{"orders/0@42", "orders/1@7"}, session.marks)
}

func TestSetupReportsInitializeFailure(t *testing.T) {
	var reported []error
	h := &groupHandler{
		opts: ClientOptions{Topic: "orders"},
		handlers: transport.PartitionHandlers{
			Initialize: func(context.Context, transport.PartitionContext) (transport.StartPosition, error) {
				return transport.StartPosition{}, errors.New("store down")
			},
			ProcessError: func(ctx context.Context, pc transport.PartitionContext, err error) {
				reported = append(reported, err)
			},
		},
	}

	err := h.Setup(newFakeSession(map[string][]int32{"orders": {3}}))
	require.EqualError(t, err, "store down")
	require.Len(t, reported, 1)
	var perr *transport.PartitionError
	require.ErrorAs(t, reported[0], &perr)
	assert.Equal(t, "3", perr.PartitionID)
	assert.Equal(t, "initialize", perr.Operation)
	assert.False(t, perr.Fatal)
}

func TestConsumeClaimBatchesAndMarks(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]int64
		parts   []transport.PartitionContext
	)
	h := &groupHandler{
		opts: ClientOptions{Topic: "orders", ConsumerGroup: "billing", Namespace: "events", BatchSize: 2, MaxWaitTime: 50 * time.Millisecond},
		handlers: transport.PartitionHandlers{
			ProcessBatch: func(ctx context.Context, pc transport.PartitionContext, events []transport.Event) error {
				mu.Lock()
				defer mu.Unlock()
				var seqs []int64
				for _, ev := range events {
					seqs = append(seqs, ev.SequenceNumber)
				}
				batches = append(batches, seqs)
				parts = append(parts, pc)
				return nil
			},
		},
	}
	session := newFakeSession(nil)
	claim := newFakeClaim("orders", 4, 10, 11, 12)

	require.NoError(t, h.ConsumeClaim(session, claim))
	assert.Equal(t, [][]int64{{10, 11}, {12}}, batches)
	assert.Equal(t, []string{"orders/4@12", "orders/4@13"}, session.marks)
	assert.Equal(t, transport.PartitionContext{Namespace: "events", Resource: "orders", ConsumerGroup: "billing", PartitionID: "4"}, parts[0])
}

func TestConsumeClaimSkipsMarkWhenBatchFails(t *testing.T) {
	h := &groupHandler{
		opts: ClientOptions{Topic: "orders", BatchSize: 5, MaxWaitTime: 10 * time.Millisecond},
		handlers: transport.PartitionHandlers{
			ProcessBatch: func(ctx context.Context, pc transport.PartitionContext, events []transport.Event) error {
				return context.Canceled
			},
		},
	}
	session := newFakeSession(nil)

	require.NoError(t, h.ConsumeClaim(session, newFakeClaim("orders", 0, 1, 2)))
	assert.Empty(t, session.marks)
}

func TestToEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := toEvent(&sarama.ConsumerMessage{
		Key:       []byte("customer-7"),
		Value:     []byte(`{"id":1}`),
		Offset:    99,
		Timestamp: ts,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(kafka.UUIDHeaderKey), Value: []byte("wm-uuid")},
			{Key: []byte(metadatapkg.HeaderContentType), Value: []byte("application/json")},
			{Key: []byte(metadatapkg.HeaderCorrelationID), Value: []byte("corr-1")},
			{Key: []byte("tenant"), Value: []byte("acme")},
			nil,
		},
	})

	assert.Equal(t, "wm-uuid", ev.MessageID)
	assert.Equal(t, "application/json", ev.ContentType)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, "customer-7", ev.PartitionKey)
	assert.Equal(t, int64(99), ev.SequenceNumber)
	assert.Equal(t, "99", ev.Offset)
	assert.Equal(t, ts, ev.EnqueuedTime)
	assert.Equal(t, metadatapkg.Properties{"tenant": "acme"}, ev.Properties)

	ev = toEvent(&sarama.ConsumerMessage{
		Offset: 1,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(metadatapkg.HeaderMessageID), Value: []byte("m-1")},
			{Key: []byte(kafka.UUIDHeaderKey), Value: []byte("wm-uuid")},
			{Key: []byte(metadatapkg.HeaderPartitionKey), Value: []byte("from-header")},
			{Key: []byte(metadatapkg.HeaderEnqueuedTime), Value: []byte(ts.Format(time.RFC3339Nano))},
		},
	})
	assert.Equal(t, "m-1", ev.MessageID)
	assert.Equal(t, "from-header", ev.PartitionKey)
	assert.Equal(t, ts, ev.EnqueuedTime)
	assert.Empty(t, ev.Properties)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(sarama.ErrUnknownTopicOrPartition))
	assert.True(t, IsFatal(fmt.Errorf("consume: %w", sarama.ErrTopicAuthorizationFailed)))
	assert.True(t, IsFatal(&sarama.ConsumerError{Topic: "orders", Partition: 1, Err: sarama.ErrUnknownTopicOrPartition}))
	assert.False(t, IsFatal(sarama.ErrRequestTimedOut))
	assert.False(t, IsFatal(errors.New("boom")))
}

func TestEventStreamClientLifecycle(t *testing.T) {
	group := newFakeGroup(func(ctx context.Context, handler sarama.ConsumerGroupHandler) error {
		session := newFakeSessionWithContext(ctx, map[string][]int32{"orders": {0}})
		if err := handler.Setup(session); err != nil {
			return err
		}
		if err := handler.ConsumeClaim(session, newFakeClaim("orders", 0, 5, 6, 7)); err != nil {
			return err
		}
		<-ctx.Done()
		return handler.Cleanup(session)
	})
	client := newEventStreamClient(group, ClientOptions{Topic: "orders", ConsumerGroup: "billing", BatchSize: 10, MaxWaitTime: 20 * time.Millisecond})

	assert.ErrorIs(t, client.Start(context.Background()), errspkg.ErrHandlersRequired)

	received := make(chan []transport.Event, 4)
	deregister, err := client.RegisterHandlers(transport.PartitionHandlers{
		Initialize: func(context.Context, transport.PartitionContext) (transport.StartPosition, error) {
			return transport.StartEarliest(), nil
		},
		ProcessBatch: func(ctx context.Context, pc transport.PartitionContext, events []transport.Event) error {
			received <- events
			return nil
		},
	})
	require.NoError(t, err)
	_, err = client.RegisterHandlers(transport.PartitionHandlers{ProcessBatch: func(context.Context, transport.PartitionContext, []transport.Event) error { return nil }})
	assert.ErrorIs(t, err, errspkg.ErrHandlersRegistered)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, client.Start(ctx))
	cancel()
	assert.ErrorIs(t, client.Start(context.Background()), errspkg.ErrAlreadyProcessing)

	select {
	case events := <-received:
		require.Len(t, events, 3)
		assert.Equal(t, int64(7), events[2].SequenceNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("batch not delivered")
	}
	assert.True(t, client.IsProcessing())

	require.NoError(t, client.Stop(context.Background()))
	assert.False(t, client.IsProcessing())
	deregister()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, 1, group.closeCount())
}

func TestEventStreamClientStopsOnFatalError(t *testing.T) {
	group := newFakeGroup(func(ctx context.Context, handler sarama.ConsumerGroupHandler) error {
		return sarama.ErrUnknownTopicOrPartition
	})
	client := newEventStreamClient(group, ClientOptions{Topic: "missing", ConsumerGroup: "billing"})

	reported := make(chan error, 1)
	_, err := client.RegisterHandlers(transport.PartitionHandlers{
		ProcessBatch: func(context.Context, transport.PartitionContext, []transport.Event) error { return nil },
		ProcessError: func(ctx context.Context, pc transport.PartitionContext, err error) {
			reported <- err
		},
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))

	select {
	case err := <-reported:
		var perr *transport.PartitionError
		require.ErrorAs(t, err, &perr)
		assert.True(t, perr.Fatal)
		assert.Equal(t, "consume", perr.Operation)
		assert.ErrorIs(t, err, sarama.ErrUnknownTopicOrPartition)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal error not reported")
	}
	assert.Eventually(t, func() bool { return !client.IsProcessing() }, time.Second, 5*time.Millisecond)
}

func TestEventStreamClientReportsGroupErrors(t *testing.T) {
	group := newFakeGroup(func(ctx context.Context, handler sarama.ConsumerGroupHandler) error {
		<-ctx.Done()
		return nil
	})
	client := newEventStreamClient(group, ClientOptions{Topic: "orders", ConsumerGroup: "billing"})

	reported := make(chan transport.PartitionContext, 1)
	_, err := client.RegisterHandlers(transport.PartitionHandlers{
		ProcessBatch: func(context.Context, transport.PartitionContext, []transport.Event) error { return nil },
		ProcessError: func(ctx context.Context, pc transport.PartitionContext, err error) {
			reported <- pc
		},
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	defer func() { _ = client.Close() }()

	group.errs <- &sarama.ConsumerError{Topic: "orders", Partition: 2, Err: sarama.ErrRequestTimedOut}

	select {
	case pc := <-reported:
		assert.Equal(t, "2", pc.PartitionID)
	case <-time.After(2 * time.Second):
		t.Fatal("group error not reported")
	}
}

func TestEventStreamClientStopsOnlyTheFailedPartition(t *testing.T) {
	claims := map[int32]*fakeClaim{0: newOpenClaim("orders", 0), 1: newOpenClaim("orders", 1)}
	finished := make(chan int32, 2)
	group := newFakeGroup(func(ctx context.Context, handler sarama.ConsumerGroupHandler) error {
		session := newFakeSessionWithContext(ctx, map[string][]int32{"orders": {0, 1}})
		var wg sync.WaitGroup
		for id, claim := range claims {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = handler.ConsumeClaim(session, claim)
				finished <- id
			}()
		}
		<-ctx.Done()
		wg.Wait()
		return nil
	})
	client := newEventStreamClient(group, ClientOptions{Topic: "orders", ConsumerGroup: "billing", BatchSize: 1})

	received := make(chan string, 4)
	reported := make(chan error, 1)
	_, err := client.RegisterHandlers(transport.PartitionHandlers{
		ProcessBatch: func(ctx context.Context, pc transport.PartitionContext, events []transport.Event) error {
			received <- pc.PartitionID
			return nil
		},
		ProcessError: func(ctx context.Context, pc transport.PartitionContext, err error) {
			reported <- err
		},
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	defer func() { _ = client.Close() }()

	claims[0].push(1)
	claims[1].push(1)
	got := []string{waitFor(t, received), waitFor(t, received)}
	assert.ElementsMatch(t, []string{"0", "1"}, got)

	group.errs <- &sarama.ConsumerError{Topic: "orders", Partition: 1, Err: sarama.ErrUnknownTopicOrPartition}

	select {
	case err := <-reported:
		var perr *transport.PartitionError
		require.ErrorAs(t, err, &perr)
		assert.True(t, perr.Fatal)
		assert.Equal(t, "1", perr.PartitionID)
		assert.Equal(t, "receive", perr.Operation)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal partition error not reported")
	}
	select {
	case id := <-finished:
		assert.Equal(t, int32(1), id)
	case <-time.After(2 * time.Second):
		t.Fatal("partition 1 kept consuming")
	}

	claims[0].push(2)
	assert.Equal(t, "0", waitFor(t, received))
	assert.Empty(t, finished)
	assert.True(t, client.IsProcessing())
}

func TestGroupHandlerSkipsStoppedPartition(t *testing.T) {
	h := &groupHandler{
		opts: ClientOptions{Topic: "orders", BatchSize: 1},
		handlers: transport.PartitionHandlers{
			ProcessBatch: func(context.Context, transport.PartitionContext, []transport.Event) error {
				t.Fatal("stopped partition must not be processed")
				return nil
			},
		},
	}
	h.stopPartition(3)

	claim := newOpenClaim("orders", 3)
	claim.push(1)
	require.NoError(t, h.ConsumeClaim(newFakeSession(nil), claim))
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("batch not delivered")
		return ""
	}
}

type fakeSession struct {
	ctx    context.Context
	claims map[string][]int32

	mu     sync.Mutex
	marks  []string
	resets []string
}

func newFakeSession(claims map[string][]int32) *fakeSession {
	return newFakeSessionWithContext(context.Background(), claims)
}

func newFakeSessionWithContext(ctx context.Context, claims map[string][]int32) *fakeSession {
	return &fakeSession{ctx: ctx, claims: claims}
}

func (s *fakeSession) Claims() map[string][]int32 { return s.claims }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) Commit()                    {}
func (s *fakeSession) Context() context.Context   { return s.ctx }

func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, fmt.Sprintf("%s/%d@%d", topic, partition, offset))
}

func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, fmt.Sprintf("%s/%d@%d", topic, partition, offset))
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, metadata)
}

type fakeClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

// newFakeClaim returns a claim whose channel holds the given offsets and is closed.
func newFakeClaim(topic string, partition int32, offsets ...int64) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(offsets))
	for _, offset := range offsets {
		ch <- &sarama.ConsumerMessage{Topic: topic, Partition: partition, Offset: offset, Value: []byte("{}")}
	}
	close(ch)
	return &fakeClaim{topic: topic, partition: partition, messages: ch}
}

// newOpenClaim returns a claim that stays open until the test pushes records.
func newOpenClaim(topic string, partition int32) *fakeClaim {
	return &fakeClaim{topic: topic, partition: partition, messages: make(chan *sarama.ConsumerMessage, 4)}
}

func (c *fakeClaim) push(offset int64) {
	c.messages <- &sarama.ConsumerMessage{Topic: c.topic, Partition: c.partition, Offset: offset, Value: []byte("{}")}
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return c.partition }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type fakeGroup struct {
	consume func(ctx context.Context, handler sarama.ConsumerGroupHandler) error
	errs    chan error

	mu     sync.Mutex
	closed int
}

func newFakeGroup(consume func(ctx context.Context, handler sarama.ConsumerGroupHandler) error) *fakeGroup {
	return &fakeGroup{consume: consume, errs: make(chan error, 1)}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	return g.consume(ctx, handler)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	return nil
}

func (g *fakeGroup) closeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}
