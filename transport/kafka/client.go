package kafka

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

const (
	DefaultBatchSize    = 25
	DefaultMaxWaitTime  = time.Second
	DefaultRetryBackoff = 2 * time.Second
	DefaultClientID     = "busflow"

	closeTimeout = 30 * time.Second
)

// ClientOptions configures an EventStreamClient.
type ClientOptions struct {
	Topic         string
	ConsumerGroup string
	// Namespace prefixes checkpoint paths. Defaults to the connection identity.
	Namespace   string
	BatchSize   int
	MaxWaitTime time.Duration
	// StartLatest makes partitions without a committed offset start at the
	// newest record instead of the oldest.
	StartLatest  bool
	ClientID     string
	RetryBackoff time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxWaitTime <= 0 {
		o.MaxWaitTime = DefaultMaxWaitTime
	}
	if o.ClientID == "" {
		o.ClientID = DefaultClientID
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	return o
}

// ConsumerGroupFactory allows overriding the sarama consumer group creation for testing.
var ConsumerGroupFactory = func(brokers []string, group string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
	return sarama.NewConsumerGroup(brokers, group, cfg)
}

// EventStreamClient drives a sarama consumer group. Each claimed partition is
// one PartitionContext; its events are handed over in batches of up to
// BatchSize, collected for at most MaxWaitTime after the first record.
type EventStreamClient struct {
	group sarama.ConsumerGroup
	opts  ClientOptions

	mu       sync.Mutex
	handlers *transport.PartitionHandlers
	cancel   context.CancelFunc
	done     chan struct{}

	processing atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

var _ transport.EventStreamClient = (*EventStreamClient)(nil)

// NewEventStreamClient creates the consumer group for a topic.
func NewEventStreamClient(conn transport.Connection, opts ClientOptions) (*EventStreamClient, error) {
	if opts.Topic == "" {
		return nil, errspkg.ErrResourceRequired
	}
	if opts.ConsumerGroup == "" {
		return nil, errspkg.ErrConsumerGroupMissing
	}
	settings, err := ParseConnection(conn)
	if err != nil {
		return nil, err
	}
	if opts.Namespace == "" {
		opts.Namespace = conn.Identity()
	}
	opts = opts.withDefaults()

	cfg := sarama.NewConfig()
	cfg.ClientID = opts.ClientID
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	if opts.StartLatest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	if err := settings.Apply(cfg); err != nil {
		return nil, err
	}

	group, err := ConsumerGroupFactory(settings.Brokers, opts.ConsumerGroup, cfg)
	if err != nil {
		return nil, err
	}
	return newEventStreamClient(group, opts), nil
}

func newEventStreamClient(group sarama.ConsumerGroup, opts ClientOptions) *EventStreamClient {
	return &EventStreamClient{group: group, opts: opts.withDefaults()}
}

func (c *EventStreamClient) RegisterHandlers(handlers transport.PartitionHandlers) (func(), error) {
	if handlers.ProcessBatch == nil {
		return nil, errspkg.ErrHandlersRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers != nil {
		return nil, errspkg.ErrHandlersRegistered
	}
	registered := &handlers
	c.handlers = registered

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.handlers == registered {
				c.handlers = nil
			}
			c.mu.Unlock()
		})
	}, nil
}

// Start joins the consumer group in the background. The consume loop outlives
// ctx and ends on Stop, on a fatal group fault, or when the group is closed.
// A fatal fault reported for a single partition stops only that partition.
func (c *EventStreamClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		return errspkg.ErrHandlersRequired
	}
	if c.processing.Load() {
		return errspkg.ErrAlreadyProcessing
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handler := &groupHandler{opts: c.opts, handlers: *c.handlers}
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.processing.Store(true)

	go c.drainErrors(runCtx, handler)
	go c.consume(runCtx, handler, done)
	return nil
}

func (c *EventStreamClient) consume(ctx context.Context, handler *groupHandler, done chan struct{}) {
	defer close(done)
	defer c.processing.Store(false)

	topics := []string{c.opts.Topic}
	for {
		err := c.group.Consume(ctx, topics, handler)
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err == nil {
			// rebalance
			continue
		}

		// a failing Consume call is not tied to one partition, so a fatal
		// fault here leaves no partition able to progress
		fatal := IsFatal(err)
		handler.report(ctx, handler.partition(-1), "consume", fatal, err)
		if fatal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.RetryBackoff):
		}
	}
}

func (c *EventStreamClient) drainErrors(ctx context.Context, handler *groupHandler) {
	errs := c.group.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			partition := int32(-1)
			var consumerErr *sarama.ConsumerError
			if errors.As(err, &consumerErr) {
				partition = consumerErr.Partition
			}
			fatal := IsFatal(err)
			if fatal && partition >= 0 {
				handler.stopPartition(partition)
			}
			handler.report(ctx, handler.partition(partition), "receive", fatal, err)
		}
	}
}

// Stop leaves the consumer group after in-flight batches have returned.
func (c *EventStreamClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *EventStreamClient) IsProcessing() bool {
	return c.processing.Load()
}

// Close stops processing and closes the consumer group.
func (c *EventStreamClient) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		c.closeErr = errors.Join(c.Stop(ctx), c.group.Close())
	})
	return c.closeErr
}

// IsFatal reports errors after which a partition cannot make progress.
func IsFatal(err error) bool {
	for _, kerr := range []sarama.KError{
		sarama.ErrUnknownTopicOrPartition,
		sarama.ErrTopicAuthorizationFailed,
		sarama.ErrGroupAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
	} {
		if errors.Is(err, kerr) {
			return true
		}
	}
	return false
}

type groupHandler struct {
	opts     ClientOptions
	handlers transport.PartitionHandlers

	mu      sync.Mutex
	claims  map[int32]context.CancelFunc
	stopped map[int32]bool
}

// claim derives the context a partition is consumed under. It reports false
// for partitions stopped by a fatal fault.
func (h *groupHandler) claim(parent context.Context, id int32) (context.Context, func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped[id] {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	if h.claims == nil {
		h.claims = make(map[int32]context.CancelFunc)
	}
	h.claims[id] = cancel
	return ctx, func() {
		h.mu.Lock()
		delete(h.claims, id)
		h.mu.Unlock()
		cancel()
	}, true
}

// stopPartition ends the claim of a partition. The partition stays stopped
// across rebalances until the client is started again.
func (h *groupHandler) stopPartition(id int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped == nil {
		h.stopped = make(map[int32]bool)
	}
	h.stopped[id] = true
	if cancel, ok := h.claims[id]; ok {
		cancel()
	}
}

func (h *groupHandler) partition(id int32) transport.PartitionContext {
	pc := transport.PartitionContext{
		Namespace:     h.opts.Namespace,
		Resource:      h.opts.Topic,
		ConsumerGroup: h.opts.ConsumerGroup,
	}
	if id >= 0 {
		pc.PartitionID = strconv.FormatInt(int64(id), 10)
	}
	return pc
}

func (h *groupHandler) report(ctx context.Context, pc transport.PartitionContext, operation string, fatal bool, err error) {
	if h.handlers.ProcessError == nil {
		return
	}
	h.handlers.ProcessError(ctx, pc, &transport.PartitionError{
		PartitionID: pc.PartitionID,
		Operation:   operation,
		Fatal:       fatal,
		Err:         err,
	})
}

// Setup positions every claimed partition. A checkpointed partition resumes
// right after it; otherwise the group's committed offset or the configured
// initial offset applies.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	if h.handlers.Initialize == nil {
		return nil
	}
	ctx := session.Context()
	for _, id := range session.Claims()[h.opts.Topic] {
		pc := h.partition(id)
		pos, err := h.handlers.Initialize(ctx, pc)
		if err != nil {
			h.report(ctx, pc, "initialize", false, err)
			return err
		}
		if pos.Earliest || pos.Latest {
			continue
		}
		next := pos.SequenceNumber + 1
		if pos.Inclusive {
			next = pos.SequenceNumber
		}
		session.ResetOffset(h.opts.Topic, id, next, "")
		session.MarkOffset(h.opts.Topic, id, next, "")
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim returns once the partition is stopped. sarama then closes the
// partition consumer, and unmarked records are read again after a restart.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx, release, ok := h.claim(session.Context(), claim.Partition())
	if !ok {
		return nil
	}
	defer release()
	pc := h.partition(claim.Partition())
	messages := claim.Messages()

	for {
		var first *sarama.ConsumerMessage
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			first = msg
		}

		batch, open := h.collect(ctx, messages, first)
		if ctx.Err() != nil {
			return nil
		}
		events := make([]transport.Event, len(batch))
		for i, msg := range batch {
			events[i] = toEvent(msg)
		}
		if err := h.handlers.ProcessBatch(ctx, pc, events); err != nil {
			// cancelled mid-batch; the records are read again after rebalance
			return nil
		}
		last := batch[len(batch)-1]
		session.MarkOffset(claim.Topic(), claim.Partition(), last.Offset+1, "")
		if !open {
			return nil
		}
	}
}

func (h *groupHandler) collect(ctx context.Context, messages <-chan *sarama.ConsumerMessage, first *sarama.ConsumerMessage) ([]*sarama.ConsumerMessage, bool) {
	batch := []*sarama.ConsumerMessage{first}
	if h.opts.BatchSize <= 1 {
		return batch, true
	}
	timer := time.NewTimer(h.opts.MaxWaitTime)
	defer timer.Stop()

	for len(batch) < h.opts.BatchSize {
		select {
		case msg, ok := <-messages:
			if !ok {
				return batch, false
			}
			batch = append(batch, msg)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		}
	}
	return batch, true
}

func toEvent(msg *sarama.ConsumerMessage) transport.Event {
	props := make(metadatapkg.Properties, len(msg.Headers))
	for _, header := range msg.Headers {
		if header == nil {
			continue
		}
		props[string(header.Key)] = string(header.Value)
	}
	take := func(key string) string {
		v := props.String(key)
		delete(props, key)
		return v
	}

	ev := transport.Event{
		Body:           msg.Value,
		MessageID:      take(metadatapkg.HeaderMessageID),
		ContentType:    take(metadatapkg.HeaderContentType),
		CorrelationID:  take(metadatapkg.HeaderCorrelationID),
		PartitionKey:   string(msg.Key),
		SequenceNumber: msg.Offset,
		Offset:         strconv.FormatInt(msg.Offset, 10),
		EnqueuedTime:   msg.Timestamp,
	}
	if uuid := take(kafka.UUIDHeaderKey); ev.MessageID == "" {
		ev.MessageID = uuid
	}
	if key := take(metadatapkg.HeaderPartitionKey); ev.PartitionKey == "" {
		ev.PartitionKey = key
	}
	if raw := take(metadatapkg.HeaderEnqueuedTime); raw != "" && ev.EnqueuedTime.IsZero() {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ev.EnqueuedTime = ts
		}
	}
	ev.Properties = props
	return ev
}
