package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

const (
	defaultMaxConcurrentCalls = 1
	defaultLockDuration       = 30 * time.Second
)

// ProcessorOptions configures a ProcessorClient.
type ProcessorOptions struct {
	// Topic is the Watermill topic to subscribe to.
	Topic string
	// EntityPath names the subscription in error reports. Defaults to Topic.
	EntityPath string
	// MaxConcurrentCalls is the number of workers draining the subscription.
	MaxConcurrentCalls int
	// LockDuration sets BrokerMessage.LockedUntil relative to receipt.
	LockDuration time.Duration
	Logger       watermill.LoggerAdapter
}

// ProcessorClient adapts any Watermill subscriber to BrokerClient. Messages
// are acked when the callback returns nil and nacked otherwise.
type ProcessorClient struct {
	transport Transport
	opts      ProcessorOptions

	mu        sync.RWMutex
	onMessage MessageCallback
	onError   ErrorCallback
	cancel    context.CancelFunc
	done      chan struct{}

	processing atomic.Bool
}

var _ BrokerClient = (*ProcessorClient)(nil)

// NewProcessorClient wraps a transport's subscriber. The client owns the
// transport and closes it in Close.
func NewProcessorClient(t Transport, opts ProcessorOptions) (*ProcessorClient, error) {
	if t.Subscriber == nil {
		return nil, errspkg.ErrClientRequired
	}
	if opts.Topic == "" {
		return nil, errspkg.ErrResourceRequired
	}
	if opts.EntityPath == "" {
		opts.EntityPath = opts.Topic
	}
	if opts.MaxConcurrentCalls <= 0 {
		opts.MaxConcurrentCalls = defaultMaxConcurrentCalls
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = defaultLockDuration
	}
	if opts.Logger == nil {
		opts.Logger = watermill.NopLogger{}
	}
	opts.Logger = opts.Logger.With(watermill.LogFields{"topic": opts.Topic})
	return &ProcessorClient{transport: t, opts: opts}, nil
}

func (c *ProcessorClient) RegisterHandlers(onMessage MessageCallback, onError ErrorCallback) (func(), error) {
	if onMessage == nil {
		return nil, errspkg.ErrHandlersRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onMessage != nil {
		return nil, errspkg.ErrHandlersRegistered
	}
	c.onMessage = onMessage
	c.onError = onError

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.onMessage = nil
			c.onError = nil
			c.mu.Unlock()
		})
	}, nil
}

// Start subscribes and launches the workers. The subscription outlives ctx;
// only Stop ends it.
func (c *ProcessorClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onMessage == nil {
		return errspkg.ErrHandlersRequired
	}
	if c.processing.Load() {
		return errspkg.ErrAlreadyProcessing
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := c.transport.Subscriber.Subscribe(runCtx, c.opts.Topic)
	if err != nil {
		cancel()
		return BrokerError{EntityPath: c.opts.EntityPath, Operation: "subscribe", Err: err}
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	c.processing.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < c.opts.MaxConcurrentCalls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(runCtx, messages)
		}()
	}
	go func(done chan struct{}) {
		wg.Wait()
		c.processing.Store(false)
		close(done)
	}(c.done)

	c.opts.Logger.Info("Broker processor started", watermill.LogFields{"workers": c.opts.MaxConcurrentCalls})
	return nil
}

// Stop cancels the subscription and waits for in-flight callbacks.
func (c *ProcessorClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		c.opts.Logger.Info("Broker processor stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ProcessorClient) IsProcessing() bool {
	return c.processing.Load()
}

// Close stops processing and closes the underlying transport.
func (c *ProcessorClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stopErr := c.Stop(ctx)
	if err := c.transport.Close(); err != nil {
		return err
	}
	return stopErr
}

func (c *ProcessorClient) worker(ctx context.Context, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *ProcessorClient) handle(ctx context.Context, msg *message.Message) {
	c.mu.RLock()
	onMessage, onError := c.onMessage, c.onError
	c.mu.RUnlock()

	if onMessage == nil {
		msg.Nack()
		return
	}

	delivery := c.toBrokerMessage(msg, time.Now())
	msgCtx := msg.Context()
	if msgCtx == nil || msgCtx == context.Background() {
		msgCtx = ctx
	}

	if err := onMessage(msgCtx, delivery); err != nil {
		msg.Nack()
		if onError != nil {
			onError(ctx, BrokerError{EntityPath: c.opts.EntityPath, Operation: "process", Err: err})
		}
		return
	}
	msg.Ack()
}

func (c *ProcessorClient) toBrokerMessage(msg *message.Message, receivedAt time.Time) BrokerMessage {
	props := metadatapkg.FromWatermill(msg.Metadata)
	take := func(key string) string {
		v := props.String(key)
		delete(props, key)
		return v
	}

	out := BrokerMessage{
		Body:          msg.Payload,
		MessageID:     take(metadatapkg.HeaderMessageID),
		ContentType:   take(metadatapkg.HeaderContentType),
		CorrelationID: take(metadatapkg.HeaderCorrelationID),
		PartitionKey:  take(metadatapkg.HeaderPartitionKey),
		SessionID:     take(metadatapkg.HeaderSessionID),
		DeliveryCount: 1,
		LockToken:     idspkg.NewLockToken(),
		LockedUntil:   receivedAt.Add(c.opts.LockDuration),
	}
	if out.MessageID == "" {
		out.MessageID = msg.UUID
	}
	if raw := take(metadatapkg.HeaderDeliveryCount); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			out.DeliveryCount = n
		}
	}
	if raw := take(metadatapkg.HeaderEnqueuedTime); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			out.EnqueuedTime = ts
		}
	}
	if out.EnqueuedTime.IsZero() {
		if ts, ok := idspkg.ULIDTime(out.MessageID); ok {
			out.EnqueuedTime = ts
		}
	}
	out.Properties = props
	return out
}

// PublisherSender sends to one Watermill topic. It owns the transport and
// closes it in Close.
type PublisherSender struct {
	transport Transport
	topic     string
}

var _ Sender = (*PublisherSender)(nil)

func NewPublisherSender(t Transport, topic string) (*PublisherSender, error) {
	if t.Publisher == nil {
		return nil, errspkg.ErrSenderRequired
	}
	if topic == "" {
		return nil, errspkg.ErrResourceRequired
	}
	return &PublisherSender{transport: t, topic: topic}, nil
}

func (s *PublisherSender) Send(ctx context.Context, msgs ...OutgoingMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*message.Message, len(msgs))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, m := range msgs {
		id := m.MessageID
		if id == "" {
			id = idspkg.CreateULID()
			m.MessageID = id
		}
		wm := message.NewMessage(id, m.Body)
		for k, v := range m.Headers() {
			wm.Metadata.Set(k, v)
		}
		wm.Metadata.Set(metadatapkg.HeaderEnqueuedTime, now)
		wm.SetContext(ctx)
		out[i] = wm
	}
	if err := s.transport.Publisher.Publish(s.topic, out...); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	return nil
}

func (s *PublisherSender) Close() error {
	return s.transport.Close()
}
