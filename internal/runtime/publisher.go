package runtime

import (
	"context"
	"fmt"

	"github.com/drblury/busflow/internal/runtime/clientcache"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// Publisher sends payloads to one resource of one backend.
type Publisher interface {
	Publish(ctx context.Context, payload any, opts ...PublishOption) error
}

// PublishOption adjusts the envelope of a published message.
type PublishOption func(*transport.OutgoingMessage)

// WithMessageID replaces the generated ULID.
func WithMessageID(id string) PublishOption {
	return func(m *transport.OutgoingMessage) { m.MessageID = id }
}

func WithCorrelationID(id string) PublishOption {
	return func(m *transport.OutgoingMessage) { m.CorrelationID = id }
}

// WithContentType overrides the codec's content type.
func WithContentType(contentType string) PublishOption {
	return func(m *transport.OutgoingMessage) { m.ContentType = contentType }
}

// WithPartitionKey routes event stream messages to a stable partition.
func WithPartitionKey(key string) PublishOption {
	return func(m *transport.OutgoingMessage) { m.PartitionKey = key }
}

// WithSessionID groups broker and FIFO queue messages.
func WithSessionID(id string) PublishOption {
	return func(m *transport.OutgoingMessage) { m.SessionID = id }
}

// WithProperty sets an application property that filters can match on.
func WithProperty(key string, value any) PublishOption {
	return func(m *transport.OutgoingMessage) { m.Properties = m.Properties.With(key, value) }
}

type publisher struct {
	backend  metadatapkg.Backend
	resource string
	sender   transport.Sender
	codec    *jsoncodec.Codec
	caps     transport.Capabilities
}

var _ Publisher = (*publisher)(nil)

// NewPublisher wraps a sender. Payloads are encoded with codec, or the
// default codec when nil.
func NewPublisher(backend metadatapkg.Backend, resource string, sender transport.Sender, codec *jsoncodec.Codec) (Publisher, error) {
	if sender == nil {
		return nil, errspkg.ErrSenderRequired
	}
	if resource == "" {
		return nil, errspkg.ErrResourceRequired
	}
	if codec == nil {
		codec = jsoncodec.Default
	}
	return &publisher{backend: backend, resource: resource, sender: sender, codec: codec}, nil
}

func newLimitedPublisher(backend metadatapkg.Backend, resource string, sender transport.Sender, codec *jsoncodec.Codec, caps transport.Capabilities) (Publisher, error) {
	pub, err := NewPublisher(backend, resource, sender, codec)
	if err != nil {
		return nil, err
	}
	pub.(*publisher).caps = caps
	return pub, nil
}

func (p *publisher) Publish(ctx context.Context, payload any, opts ...PublishOption) error {
	if payload == nil {
		return errspkg.ErrPayloadRequired
	}
	body, err := p.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %T payload: %w", payload, err)
	}

	msg := transport.OutgoingMessage{
		MessageID:   idspkg.CreateULID(),
		Body:        body,
		ContentType: p.codec.ContentType(),
		Properties:  metadatapkg.NewProperties(metadatapkg.HeaderPayloadType, fmt.Sprintf("%T", payload)),
	}
	for _, opt := range opts {
		opt(&msg)
	}
	if err := p.caps.Check(msg); err != nil {
		return err
	}

	if err := p.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s %q: %w", p.backend, p.resource, err)
	}
	return nil
}

// EventStreamPublisher returns a publisher for an event stream resource.
func (s *Service) EventStreamPublisher(ctx context.Context, connection, resource string) (Publisher, error) {
	return s.publisher(ctx, metadatapkg.BackendEventStream, connection, resource)
}

// BrokerPublisher returns a publisher for a broker topic.
func (s *Service) BrokerPublisher(ctx context.Context, connection, resource string) (Publisher, error) {
	return s.publisher(ctx, metadatapkg.BackendBroker, connection, resource)
}

// QueuePublisher returns a publisher for a polling queue. It shares the
// client of queue processors on the same resource when the client can send.
func (s *Service) QueuePublisher(ctx context.Context, connection, resource string) (Publisher, error) {
	return s.publisher(ctx, metadatapkg.BackendQueue, connection, resource)
}

func (s *Service) publisher(ctx context.Context, backend metadatapkg.Backend, connection, resource string) (Publisher, error) {
	if s == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if resource == "" {
		return nil, errspkg.ErrResourceRequired
	}
	conn, err := s.resolve(connection)
	if err != nil {
		return nil, err
	}
	sender, err := s.sender(ctx, backend, conn, resource)
	if err != nil {
		return nil, err
	}
	return newLimitedPublisher(backend, resource, sender, s.codec, s.capabilities(backend))
}

// capabilities returns the limits of the backend serving a publisher. Broker
// limits depend on the configured system.
func (s *Service) capabilities(backend metadatapkg.Backend) transport.Capabilities {
	switch backend {
	case metadatapkg.BackendEventStream:
		return transport.KafkaCapabilities
	case metadatapkg.BackendQueue:
		return transport.SQSQueueCapabilities
	default:
		return transport.GetCapabilities(s.Conf.Broker.System)
	}
}

func (s *Service) sender(ctx context.Context, backend metadatapkg.Backend, conn transport.Connection, resource string) (transport.Sender, error) {
	if backend == metadatapkg.BackendQueue {
		client, err := s.queueClient(ctx, conn, resource)
		if err != nil {
			return nil, err
		}
		if sender, ok := client.(transport.Sender); ok {
			return sender, nil
		}
	}
	key := clientcache.Key{Connection: conn.Identity(), Resource: backend.String() + "-sender:" + resource}
	return cached(s, key, func() (transport.Sender, error) {
		return s.factory.Sender(ctx, backend, conn, resource)
	})
}
