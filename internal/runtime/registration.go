package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/drblury/busflow/internal/runtime/broker"
	"github.com/drblury/busflow/internal/runtime/clientcache"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/eventstream"
	filterpkg "github.com/drblury/busflow/internal/runtime/filter"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/internal/runtime/queue"
	"github.com/drblury/busflow/transport"
)

const (
	// DefaultConsumerGroup is used when an event stream registration names none.
	DefaultConsumerGroup = "$Default"
	// DefaultSubscription is used when a broker registration names none.
	DefaultSubscription = "default"
)

// EventStreamRegistration binds a processor to a partitioned log.
type EventStreamRegistration[T any] struct {
	// Name defaults to "<processor type>@<resource>".
	Name       string
	Connection string
	Resource   string
	// ConsumerGroup defaults to DefaultConsumerGroup.
	ConsumerGroup string
	// StartPosition overrides the configured default for partitions without
	// a checkpoint: "earliest" or "latest".
	StartPosition string
	Processor     handlerpkg.Processor[T]
	Filters       []filterpkg.Predicate
}

// BrokerRegistration binds a processor to a topic subscription.
type BrokerRegistration[T any] struct {
	Name         string
	Connection   string
	Resource     string
	Subscription string
	Processor    handlerpkg.Processor[T]
	Filters      []filterpkg.Predicate
}

// QueueRegistration binds a processor to a polling queue.
type QueueRegistration[T any] struct {
	Name       string
	Connection string
	Resource   string
	Processor  handlerpkg.Processor[T]
	Filters    []filterpkg.Predicate
}

// RegisterEventStreamProcessor resolves the registration against the
// Service configuration and adds the processor to the Service. A resource and
// consumer group pair takes a single processor; a second one fails with
// ErrHandlersRegistered.
func RegisterEventStreamProcessor[T any](ctx context.Context, svc *Service, reg EventStreamRegistration[T]) (*ProcessorService[T], error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	conn, err := svc.resolve(reg.Connection)
	if err != nil {
		return nil, err
	}
	group := reg.ConsumerGroup
	if group == "" {
		group = DefaultConsumerGroup
	}
	position := reg.StartPosition
	if position == "" {
		position = svc.Conf.EventStream.DefaultStartPosition
	}
	start, err := parseStartPosition(position)
	if err != nil {
		return nil, err
	}

	binding, err := bindProcessor(svc, metadatapkg.BackendEventStream, reg.Resource, reg.Processor, reg.Filters)
	if err != nil {
		return nil, err
	}

	key := clientcache.Key{Connection: conn.Identity(), Resource: "eventstream:" + reg.Resource + "#" + group}
	client, err := cached(svc, key, func() (transport.EventStreamClient, error) {
		return svc.factory.EventStreamClient(ctx, conn, reg.Resource, group)
	})
	if err != nil {
		return nil, err
	}
	store, err := svc.checkpointStore(ctx)
	if err != nil {
		return nil, err
	}

	opts := eventstream.Options{DefaultStartPosition: start}
	if svc.metrics != nil {
		opts.CheckpointObserver = svc.metrics
	}
	e, err := eventstream.New(binding, client, store, opts)
	if err != nil {
		return nil, err
	}

	p := newProcessorService[T](e, binding, ProcessorInfo{
		Name:          processorName(reg.Name, binding),
		Connection:    reg.Connection,
		ConsumerGroup: group,
	})
	if err := svc.addConsumer(key, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RegisterBrokerProcessor resolves the registration against the Service
// configuration and adds the processor to the Service. Like event streams, each
// subscription takes a single processor.
func RegisterBrokerProcessor[T any](ctx context.Context, svc *Service, reg BrokerRegistration[T]) (*ProcessorService[T], error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	conn, err := svc.resolve(reg.Connection)
	if err != nil {
		return nil, err
	}
	subscription := reg.Subscription
	if subscription == "" {
		subscription = DefaultSubscription
	}

	binding, err := bindProcessor(svc, metadatapkg.BackendBroker, reg.Resource, reg.Processor, reg.Filters)
	if err != nil {
		return nil, err
	}

	key := clientcache.Key{Connection: conn.Identity(), Resource: "broker:" + reg.Resource + "#" + subscription}
	client, err := cached(svc, key, func() (transport.BrokerClient, error) {
		return svc.factory.BrokerClient(ctx, conn, reg.Resource, subscription)
	})
	if err != nil {
		return nil, err
	}
	e, err := broker.New(binding, client)
	if err != nil {
		return nil, err
	}
	if caps := transport.GetCapabilities(svc.Conf.Broker.System); !caps.SupportsAck {
		svc.Logger.Warn("Broker system does not acknowledge deliveries, messages may be lost", loggingpkg.LogFields{
			"system":   caps.Name,
			"resource": reg.Resource,
		})
	}

	p := newProcessorService[T](e, binding, ProcessorInfo{
		Name:          processorName(reg.Name, binding),
		Connection:    reg.Connection,
		ConsumerGroup: subscription,
	})
	if err := svc.addConsumer(key, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RegisterQueueProcessor resolves the registration against the Service
// configuration and adds the processor to the Service.
func RegisterQueueProcessor[T any](ctx context.Context, svc *Service, reg QueueRegistration[T]) (*ProcessorService[T], error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	conn, err := svc.resolve(reg.Connection)
	if err != nil {
		return nil, err
	}

	binding, err := bindProcessor(svc, metadatapkg.BackendQueue, reg.Resource, reg.Processor, reg.Filters)
	if err != nil {
		return nil, err
	}

	client, err := svc.queueClient(ctx, conn, reg.Resource)
	if err != nil {
		return nil, err
	}
	q := svc.Conf.Queue
	e, err := queue.New(binding, client, queue.Options{
		PollingInterval:   q.PollingInterval,
		CreateIfNotExists: q.CreateIfNotExists,
		MaxMessages:       q.MaxMessages,
		VisibilityTimeout: q.VisibilityTimeout,
	})
	if err != nil {
		return nil, err
	}

	p := newProcessorService[T](e, binding, ProcessorInfo{
		Name:       processorName(reg.Name, binding),
		Connection: reg.Connection,
	})
	svc.addProcessor(p)
	return p, nil
}

func bindProcessor[T any](svc *Service, backend metadatapkg.Backend, resource string, processor handlerpkg.Processor[T], filters []filterpkg.Predicate) (*handlerpkg.Binding[T], error) {
	var chain *filterpkg.Chain
	if len(filters) > 0 {
		chain = filterpkg.NewChain(filters...)
	}
	return handlerpkg.Bind(processor, handlerpkg.BindingOptions{
		Backend:  backend,
		Resource: resource,
		Filters:  chain,
		Codec:    svc.codec,
		Logger:   svc.Logger,
		Hooks:    svc.hooks,
		Observer: svc.observer(),
		Tracer:   svc.tracer,
	})
}

func processorName[T any](name string, binding *handlerpkg.Binding[T]) string {
	if name != "" {
		return name
	}
	return binding.ProcessorType() + "@" + binding.Resource()
}

func parseStartPosition(raw string) (transport.StartPosition, error) {
	switch strings.ToLower(raw) {
	case "", "earliest":
		return transport.StartEarliest(), nil
	case "latest":
		return transport.StartLatest(), nil
	default:
		return transport.StartPosition{}, fmt.Errorf("unknown start position %q", raw)
	}
}

func (s *Service) resolve(name string) (transport.Connection, error) {
	if name == "" {
		return transport.Connection{}, errspkg.ErrConnectionRequired
	}
	return s.Conf.Resolve(name)
}

func (s *Service) checkpointStore(ctx context.Context) (transport.CheckpointStore, error) {
	cp := s.Conf.Checkpoint
	connection := cp.Connection
	if connection == "" {
		connection = cp.Store
	}
	return cached(s, clientcache.Key{Connection: connection, Resource: "checkpoint:" + cp.Store + ":" + cp.Container}, func() (transport.CheckpointStore, error) {
		return s.factory.CheckpointStore(ctx)
	})
}

// queueClient is shared by queue processors and queue publishers of the same
// resource.
func (s *Service) queueClient(ctx context.Context, conn transport.Connection, resource string) (transport.QueueClient, error) {
	return cached(s, queueKey(conn, resource), func() (transport.QueueClient, error) {
		return s.factory.QueueClient(ctx, conn, resource)
	})
}

func queueKey(conn transport.Connection, resource string) clientcache.Key {
	return clientcache.Key{Connection: conn.Identity(), Resource: "queue:" + resource}
}

// cached looks a client up in the Service cache and checks its type.
func cached[C any](s *Service, key clientcache.Key, build func() (C, error)) (C, error) {
	value, err := s.clients.Get(key, func() (any, error) {
		return build()
	})
	if err != nil {
		var zero C
		return zero, err
	}
	client, ok := value.(C)
	if !ok {
		var zero C
		return zero, fmt.Errorf("busflow: cached client %s is %T", key, value)
	}
	return client, nil
}
