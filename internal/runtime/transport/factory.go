package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/eventstream"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	bustransport "github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/kafka"
	"github.com/drblury/busflow/transport/redischeckpoint"
	"github.com/drblury/busflow/transport/s3checkpoint"
	"github.com/drblury/busflow/transport/sqs"

	// Import all broker backends to register them.
	_ "github.com/drblury/busflow/transport/transports"
)

// Factory abstracts how busflow creates transport clients. The Service caches
// whatever it returns, so every method builds a fresh client.
type Factory interface {
	EventStreamClient(ctx context.Context, conn bustransport.Connection, resource, consumerGroup string) (bustransport.EventStreamClient, error)
	CheckpointStore(ctx context.Context) (bustransport.CheckpointStore, error)
	BrokerClient(ctx context.Context, conn bustransport.Connection, resource, subscription string) (bustransport.BrokerClient, error)
	QueueClient(ctx context.Context, conn bustransport.Connection, resource string) (bustransport.QueueClient, error)
	Sender(ctx context.Context, backend metadatapkg.Backend, conn bustransport.Connection, resource string) (bustransport.Sender, error)
}

// DefaultFactory returns the built-in factory: sarama for event streams, the
// broker registry for competing consumers and SQS for polling queues.
func DefaultFactory(conf *config.Config, logger watermill.LoggerAdapter) Factory {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &defaultFactory{conf: conf, logger: logger}
}

type defaultFactory struct {
	conf   *config.Config
	logger watermill.LoggerAdapter
}

func (f *defaultFactory) EventStreamClient(_ context.Context, conn bustransport.Connection, resource, consumerGroup string) (bustransport.EventStreamClient, error) {
	es := f.conf.EventStream
	return kafka.NewEventStreamClient(conn, kafka.ClientOptions{
		Topic:         resource,
		ConsumerGroup: consumerGroup,
		BatchSize:     es.BatchSize,
		MaxWaitTime:   es.MaxWaitTime,
		StartLatest:   strings.EqualFold(es.DefaultStartPosition, "latest"),
		ClientID:      es.ClientID,
	})
}

func (f *defaultFactory) CheckpointStore(ctx context.Context) (bustransport.CheckpointStore, error) {
	cp := f.conf.Checkpoint
	switch strings.ToLower(cp.Store) {
	case "", "memory":
		return eventstream.NewMemoryCheckpointStore(), nil
	case "s3":
		conn, err := f.conf.Resolve(cp.Connection)
		if err != nil {
			return nil, err
		}
		return s3checkpoint.New(ctx, conn, cp.Container)
	case "redis":
		conn, err := f.conf.Resolve(cp.Connection)
		if err != nil {
			return nil, err
		}
		return redischeckpoint.New(conn, cp.Container)
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", cp.Store)
	}
}

func (f *defaultFactory) BrokerClient(ctx context.Context, conn bustransport.Connection, resource, subscription string) (bustransport.BrokerClient, error) {
	t, err := bustransport.Build(ctx, bustransport.Config{
		System:       f.conf.Broker.System,
		Connection:   conn,
		Subscription: subscription,
	}, f.logger)
	if err != nil {
		return nil, err
	}
	client, err := bustransport.NewProcessorClient(t, bustransport.ProcessorOptions{
		Topic:              resource,
		EntityPath:         resource + "/" + subscription,
		MaxConcurrentCalls: f.conf.Broker.MaxConcurrentCalls,
		LockDuration:       f.conf.Broker.LockDuration,
		Logger:             f.logger,
	})
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return client, nil
}

func (f *defaultFactory) QueueClient(ctx context.Context, conn bustransport.Connection, resource string) (bustransport.QueueClient, error) {
	return sqs.New(ctx, conn, sqs.Options{Queue: resource, WaitTime: f.conf.Queue.WaitTime})
}

func (f *defaultFactory) Sender(ctx context.Context, backend metadatapkg.Backend, conn bustransport.Connection, resource string) (bustransport.Sender, error) {
	switch backend {
	case metadatapkg.BackendEventStream:
		return kafka.NewSender(conn, resource, f.logger)
	case metadatapkg.BackendBroker:
		t, err := bustransport.Build(ctx, bustransport.Config{System: f.conf.Broker.System, Connection: conn}, f.logger)
		if err != nil {
			return nil, err
		}
		sender, err := bustransport.NewPublisherSender(t, resource)
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		return sender, nil
	case metadatapkg.BackendQueue:
		return sqs.New(ctx, conn, sqs.Options{Queue: resource, WaitTime: f.conf.Queue.WaitTime})
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", errspkg.ErrSenderRequired, backend)
	}
}
