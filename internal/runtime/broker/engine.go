// Package broker drives a processor from a competing consumer subscription.
// Messages are settled by the transport once the callback returns; the engine
// never abandons or dead-letters explicitly.
package broker

import (
	"context"
	"sync"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// Engine binds a processor to a BrokerClient.
type Engine[T any] struct {
	binding *handlerpkg.Binding[T]
	client  transport.BrokerClient
	logger  loggingpkg.ServiceLogger

	mu         sync.Mutex
	started    bool
	deregister func()
}

func New[T any](binding *handlerpkg.Binding[T], client transport.BrokerClient) (*Engine[T], error) {
	if binding == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if client == nil {
		return nil, errspkg.ErrClientRequired
	}
	return &Engine[T]{binding: binding, client: client, logger: binding.Logger()}, nil
}

// Start registers the message and error callbacks, then starts the client.
func (e *Engine[T]) Start(ctx context.Context) error {
	deregister, err := e.client.RegisterHandlers(e.onMessage, e.onError)
	if err != nil {
		return err
	}
	if err := e.client.Start(ctx); err != nil {
		deregister()
		return err
	}

	e.mu.Lock()
	e.started = true
	e.deregister = deregister
	e.mu.Unlock()

	e.logger.Info("Broker processor started", nil)
	return nil
}

// Stop lets the client drain in-flight callbacks, then removes them.
func (e *Engine[T]) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	err := e.client.Stop(ctx)

	e.mu.Lock()
	deregister := e.deregister
	e.deregister = nil
	e.mu.Unlock()
	if deregister != nil {
		deregister()
	}
	e.logger.Info("Broker processor stopped", nil)
	return err
}

// IsRunning holds only while the engine is started and the client is
// processing.
func (e *Engine[T]) IsRunning() bool {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	return started && e.client.IsProcessing()
}

func (e *Engine[T]) Processor() handlerpkg.Processor[T] {
	return e.binding.Processor()
}

// onMessage never returns an error so the transport keeps its receive loop
// alive and settles the message.
func (e *Engine[T]) onMessage(ctx context.Context, msg transport.BrokerMessage) error {
	e.binding.Dispatch(ctx, handlerpkg.RawMessage{Body: msg.Body, Metadata: messageMetadata(msg)})
	return nil
}

func (e *Engine[T]) onError(ctx context.Context, brokerErr transport.BrokerError) {
	e.binding.ReportError(ctx, brokerErr, metadatapkg.Metadata{Backend: metadatapkg.BackendBroker}.WithBroker(metadatapkg.BrokerDetails{}))
}

func messageMetadata(msg transport.BrokerMessage) metadatapkg.Metadata {
	md := metadatapkg.Metadata{
		Backend:       metadatapkg.BackendBroker,
		ContentType:   msg.ContentType,
		CorrelationID: msg.CorrelationID,
		MessageID:     msg.MessageID,
		PartitionKey:  msg.PartitionKey,
		EnqueuedTime:  msg.EnqueuedTime,
		Properties:    msg.Properties.Clone(),
	}
	return md.WithBroker(metadatapkg.BrokerDetails{
		DeliveryCount:              msg.DeliveryCount,
		LockToken:                  msg.LockToken,
		LockedUntil:                msg.LockedUntil,
		DeadLetterSource:           msg.DeadLetterSource,
		DeadLetterReason:           msg.DeadLetterReason,
		DeadLetterErrorDescription: msg.DeadLetterErrorDescription,
		ScheduledEnqueueTime:       msg.ScheduledEnqueueTime,
		SessionID:                  msg.SessionID,
	})
}
