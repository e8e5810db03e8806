// Package queue drives a processor from a polling queue. Every received
// message is deleted after one processing attempt, whatever its outcome, so
// delivery on this backend is at most once.
package queue

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

const (
	DefaultPollingInterval   = 5 * time.Second
	DefaultMaxMessages       = 10
	DefaultVisibilityTimeout = 30 * time.Second
)

// Options configures an Engine.
type Options struct {
	// PollingInterval is the pause after an empty receive.
	PollingInterval time.Duration
	// CreateIfNotExists creates the queue once when the engine starts.
	CreateIfNotExists bool
	MaxMessages       int
	VisibilityTimeout time.Duration
}

// Engine binds a processor to a QueueClient with a single poll loop.
type Engine[T any] struct {
	binding *handlerpkg.Binding[T]
	client  transport.QueueClient
	opts    Options
	logger  loggingpkg.ServiceLogger
	wait    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func New[T any](binding *handlerpkg.Binding[T], client transport.QueueClient, opts Options) (*Engine[T], error) {
	if binding == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if client == nil {
		return nil, errspkg.ErrClientRequired
	}
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = DefaultPollingInterval
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return &Engine[T]{
		binding: binding,
		client:  client,
		opts:    opts,
		logger:  binding.Logger(),
		wait:    sleep,
	}, nil
}

// Start creates the queue when configured and launches the poll loop. The
// loop outlives ctx; Stop ends it.
func (e *Engine[T]) Start(ctx context.Context) error {
	if e.opts.CreateIfNotExists {
		if err := e.client.CreateIfNotExists(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	e.mu.Lock()
	e.running = true
	e.cancel = cancel
	e.done = done
	e.err = nil
	e.mu.Unlock()

	go e.loop(runCtx, done)

	e.logger.Info("Queue processor started", loggingpkg.LogFields{"polling_interval": e.opts.PollingInterval.String()})
	return nil
}

// Stop cancels the loop and waits for the current iteration to finish.
func (e *Engine[T]) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		e.logger.Info("Queue processor stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine[T]) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Err returns the receive error that ended the loop, if any.
func (e *Engine[T]) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine[T]) Processor() handlerpkg.Processor[T] {
	return e.binding.Processor()
}

func (e *Engine[T]) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := e.client.ReceiveMessages(ctx, e.opts.MaxMessages, e.opts.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.mu.Lock()
			e.err = err
			e.mu.Unlock()
			e.logger.Error("Queue receive failed, poll loop stopped", err, nil)
			return
		}

		for _, msg := range messages {
			e.handle(ctx, msg)
		}

		if len(messages) == 0 {
			if err := e.wait(ctx, e.opts.PollingInterval); err != nil {
				return
			}
		}
	}
}

// handle processes one message and then deletes it with its pop receipt.
func (e *Engine[T]) handle(ctx context.Context, msg transport.QueueMessage) {
	md := messageMetadata(msg)
	e.binding.Dispatch(ctx, handlerpkg.RawMessage{Body: msg.Body, Metadata: md})

	// A processed message is deleted even when Stop arrives mid-handler.
	if err := e.client.DeleteMessage(context.WithoutCancel(ctx), msg.MessageID, msg.PopReceipt); err != nil {
		e.binding.ReportFailure(ctx, handlerpkg.StageDelete, md, err)
	}
}

func messageMetadata(msg transport.QueueMessage) metadatapkg.Metadata {
	md := metadatapkg.Metadata{
		Backend:       metadatapkg.BackendQueue,
		ContentType:   msg.ContentType,
		CorrelationID: msg.CorrelationID,
		MessageID:     msg.MessageID,
		EnqueuedTime:  msg.InsertedOn,
		Properties:    msg.Properties.Clone(),
	}
	return md.WithQueue(metadatapkg.QueueDetails{
		DequeueCount:  msg.DequeueCount,
		PopReceipt:    msg.PopReceipt,
		InsertedOn:    msg.InsertedOn,
		ExpiresOn:     msg.ExpiresOn,
		NextVisibleOn: msg.NextVisibleOn,
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
