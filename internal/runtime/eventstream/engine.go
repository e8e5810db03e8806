// Package eventstream drives a processor from a partitioned log. Each
// partition is processed sequentially in ascending sequence order and
// checkpointed once per batch.
package eventstream

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// CheckpointObserver is notified after every successful checkpoint write.
type CheckpointObserver interface {
	ObserveCheckpoint(resource, consumerGroup, partition string, sequence int64)
}

// Options configures an Engine.
type Options struct {
	// DefaultStartPosition applies to partitions without a checkpoint.
	// The zero value starts from the earliest event.
	DefaultStartPosition transport.StartPosition
	CheckpointObserver   CheckpointObserver
}

// Engine binds a processor to an EventStreamClient.
type Engine[T any] struct {
	binding *handlerpkg.Binding[T]
	client  transport.EventStreamClient
	store   transport.CheckpointStore
	opts    Options
	logger  loggingpkg.ServiceLogger

	mu         sync.Mutex
	started    bool
	deregister func()
	// last checkpointed sequence per checkpoint path
	positions map[string]int64
}

func New[T any](binding *handlerpkg.Binding[T], client transport.EventStreamClient, store transport.CheckpointStore, opts Options) (*Engine[T], error) {
	if binding == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if client == nil {
		return nil, errspkg.ErrClientRequired
	}
	if store == nil {
		return nil, errspkg.ErrCheckpointRequired
	}
	if !opts.DefaultStartPosition.Earliest && !opts.DefaultStartPosition.Latest {
		opts.DefaultStartPosition = transport.StartEarliest()
	}
	return &Engine[T]{
		binding:   binding,
		client:    client,
		store:     store,
		opts:      opts,
		logger:    binding.Logger(),
		positions: make(map[string]int64),
	}, nil
}

// Start ensures the checkpoint container exists, registers the partition
// callbacks and starts the client. Callbacks are removed again if the client
// fails to start.
func (e *Engine[T]) Start(ctx context.Context) error {
	if err := e.store.EnsureContainer(ctx); err != nil {
		return err
	}

	deregister, err := e.client.RegisterHandlers(transport.PartitionHandlers{
		Initialize:   e.initialize,
		ProcessBatch: e.processBatch,
		ProcessError: e.processError,
	})
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

	e.logger.Info("Event stream processor started", nil)
	return nil
}

// Stop waits for the client to drain, then removes the callbacks.
func (e *Engine[T]) Stop(ctx context.Context) error {
	err := e.client.Stop(ctx)

	e.mu.Lock()
	deregister := e.deregister
	e.deregister = nil
	e.started = false
	e.mu.Unlock()

	if deregister != nil {
		deregister()
	}
	e.logger.Info("Event stream processor stopped", nil)
	return err
}

func (e *Engine[T]) IsRunning() bool {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	return started && e.client.IsProcessing()
}

func (e *Engine[T]) Processor() handlerpkg.Processor[T] {
	return e.binding.Processor()
}

func (e *Engine[T]) initialize(ctx context.Context, partition transport.PartitionContext) (transport.StartPosition, error) {
	id := partition.CheckpointID()
	cp, found, err := e.store.GetCheckpoint(ctx, id)
	if err != nil {
		return transport.StartPosition{}, err
	}

	fields := loggingpkg.LogFields{"partition": partition.PartitionID, "consumer_group": partition.ConsumerGroup}
	if !found {
		fields["start"] = e.opts.DefaultStartPosition.String()
		e.logger.Debug("No checkpoint for partition, using default start position", fields)
		return e.opts.DefaultStartPosition, nil
	}

	e.mu.Lock()
	e.positions[id.Path()] = cp.SequenceNumber
	e.mu.Unlock()

	position := transport.StartAfter(cp.SequenceNumber, cp.Offset)
	fields["start"] = position.String()
	e.logger.Debug("Resuming partition from checkpoint", fields)
	return position, nil
}

func (e *Engine[T]) processBatch(ctx context.Context, partition transport.PartitionContext, events []transport.Event) error {
	if len(events) == 0 {
		return nil
	}

	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, func(a, b transport.Event) int {
		return cmp.Compare(a.SequenceNumber, b.SequenceNumber)
	})

	for _, event := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.binding.Dispatch(ctx, handlerpkg.RawMessage{
			Body:     event.Body,
			Metadata: eventMetadata(partition, event),
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.checkpoint(ctx, partition, ordered[len(ordered)-1])
	return nil
}

// checkpoint stores the position of last. Writes that would not advance the
// partition are skipped; failures are reported and not retried.
func (e *Engine[T]) checkpoint(ctx context.Context, partition transport.PartitionContext, last transport.Event) {
	id := partition.CheckpointID()
	path := id.Path()

	e.mu.Lock()
	previous, known := e.positions[path]
	e.mu.Unlock()
	if known && last.SequenceNumber <= previous {
		return
	}

	err := e.store.UpdateCheckpoint(ctx, transport.Checkpoint{
		CheckpointID:   id,
		SequenceNumber: last.SequenceNumber,
		Offset:         last.Offset,
	})
	if err != nil {
		e.binding.ReportError(ctx, &transport.PartitionError{
			PartitionID: partition.PartitionID,
			Operation:   "checkpoint",
			Err:         err,
		}, eventMetadata(partition, last))
		return
	}

	e.mu.Lock()
	e.positions[path] = last.SequenceNumber
	e.mu.Unlock()

	if e.opts.CheckpointObserver != nil {
		e.opts.CheckpointObserver.ObserveCheckpoint(e.binding.Resource(), partition.ConsumerGroup, partition.PartitionID, last.SequenceNumber)
	}
}

func (e *Engine[T]) processError(ctx context.Context, partition transport.PartitionContext, err error) {
	if err == nil {
		return
	}
	var partitionErr *transport.PartitionError
	if errors.As(err, &partitionErr) && partitionErr.Fatal {
		e.logger.Error("Partition stopped after fatal transport error", err, loggingpkg.LogFields{
			"partition": partition.PartitionID,
		})
	}
	md := metadatapkg.Metadata{Backend: metadatapkg.BackendEventStream}.WithEventStream(metadatapkg.EventStreamDetails{
		PartitionID: partition.PartitionID,
	})
	e.binding.ReportError(ctx, err, md)
}

func eventMetadata(partition transport.PartitionContext, event transport.Event) metadatapkg.Metadata {
	md := metadatapkg.Metadata{
		Backend:       metadatapkg.BackendEventStream,
		ContentType:   event.ContentType,
		CorrelationID: event.CorrelationID,
		MessageID:     event.MessageID,
		PartitionKey:  event.PartitionKey,
		EnqueuedTime:  event.EnqueuedTime,
		Properties:    event.Properties.Clone(),
	}
	return md.WithEventStream(metadatapkg.EventStreamDetails{
		PartitionID:    partition.PartitionID,
		SequenceNumber: event.SequenceNumber,
		Offset:         event.Offset,
	})
}
