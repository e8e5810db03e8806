package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// Event is one record read from a partition.
type Event struct {
	Body           []byte
	Properties     metadatapkg.Properties
	MessageID      string
	ContentType    string
	CorrelationID  string
	PartitionKey   string
	SequenceNumber int64
	Offset         string
	EnqueuedTime   time.Time
}

// StartPosition tells the client where to begin reading a partition.
type StartPosition struct {
	Earliest bool
	Latest   bool
	// SequenceNumber and Offset are used when neither Earliest nor Latest is
	// set. Reading resumes after the given position unless Inclusive is set.
	SequenceNumber int64
	Offset         string
	Inclusive      bool
}

func StartEarliest() StartPosition { return StartPosition{Earliest: true} }
func StartLatest() StartPosition   { return StartPosition{Latest: true} }

// StartAfter resumes immediately after a checkpointed position.
func StartAfter(sequence int64, offset string) StartPosition {
	return StartPosition{SequenceNumber: sequence, Offset: offset}
}

func (p StartPosition) String() string {
	switch {
	case p.Earliest:
		return "earliest"
	case p.Latest:
		return "latest"
	case p.Inclusive:
		return fmt.Sprintf("at sequence %d", p.SequenceNumber)
	default:
		return fmt.Sprintf("after sequence %d", p.SequenceNumber)
	}
}

// PartitionContext identifies the partition a callback is running for.
type PartitionContext struct {
	Namespace     string
	Resource      string
	ConsumerGroup string
	PartitionID   string
}

// CheckpointID returns the checkpoint key of the partition.
func (p PartitionContext) CheckpointID() CheckpointID {
	return CheckpointID(p)
}

// PartitionHandlers are the callbacks an engine registers with an
// EventStreamClient. The client calls them sequentially per partition.
type PartitionHandlers struct {
	// Initialize runs once when the partition is claimed.
	Initialize func(ctx context.Context, partition PartitionContext) (StartPosition, error)
	// ProcessBatch receives up to the configured batch size of events.
	ProcessBatch func(ctx context.Context, partition PartitionContext, events []Event) error
	// ProcessError receives transport faults, typically *PartitionError.
	ProcessError func(ctx context.Context, partition PartitionContext, err error)
}

// PartitionError is a transport fault for one partition. Fatal faults stop
// that partition.
type PartitionError struct {
	PartitionID string
	Operation   string
	Fatal       bool
	Err         error
}

func (e *PartitionError) Error() string {
	kind := "error"
	if e.Fatal {
		kind = "fatal error"
	}
	return fmt.Sprintf("eventstream: %s on partition %s during %s: %v", kind, e.PartitionID, e.Operation, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }

// EventStreamClient is the partitioned log collaborator. Partition ownership
// and load balancing are its responsibility.
type EventStreamClient interface {
	// RegisterHandlers installs the callbacks and returns a function that
	// removes them again.
	RegisterHandlers(handlers PartitionHandlers) (deregister func(), err error)
	Start(ctx context.Context) error
	// Stop drains in-flight callbacks before returning.
	Stop(ctx context.Context) error
	IsProcessing() bool
}

// CheckpointID addresses one partition's checkpoint.
type CheckpointID struct {
	Namespace     string
	Resource      string
	ConsumerGroup string
	PartitionID   string
}

// Path renders the checkpoint as a lower-cased, slash separated object key.
func (id CheckpointID) Path() string {
	return strings.ToLower(strings.Join([]string{id.Namespace, id.Resource, id.ConsumerGroup, "checkpoint", id.PartitionID}, "/"))
}

// Checkpoint is the last processed position of a partition.
type Checkpoint struct {
	CheckpointID
	SequenceNumber int64
	Offset         string
	UpdatedAt      time.Time
}

// CheckpointStore persists checkpoints in a named container.
type CheckpointStore interface {
	// EnsureContainer creates the container when it is missing.
	EnsureContainer(ctx context.Context) error
	GetCheckpoint(ctx context.Context, id CheckpointID) (Checkpoint, bool, error)
	UpdateCheckpoint(ctx context.Context, cp Checkpoint) error
}
