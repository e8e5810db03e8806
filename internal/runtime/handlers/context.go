package handlers

import (
	"context"
	"fmt"

	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// Envelope pairs a decoded payload with its delivery metadata. A new Envelope
// is built for every accepted message.
type Envelope[T any] struct {
	Payload  T
	Metadata metadatapkg.Metadata
}

// CorrelationID returns the correlation id carried by the message, if any.
func (e Envelope[T]) CorrelationID() string {
	return e.Metadata.CorrelationID
}

// Property returns the string form of an application property.
func (e Envelope[T]) Property(key string) string {
	return e.Metadata.Properties.String(key)
}

// Processor is the user extension point. A returned error is reported through
// the error path; it never stops the engine.
type Processor[T any] interface {
	Process(ctx context.Context, env Envelope[T]) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(ctx context.Context, env Envelope[T]) error

func (f ProcessorFunc[T]) Process(ctx context.Context, env Envelope[T]) error {
	return f(ctx, env)
}

// ErrorHandler is an optional capability of a Processor. When present it
// receives every processing error and transport fault for that processor
// instead of the default warning log.
type ErrorHandler interface {
	HandleError(ctx context.Context, err error, md metadatapkg.Metadata)
}

// Stage names the step of the pipeline that failed.
type Stage string

const (
	StageFilter     Stage = "filter"
	StageDecode     Stage = "decode"
	StageProcess    Stage = "process"
	StageCheckpoint Stage = "checkpoint"
	StageDelete     Stage = "delete"
)

// ProcessingError describes a contained failure for a single message.
type ProcessingError struct {
	Backend       metadatapkg.Backend
	Resource      string
	PayloadType   string
	ProcessorType string
	MessageID     string
	Stage         Stage
	Err           error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("busflow: %s failed for %s in %s (%s %q, message %q): %v",
		e.Stage, e.PayloadType, e.ProcessorType, e.Backend, e.Resource, e.MessageID, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
