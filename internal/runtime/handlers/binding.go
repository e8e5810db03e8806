package handlers

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	filterpkg "github.com/drblury/busflow/internal/runtime/filter"
	jsoncodec "github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	metricspkg "github.com/drblury/busflow/internal/runtime/metrics"
)

const tracerName = "github.com/drblury/busflow"

// Outcome is the result of dispatching one raw message.
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeFiltered
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return metricspkg.OutcomeProcessed
	case OutcomeFiltered:
		return metricspkg.OutcomeFiltered
	default:
		return metricspkg.OutcomeFailed
	}
}

// RawMessage is a delivered message before filtering and decoding. Metadata
// must already be tagged with the delivering backend.
type RawMessage struct {
	Body     []byte
	Metadata metadatapkg.Metadata
}

// Observer receives processing statistics. *metrics.Recorder implements it.
type Observer interface {
	ObserveOutcome(backend, resource, processor, outcome string, duration time.Duration)
	ObserveTransportError(backend, resource string)
}

// BindingOptions configures Bind. Only Backend and Resource are required.
type BindingOptions struct {
	Backend  metadatapkg.Backend
	Resource string
	Filters  *filterpkg.Chain
	Codec    *jsoncodec.Codec
	Logger   loggingpkg.ServiceLogger
	Hooks    JobHooks
	Observer Observer
	Tracer   trace.Tracer
}

// Binding is a processor resolved once for a payload type and resource. The
// engines hand every delivered message to Dispatch.
type Binding[T any] struct {
	processor     Processor[T]
	onError       func(ctx context.Context, err error, md metadatapkg.Metadata)
	hasErrHandler bool
	decode        func([]byte) (T, error)

	backend       metadatapkg.Backend
	resource      string
	payloadType   string
	processorType string

	filters  *filterpkg.Chain
	logger   loggingpkg.ServiceLogger
	hooks    JobHooks
	observer Observer
	tracer   trace.Tracer
}

// Bind resolves the processor's optional ErrorHandler capability and the
// payload decoder up front.
func Bind[T any](processor Processor[T], opts BindingOptions) (*Binding[T], error) {
	if processor == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if opts.Resource == "" {
		return nil, errspkg.ErrResourceRequired
	}
	codec := opts.Codec
	if codec == nil {
		codec = jsoncodec.Default
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	b := &Binding[T]{
		processor:     processor,
		decode:        payloadDecoder[T](codec),
		backend:       opts.Backend,
		resource:      opts.Resource,
		payloadType:   TypeName[T](),
		processorType: fmt.Sprintf("%T", processor),
		filters:       opts.Filters,
		hooks:         opts.Hooks,
		observer:      opts.Observer,
		tracer:        tracer,
	}
	b.logger = logger.With(loggingpkg.LogFields{
		"backend":        b.backend.String(),
		"resource":       b.resource,
		"payload_type":   b.payloadType,
		"processor_type": b.processorType,
	})

	if eh, ok := processor.(ErrorHandler); ok {
		b.onError = eh.HandleError
		b.hasErrHandler = true
	} else {
		b.onError = b.logError
	}
	return b, nil
}

func (b *Binding[T]) Processor() Processor[T]          { return b.processor }
func (b *Binding[T]) Backend() metadatapkg.Backend     { return b.backend }
func (b *Binding[T]) Resource() string                 { return b.resource }
func (b *Binding[T]) PayloadType() string              { return b.payloadType }
func (b *Binding[T]) ProcessorType() string            { return b.processorType }
func (b *Binding[T]) HasErrorHandler() bool            { return b.hasErrHandler }
func (b *Binding[T]) Logger() loggingpkg.ServiceLogger { return b.logger }

// Dispatch filters, decodes and processes one message. Failures are reported
// through the error path and never returned.
func (b *Binding[T]) Dispatch(ctx context.Context, raw RawMessage) Outcome {
	started := time.Now()
	md := raw.Metadata

	accepted, err := b.filters.Evaluate(md.Properties)
	if err != nil {
		b.fail(ctx, StageFilter, md, err, started)
		return OutcomeFailed
	}
	if !accepted {
		b.observe(metricspkg.OutcomeFiltered, 0)
		return OutcomeFiltered
	}

	ctx, span := b.tracer.Start(ctx, "busflow.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", b.backend.String()),
			attribute.String("messaging.destination.name", b.resource),
			attribute.String("messaging.message.id", md.MessageID),
			attribute.String("busflow.payload_type", b.payloadType),
		),
	)
	defer span.End()

	payload, err := b.decode(raw.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		b.fail(ctx, StageDecode, md, err, started)
		return OutcomeFailed
	}

	job := JobContext{
		ProcessorType: b.processorType,
		PayloadType:   b.payloadType,
		Backend:       b.backend,
		Resource:      b.resource,
		MessageID:     md.MessageID,
		Metadata:      md,
		Context:       ctx,
		StartedAt:     started,
		DeliveryCount: deliveryCount(md),
	}
	b.hooks.start(job)

	err = b.invoke(ctx, Envelope[T]{Payload: payload, Metadata: md})
	job.Duration = time.Since(started)
	b.hooks.done(job, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processor failed")
		b.fail(ctx, StageProcess, md, err, started)
		return OutcomeFailed
	}
	b.observe(metricspkg.OutcomeProcessed, job.Duration)
	return OutcomeProcessed
}

// ReportFailure routes a per-message failure that happened outside Dispatch,
// such as a failed delete after processing.
func (b *Binding[T]) ReportFailure(ctx context.Context, stage Stage, md metadatapkg.Metadata, err error) {
	b.route(ctx, b.wrap(stage, md, err), md)
}

// ReportError routes a transport or checkpoint fault through the same error
// path as processing errors.
func (b *Binding[T]) ReportError(ctx context.Context, err error, md metadatapkg.Metadata) {
	if err == nil {
		return
	}
	if b.observer != nil {
		b.observer.ObserveTransportError(b.backend.String(), b.resource)
	}
	b.route(ctx, err, md)
}

func (b *Binding[T]) invoke(ctx context.Context, env Envelope[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return b.processor.Process(ctx, env)
}

func (b *Binding[T]) fail(ctx context.Context, stage Stage, md metadatapkg.Metadata, err error, started time.Time) {
	b.observe(metricspkg.OutcomeFailed, time.Since(started))
	b.route(ctx, b.wrap(stage, md, err), md)
}

func (b *Binding[T]) wrap(stage Stage, md metadatapkg.Metadata, err error) *ProcessingError {
	return &ProcessingError{
		Backend:       b.backend,
		Resource:      b.resource,
		PayloadType:   b.payloadType,
		ProcessorType: b.processorType,
		MessageID:     md.MessageID,
		Stage:         stage,
		Err:           err,
	}
}

func (b *Binding[T]) route(ctx context.Context, err error, md metadatapkg.Metadata) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Error handler panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{"original_error": err.Error()})
		}
	}()
	b.onError(ctx, err, md)
}

func (b *Binding[T]) logError(_ context.Context, err error, md metadatapkg.Metadata) {
	b.logger.Warn("Message processing failed", loggingpkg.LogFields{
		"message_id": md.MessageID,
		"error":      err.Error(),
	})
}

func (b *Binding[T]) observe(outcome string, d time.Duration) {
	if b.observer != nil {
		b.observer.ObserveOutcome(b.backend.String(), b.resource, b.processorType, outcome, d)
	}
}

func deliveryCount(md metadatapkg.Metadata) int {
	if d, ok := md.BrokerDetails(); ok {
		return d.DeliveryCount
	}
	if d, ok := md.QueueDetails(); ok {
		return d.DequeueCount
	}
	return 0
}
