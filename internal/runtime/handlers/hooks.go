package handlers

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// JobContext provides information about a processor call to hooks.
type JobContext struct {
	// ProcessorType is the dynamic type of the processor.
	ProcessorType string
	// PayloadType is the payload type the processor is bound to.
	PayloadType string
	Backend     metadatapkg.Backend
	Resource    string
	MessageID   string
	Metadata    metadatapkg.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// DeliveryCount is the broker delivery count or the queue dequeue count.
	// It is zero for event stream deliveries.
	DeliveryCount int
}

// JobHooks defines callbacks around each processor call. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after the hooks from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h JobHooks) start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

func (h JobHooks) done(ctx JobContext, err error) {
	if err != nil {
		if h.OnJobError != nil {
			h.OnJobError(ctx, err)
		}
		return
	}
	if h.OnJobDone != nil {
		h.OnJobDone(ctx)
	}
}

// LoggingHooks returns hooks that log each processor call at debug level and
// failures at error level.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", jobFields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			fields := jobFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Job completed", fields)
		},
		OnJobError: func(ctx JobContext, err error) {
			fields := jobFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, fields)
		},
	}
}

func jobFields(ctx JobContext) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"processor_type": ctx.ProcessorType,
		"payload_type":   ctx.PayloadType,
		"backend":        ctx.Backend.String(),
		"resource":       ctx.Resource,
		"message_id":     ctx.MessageID,
		"delivery_count": ctx.DeliveryCount,
	}
}

// MetricsHooks returns hooks that forward processor calls to simple counters.
func MetricsHooks(onStart, onDone, onError func(processorType, resource string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.ProcessorType, ctx.Resource)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.ProcessorType, ctx.Resource)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.ProcessorType, ctx.Resource)
			}
		},
	}
}

// AlertingHooks returns hooks that trigger alerts on processor errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
