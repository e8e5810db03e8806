package runtime

import (
	"context"

	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// engine is what the eventstream, broker and queue engines have in common.
type engine[T any] interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Processor() handlerpkg.Processor[T]
}

// ProcessorInfo describes a registered processor.
type ProcessorInfo struct {
	Name            string              `json:"name"`
	Backend         metadatapkg.Backend `json:"backend"`
	Connection      string              `json:"connection"`
	Resource        string              `json:"resource"`
	ConsumerGroup   string              `json:"consumer_group,omitempty"`
	PayloadType     string              `json:"payload_type"`
	ProcessorType   string              `json:"processor_type"`
	HasErrorHandler bool                `json:"has_error_handler"`
	Running         bool                `json:"running"`
}

// ProcessorService gives every engine the same lifecycle. Calling Start
// twice without Stop in between registers the callbacks twice; callers must
// not do that.
type ProcessorService[T any] struct {
	engine  engine[T]
	binding *handlerpkg.Binding[T]
	info    ProcessorInfo
}

func newProcessorService[T any](e engine[T], binding *handlerpkg.Binding[T], info ProcessorInfo) *ProcessorService[T] {
	info.Backend = binding.Backend()
	info.Resource = binding.Resource()
	info.PayloadType = binding.PayloadType()
	info.ProcessorType = binding.ProcessorType()
	info.HasErrorHandler = binding.HasErrorHandler()
	return &ProcessorService[T]{engine: e, binding: binding, info: info}
}

func (p *ProcessorService[T]) Start(ctx context.Context) error {
	return p.engine.Start(ctx)
}

func (p *ProcessorService[T]) Stop(ctx context.Context) error {
	return p.engine.Stop(ctx)
}

func (p *ProcessorService[T]) IsRunning() bool {
	return p.engine.IsRunning()
}

// Processor returns the user processor, mainly for tests and host introspection.
func (p *ProcessorService[T]) Processor() handlerpkg.Processor[T] {
	return p.engine.Processor()
}

func (p *ProcessorService[T]) Name() string                 { return p.info.Name }
func (p *ProcessorService[T]) Backend() metadatapkg.Backend { return p.info.Backend }

// Err reports the error that ended a queue poll loop. Other engines surface
// faults through the error path and always return nil.
func (p *ProcessorService[T]) Err() error {
	if e, ok := p.engine.(interface{ Err() error }); ok {
		return e.Err()
	}
	return nil
}

func (p *ProcessorService[T]) Info() ProcessorInfo {
	info := p.info
	info.Running = p.engine.IsRunning()
	return info
}
