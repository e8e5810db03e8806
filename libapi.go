package busflow

import (
	"context"

	runtimepkg "github.com/drblury/busflow/internal/runtime"
	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	filterpkg "github.com/drblury/busflow/internal/runtime/filter"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	metricspkg "github.com/drblury/busflow/internal/runtime/metrics"
	transportpkg "github.com/drblury/busflow/internal/runtime/transport"
	"github.com/drblury/busflow/transport"
)

type (
	Config            = configpkg.Config
	ConnectionConfig  = configpkg.ConnectionConfig
	EventStreamConfig = configpkg.EventStreamConfig
	BrokerConfig      = configpkg.BrokerConfig
	QueueConfig       = configpkg.QueueConfig
	CheckpointConfig  = configpkg.CheckpointConfig
	JSONConfig        = configpkg.JSONConfig

	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TransportFactory    = transportpkg.Factory
	ProcessorInfo       = runtimepkg.ProcessorInfo

	EventStreamRegistration[T any] = runtimepkg.EventStreamRegistration[T]
	BrokerRegistration[T any]      = runtimepkg.BrokerRegistration[T]
	QueueRegistration[T any]       = runtimepkg.QueueRegistration[T]
	ProcessorService[T any]        = runtimepkg.ProcessorService[T]

	Processor[T any]     = handlerpkg.Processor[T]
	ProcessorFunc[T any] = handlerpkg.ProcessorFunc[T]
	ErrorHandler         = handlerpkg.ErrorHandler
	Envelope[T any]      = handlerpkg.Envelope[T]
	ProcessingError      = handlerpkg.ProcessingError
	Stage                = handlerpkg.Stage

	Backend            = metadatapkg.Backend
	Metadata           = metadatapkg.Metadata
	Properties         = metadatapkg.Properties
	EventStreamDetails = metadatapkg.EventStreamDetails
	BrokerDetails      = metadatapkg.BrokerDetails
	QueueDetails       = metadatapkg.QueueDetails

	Predicate   = filterpkg.Predicate
	FilterChain = filterpkg.Chain

	Publisher     = runtimepkg.Publisher
	PublishOption = runtimepkg.PublishOption

	JobContext = handlerpkg.JobContext
	JobHooks   = handlerpkg.JobHooks

	MetricsRecorder = metricspkg.Recorder

	Codec        = jsoncodec.Codec
	CodecOptions = jsoncodec.Options
	NamingPolicy = jsoncodec.NamingPolicy

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError
	ConfigurationError    = errspkg.ConfigurationError

	Connection            = transport.Connection
	TransportCapabilities = transport.Capabilities
)

const (
	BackendEventStream = metadatapkg.BackendEventStream
	BackendBroker      = metadatapkg.BackendBroker
	BackendQueue       = metadatapkg.BackendQueue

	StageFilter     = handlerpkg.StageFilter
	StageDecode     = handlerpkg.StageDecode
	StageProcess    = handlerpkg.StageProcess
	StageCheckpoint = handlerpkg.StageCheckpoint
	StageDelete     = handlerpkg.StageDelete

	DefaultConsumerGroup = runtimepkg.DefaultConsumerGroup
	DefaultSubscription  = runtimepkg.DefaultSubscription

	HeaderPayloadType = metadatapkg.HeaderPayloadType
)

var (
	NewService     = runtimepkg.NewService
	NewPublisher   = runtimepkg.NewPublisher
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	DefaultTransportFactory = transportpkg.DefaultFactory
	NewMetricsRecorder      = metricspkg.NewRecorder
	GetCapabilities         = transport.GetCapabilities

	WithMessageID     = runtimepkg.WithMessageID
	WithCorrelationID = runtimepkg.WithCorrelationID
	WithContentType   = runtimepkg.WithContentType
	WithPartitionKey  = runtimepkg.WithPartitionKey
	WithSessionID     = runtimepkg.WithSessionID
	WithProperty      = runtimepkg.WithProperty

	NewFilterChain  = filterpkg.NewChain
	HasProperty     = filterpkg.HasProperty
	PropertyEquals  = filterpkg.PropertyEquals
	PropertyIn      = filterpkg.PropertyIn
	PropertyMatches = filterpkg.PropertyMatches
	Not             = filterpkg.Not
	Any             = filterpkg.Any

	LoggingHooks  = handlerpkg.LoggingHooks
	MetricsHooks  = handlerpkg.MetricsHooks
	AlertingHooks = handlerpkg.AlertingHooks

	NewProperties = metadatapkg.NewProperties

	NewCodec          = jsoncodec.New
	ParseNamingPolicy = jsoncodec.ParseNamingPolicy
	Marshal           = jsoncodec.Marshal
	MarshalIndent     = jsoncodec.MarshalIndent
	Unmarshal         = jsoncodec.Unmarshal
	Encode            = jsoncodec.Encode
	Decode            = jsoncodec.Decode

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	CreateULID = idspkg.CreateULID

	IsConfigurationError = errspkg.IsConfigurationError

	ErrServiceRequired    = errspkg.ErrServiceRequired
	ErrProcessorRequired  = errspkg.ErrProcessorRequired
	ErrResourceRequired   = errspkg.ErrResourceRequired
	ErrConnectionRequired = errspkg.ErrConnectionRequired
	ErrConnectionNotFound = errspkg.ErrConnectionNotFound
	ErrResourceNotFound   = errspkg.ErrResourceNotFound
	ErrSenderRequired     = errspkg.ErrSenderRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrPayloadRequired    = errspkg.ErrPayloadRequired
	ErrMessageTooLarge    = transport.ErrMessageTooLarge
)

func RegisterEventStreamProcessor[T any](ctx context.Context, svc *Service, reg EventStreamRegistration[T]) (*ProcessorService[T], error) {
	return runtimepkg.RegisterEventStreamProcessor(ctx, svc, reg)
}

func RegisterBrokerProcessor[T any](ctx context.Context, svc *Service, reg BrokerRegistration[T]) (*ProcessorService[T], error) {
	return runtimepkg.RegisterBrokerProcessor(ctx, svc, reg)
}

func RegisterQueueProcessor[T any](ctx context.Context, svc *Service, reg QueueRegistration[T]) (*ProcessorService[T], error) {
	return runtimepkg.RegisterQueueProcessor(ctx, svc, reg)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
