package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired      = sterrors.New("busflow: service is required")
	ErrProcessorRequired    = sterrors.New("busflow: processor is required")
	ErrResourceRequired     = sterrors.New("busflow: resource name is required")
	ErrConnectionRequired   = sterrors.New("busflow: connection name is required")
	ErrConsumerGroupMissing = sterrors.New("busflow: consumer group is required")
	ErrConnectionNotFound   = sterrors.New("busflow: connection not found")
	ErrClientRequired       = sterrors.New("busflow: transport client is required")
	ErrCheckpointRequired   = sterrors.New("busflow: checkpoint store is required")
	ErrSenderRequired       = sterrors.New("busflow: sender is required")
	ErrHandlersRequired     = sterrors.New("busflow: message handlers must be registered before start")
	ErrHandlersRegistered   = sterrors.New("busflow: message handlers are already registered")
	ErrAlreadyProcessing    = sterrors.New("busflow: client is already processing")
	ErrResourceNotFound     = sterrors.New("busflow: resource not found")
	ErrConfigRequired       = sterrors.New("busflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("busflow: logger is required")
	ErrPayloadRequired      = sterrors.New("busflow: payload is required")
)

// ConfigValidationError wraps the joined result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "busflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ConfigurationError reports missing or ambiguous settings for a named
// connection. It is raised when a client is constructed and is never retried.
type ConfigurationError struct {
	Connection string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.Connection == "" {
		return fmt.Sprintf("busflow: configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("busflow: configuration error for connection %q: %s", e.Connection, e.Reason)
}

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(connection, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Connection: connection, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return sterrors.As(err, &cfgErr)
}
