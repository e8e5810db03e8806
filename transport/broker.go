package transport

import (
	"context"
	"fmt"
	"time"

	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// BrokerMessage is one competing consumer delivery.
type BrokerMessage struct {
	Body          []byte
	Properties    metadatapkg.Properties
	MessageID     string
	ContentType   string
	CorrelationID string
	PartitionKey  string
	SessionID     string
	EnqueuedTime  time.Time

	DeliveryCount              int
	LockToken                  string
	LockedUntil                time.Time
	DeadLetterSource           string
	DeadLetterReason           string
	DeadLetterErrorDescription string
	ScheduledEnqueueTime       time.Time
}

// BrokerError is a fault raised by the broker client outside message handling.
type BrokerError struct {
	EntityPath string
	Operation  string
	Err        error
}

func (e BrokerError) Error() string {
	return fmt.Sprintf("broker: %s on %s: %v", e.Operation, e.EntityPath, e.Err)
}

func (e BrokerError) Unwrap() error { return e.Err }

// MessageCallback handles one delivery. A nil return settles the message.
type MessageCallback func(ctx context.Context, msg BrokerMessage) error

// ErrorCallback receives transport faults.
type ErrorCallback func(ctx context.Context, err BrokerError)

// BrokerClient is the competing consumer collaborator.
type BrokerClient interface {
	RegisterHandlers(onMessage MessageCallback, onError ErrorCallback) (deregister func(), err error)
	Start(ctx context.Context) error
	// Stop drains in-flight callbacks before returning.
	Stop(ctx context.Context) error
	IsProcessing() bool
}
