package transport

import (
	"errors"
	"fmt"
)

// ErrMessageTooLarge is returned by Capabilities.Check for bodies above the
// backend limit.
var ErrMessageTooLarge = errors.New("busflow: message exceeds the backend size limit")

// Capabilities describes what a backend guarantees to engines and publishers.
type Capabilities struct {
	// Name is the registry name of the backend.
	Name string

	// SupportsOrdering indicates messages of one partition or session are
	// delivered in publish order.
	SupportsOrdering bool

	// SupportsPartitioning indicates PartitionKey selects a stable partition.
	SupportsPartitioning bool

	// SupportsSessions indicates SessionID groups related messages.
	SupportsSessions bool

	// SupportsTracing indicates the backend carries tracing headers.
	SupportsTracing bool

	SupportsBatching bool

	// SupportsAck indicates a settled message is not delivered again.
	SupportsAck bool

	// SupportsNack indicates a failed message is delivered again.
	SupportsNack bool

	// MaxMessageSize is the body limit in bytes; 0 means unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once semantics (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Check rejects messages the backend would refuse.
func (c Capabilities) Check(msg OutgoingMessage) error {
	if c.MaxMessageSize > 0 && int64(len(msg.Body)) > c.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes for %s (limit %d)", ErrMessageTooLarge, len(msg.Body), c.Name, c.MaxMessageSize)
	}
	return nil
}

// Predefined capability sets. Broker backends register theirs with the
// registry; the event stream and queue backends are fixed.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsAck:          true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   128 << 20,
	}

	// NATSCapabilities covers NATS Core, which drops messages nobody is
	// subscribed to.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsSessions: true,
		SupportsTracing:  true,
		SupportsBatching: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   256 << 10,
	}

	// SQSQueueCapabilities belong to the polling queue. Deletion is
	// unconditional, so there is no nack.
	SQSQueueCapabilities = Capabilities{
		Name:             "sqs",
		SupportsSessions: true,
		SupportsBatching: true,
		SupportsAck:      true,
		MaxMessageSize:   256 << 10,
	}
)

// GetCapabilities returns the capabilities registered under transportName,
// or a Capabilities with only Name set when it is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
