// Package transport defines the collaborator contracts the busflow engines
// drive, plus the registry of Watermill based broker backends. Each backend
// lives in its own sub-package and registers itself with DefaultRegistry.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both halves, publisher first.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config is what a broker Builder receives.
type Config struct {
	// System selects the registered builder, for example "rabbitmq".
	System     string
	Connection Connection
	// Subscription names the competing consumer group. Backends map it onto
	// their own notion (queue name suffix, queue group, consumer group).
	// It is empty for publish-only transports.
	Subscription string
}

// Builder creates a Watermill transport for one connection.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Connection identifies a backend endpoint. Exactly one of Namespace or
// ConnectionString must be set; Credential only applies with Namespace.
type Connection struct {
	Name             string
	Namespace        string
	Credential       string
	ConnectionString string
}

// Validate reports a configuration error for missing or ambiguous settings.
func (c Connection) Validate() error {
	hasNamespace := strings.TrimSpace(c.Namespace) != ""
	hasConnString := strings.TrimSpace(c.ConnectionString) != ""
	switch {
	case hasNamespace && hasConnString:
		return errspkg.NewConfigurationError(c.Name, "namespace and connection string are mutually exclusive")
	case !hasNamespace && !hasConnString:
		return errspkg.NewConfigurationError(c.Name, "either namespace or connection string is required")
	}
	return nil
}

// Endpoint returns whichever of ConnectionString or Namespace is set.
func (c Connection) Endpoint() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return c.Namespace
}

// Identity is a stable key for client caching. Two connections with the same
// identity share clients.
func (c Connection) Identity() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Endpoint()
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
