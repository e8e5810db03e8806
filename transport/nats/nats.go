// Package nats provides a NATS Core broker backend for busflow.
package nats

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS transport. The subscription becomes the queue group
// prefix, so processors sharing a subscription compete for messages.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url, options := Options(cfg.Connection)
	marshaler := &nats.NATSMarshaler{}
	noJetStream := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   noJetStream,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.Subscription,
			SubscribersCount: 1,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        noJetStream,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Options returns the server URL and connect options for a connection. A
// connection string is a NATS URL; a namespace is a host with the credential
// used as a token, or as user info when it has the form user:password.
func Options(conn transport.Connection) (string, []natsgo.Option) {
	options := []natsgo.Option{natsgo.Name("busflow")}
	if conn.ConnectionString != "" {
		return conn.ConnectionString, options
	}

	url := conn.Namespace
	if !strings.Contains(url, "://") {
		url = "nats://" + url
	}
	if conn.Credential != "" {
		if user, password, ok := strings.Cut(conn.Credential, ":"); ok {
			options = append(options, natsgo.UserInfo(user, password))
		} else {
			options = append(options, natsgo.Token(conn.Credential))
		}
	}
	return url, options
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
