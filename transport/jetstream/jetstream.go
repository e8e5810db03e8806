// Package jetstream provides a NATS JetStream broker backend for busflow.
// Each subscription becomes a durable consumer, so unacked messages are
// redelivered after restarts.
package jetstream

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/busflow/transport"
	natstransport "github.com/drblury/busflow/transport/nats"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second
)

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a JetStream transport. Connections are resolved the same way
// as for the nats backend.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url, options := natstransport.Options(cfg.Connection)
	marshaler := &nats.NATSMarshaler{}
	js := Config(cfg.Subscription)

	publisher, err := natstransport.PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   js,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := natstransport.SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.Subscription,
			SubscribersCount: 1,
			AckWaitTimeout:   DefaultAckWait,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        js,
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

// Config provisions streams on demand and names durable consumers after the
// subscription.
func Config(subscription string) nats.JetStreamConfig {
	return nats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
		DurablePrefix: subscription,
		SubscribeOptions: []natsgo.SubOpt{
			natsgo.DeliverAll(),
			natsgo.AckExplicit(),
			natsgo.MaxDeliver(DefaultMaxDeliver),
		},
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
