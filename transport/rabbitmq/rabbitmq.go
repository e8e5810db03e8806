// Package rabbitmq provides a RabbitMQ/AMQP broker backend for busflow.
package rabbitmq

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// CloseConnection allows overriding how the shared connection is closed.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a RabbitMQ transport. Each topic is a durable fanout exchange
// and each subscription gets its own queue, so processors sharing a
// subscription compete for messages.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri, err := URI(cfg.Connection)
	if err != nil {
		return transport.Transport{}, err
	}

	amqpConfig := amqp.NewDurablePubSubConfig(uri, QueueNameGenerator(cfg.Subscription))

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, errors.Join(err, CloseConnection(conn))
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, errors.Join(err, publisher.Close(), CloseConnection(conn))
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &connectionSubscriber{Subscriber: subscriber, conn: conn},
	}, nil
}

// QueueNameGenerator names the queue bound to a topic for one subscription.
func QueueNameGenerator(subscription string) amqp.QueueNameGenerator {
	if subscription == "" {
		return amqp.GenerateQueueNameTopicName
	}
	return amqp.GenerateQueueNameTopicNameWithSuffix("-" + subscription)
}

// URI returns the AMQP URI for a connection. A connection string is used as
// is; a namespace is "host[:port][/vhost]" with "user:password" credentials.
func URI(conn transport.Connection) (string, error) {
	if conn.ConnectionString != "" {
		if _, err := amqp091.ParseURI(conn.ConnectionString); err != nil {
			return "", errspkg.NewConfigurationError(conn.Name, "invalid AMQP connection string: %v", err)
		}
		return conn.ConnectionString, nil
	}

	uri := amqp091.URI{
		Scheme:   "amqp",
		Host:     conn.Namespace,
		Port:     5672,
		Username: "guest",
		Password: "guest",
		Vhost:    "/",
	}
	if host, vhost, ok := strings.Cut(uri.Host, "/"); ok {
		uri.Host = host
		uri.Vhost = vhost
	}
	if host, port, ok := strings.Cut(uri.Host, ":"); ok {
		p, err := strconv.Atoi(port)
		if err != nil {
			return "", errspkg.NewConfigurationError(conn.Name, "invalid AMQP port %q", port)
		}
		uri.Host = host
		uri.Port = p
	}
	if conn.Credential != "" {
		user, password, ok := strings.Cut(conn.Credential, ":")
		if !ok {
			return "", errspkg.NewConfigurationError(conn.Name, "credential must be user:password")
		}
		uri.Username = user
		uri.Password = password
	}
	return uri.String(), nil
}

// connectionSubscriber closes the shared AMQP connection after the subscriber.
type connectionSubscriber struct {
	message.Subscriber
	conn *amqp.ConnectionWrapper
}

func (s *connectionSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), CloseConnection(s.conn))
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
