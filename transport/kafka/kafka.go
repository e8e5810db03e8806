// Package kafka provides the Kafka backends for busflow: a sarama consumer
// group client for partitioned log processors, a watermill-kafka sender that
// honours partition keys, and a watermill-kafka broker transport.
package kafka

import (
	"context"
	"errors"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka broker transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Settings is a parsed Kafka connection.
type Settings struct {
	Connection string
	Brokers    []string
	Username   string
	Password   string
	Mechanism  string
	TLS        bool
}

// ParseConnection reads a Kafka connection. A connection string has the form
// "Brokers=a:9092,b:9092;Username=..;Password=..;Mechanism=PLAIN;TLS=true".
// A namespace is a comma separated broker list and its credential, when set,
// is "user:password".
func ParseConnection(conn transport.Connection) (Settings, error) {
	if err := conn.Validate(); err != nil {
		return Settings{}, err
	}
	s := Settings{Connection: conn.Identity()}

	if conn.ConnectionString == "" {
		for _, broker := range strings.Split(conn.Namespace, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				s.Brokers = append(s.Brokers, broker)
			}
		}
		if conn.Credential != "" {
			user, password, ok := strings.Cut(conn.Credential, ":")
			if !ok {
				return Settings{}, errspkg.NewConfigurationError(s.Connection, "kafka credential must be user:password")
			}
			s.Username, s.Password = user, password
		}
		return s, nil
	}

	kv, err := transport.ParseKeyValues(s.Connection, conn.ConnectionString)
	if err != nil {
		return Settings{}, err
	}
	s.Brokers = kv.List("Brokers")
	if len(s.Brokers) == 0 {
		return Settings{}, errspkg.NewConfigurationError(s.Connection, "connection string is missing Brokers")
	}
	s.Username = kv.Get("Username")
	s.Password = kv.Get("Password")
	s.Mechanism = kv.Get("Mechanism")
	s.TLS = kv.Bool("TLS")
	return s, nil
}

// Apply copies the security settings onto a sarama config.
func (s Settings) Apply(cfg *sarama.Config) error {
	if s.TLS {
		cfg.Net.TLS.Enable = true
	}
	if s.Username == "" {
		return nil
	}
	switch strings.ToUpper(s.Mechanism) {
	case "", sarama.SASLTypePlaintext:
	default:
		return errspkg.NewConfigurationError(s.Connection, "unsupported SASL mechanism %q", s.Mechanism)
	}
	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	cfg.Net.SASL.User = s.Username
	cfg.Net.SASL.Password = s.Password
	return nil
}

// Build creates a watermill-kafka transport. The subscription becomes the
// Kafka consumer group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	settings, err := ParseConnection(cfg.Connection)
	if err != nil {
		return transport.Transport{}, err
	}

	publisherSarama := kafka.DefaultSaramaSyncPublisherConfig()
	if err := settings.Apply(publisherSarama); err != nil {
		return transport.Transport{}, err
	}
	subscriberSarama := kafka.DefaultSaramaSubscriberConfig()
	if err := settings.Apply(subscriberSarama); err != nil {
		return transport.Transport{}, err
	}

	marshaler := PartitionKeyMarshaler()
	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               settings.Brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: publisherSarama,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               settings.Brokers,
			Unmarshaler:           marshaler,
			OverwriteSaramaConfig: subscriberSarama,
			ConsumerGroup:         cfg.Subscription,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, errors.Join(err, publisher.Close())
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
