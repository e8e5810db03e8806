package kafka

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// PartitionKeyMarshaler keys Kafka records by the partition_key header so
// messages sharing a key land on the same partition. Messages without a key
// are spread by their id.
func PartitionKeyMarshaler() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(partitionKey)
}

func partitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadatapkg.HeaderPartitionKey); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// NewSender returns a sender publishing to one topic through a synchronous
// watermill-kafka publisher.
func NewSender(conn transport.Connection, topic string, logger watermill.LoggerAdapter) (*transport.PublisherSender, error) {
	if topic == "" {
		return nil, errspkg.ErrResourceRequired
	}
	settings, err := ParseConnection(conn)
	if err != nil {
		return nil, err
	}
	saramaCfg := kafka.DefaultSaramaSyncPublisherConfig()
	if err := settings.Apply(saramaCfg); err != nil {
		return nil, err
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               settings.Brokers,
			Marshaler:             PartitionKeyMarshaler(),
			OverwriteSaramaConfig: saramaCfg,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}
	return transport.NewPublisherSender(transport.Transport{Publisher: publisher}, topic)
}
