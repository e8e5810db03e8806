package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Reserved header names used when metadata crosses a Watermill transport.
const (
	HeaderMessageID     = "busflow_message_id"
	HeaderContentType   = "content_type"
	HeaderCorrelationID = "correlation_id"
	HeaderPartitionKey  = "partition_key"
	HeaderSessionID     = "session_id"
	HeaderEnqueuedTime  = "busflow_enqueued_at"
	HeaderDeliveryCount = "x-delivery-count"
	HeaderPayloadType   = "busflow_payload_type"
)

// FromWatermill converts Watermill headers into a property map.
func FromWatermill(md message.Metadata) Properties {
	if len(md) == 0 {
		return Properties{}
	}

	result := make(Properties, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill renders properties as Watermill headers.
func ToWatermill(props Properties) message.Metadata {
	if len(props) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(props))
	for k := range props {
		wm[k] = props.String(k)
	}
	return wm
}
