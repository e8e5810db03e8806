package transport

import (
	"context"

	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// OutgoingMessage is a serialized payload ready to be sent.
type OutgoingMessage struct {
	MessageID     string
	Body          []byte
	ContentType   string
	CorrelationID string
	PartitionKey  string
	SessionID     string
	Properties    metadatapkg.Properties
}

// Headers renders the message's envelope fields and properties as flat string
// headers for transports that only carry string metadata.
func (m OutgoingMessage) Headers() map[string]string {
	headers := make(map[string]string, len(m.Properties)+5)
	for k := range m.Properties {
		headers[k] = m.Properties.String(k)
	}
	set := func(key, value string) {
		if value != "" {
			headers[key] = value
		}
	}
	set(metadatapkg.HeaderMessageID, m.MessageID)
	set(metadatapkg.HeaderContentType, m.ContentType)
	set(metadatapkg.HeaderCorrelationID, m.CorrelationID)
	set(metadatapkg.HeaderPartitionKey, m.PartitionKey)
	set(metadatapkg.HeaderSessionID, m.SessionID)
	return headers
}

// Sender publishes to one resource.
type Sender interface {
	Send(ctx context.Context, msgs ...OutgoingMessage) error
	Close() error
}
