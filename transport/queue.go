package transport

import (
	"context"
	"time"

	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// QueueMessage is one message received from a polling queue. PopReceipt is
// required to delete it and is valid once.
type QueueMessage struct {
	MessageID     string
	Body          []byte
	Properties    metadatapkg.Properties
	ContentType   string
	CorrelationID string
	PopReceipt    string
	DequeueCount  int
	InsertedOn    time.Time
	ExpiresOn     time.Time
	NextVisibleOn time.Time
}

// QueueClient is the polling queue collaborator.
type QueueClient interface {
	CreateIfNotExists(ctx context.Context) error
	// ReceiveMessages returns up to max messages, hiding them for visibility.
	ReceiveMessages(ctx context.Context, max int, visibility time.Duration) ([]QueueMessage, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string) error
}
