// Package sqs provides the polling queue backend for busflow on Amazon SQS.
// Client implements transport.QueueClient and transport.Sender for one queue.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
	awstransport "github.com/drblury/busflow/transport/aws"
)

const (
	// MaxBatchSize is the most messages one ReceiveMessage call returns.
	MaxBatchSize = 10
	// MaxAttributes is the most message attributes SQS accepts per message.
	MaxAttributes = 10

	nonExistentQueueCode = "AWS.SimpleQueueService.NonExistentQueue"
	fifoSuffix           = ".fifo"
)

// API is the subset of the SQS client used by Client.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// APIFactory allows overriding the SQS client creation for testing.
var APIFactory = func(cfg aws.Config) API {
	return sqs.NewFromConfig(cfg)
}

// Options configures a Client.
type Options struct {
	// Queue is the queue name.
	Queue string
	// WaitTime enables long polling, at most 20s.
	WaitTime time.Duration
}

// Client addresses one queue. The queue URL is resolved lazily and cached.
type Client struct {
	api      API
	queue    string
	waitTime time.Duration
	now      func() time.Time

	mu  sync.Mutex
	url string
}

var (
	_ transport.QueueClient = (*Client)(nil)
	_ transport.Sender      = (*Client)(nil)
)

// New creates a client from a connection, see aws.ParseConnection.
func New(ctx context.Context, conn transport.Connection, opts Options) (*Client, error) {
	if opts.Queue == "" {
		return nil, errspkg.ErrResourceRequired
	}
	settings, err := awstransport.ParseConnection(conn)
	if err != nil {
		return nil, err
	}
	cfg, err := awstransport.LoadConfig(ctx, settings)
	if err != nil {
		return nil, err
	}
	return NewWithAPI(APIFactory(cfg), opts)
}

// NewWithAPI creates a client over an existing SQS API.
func NewWithAPI(api API, opts Options) (*Client, error) {
	if api == nil {
		return nil, errspkg.ErrClientRequired
	}
	if opts.Queue == "" {
		return nil, errspkg.ErrResourceRequired
	}
	return &Client{api: api, queue: opts.Queue, waitTime: opts.WaitTime, now: time.Now}, nil
}

func (c *Client) Queue() string { return c.queue }

func (c *Client) queueURL(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.url != "" {
		return c.url, nil
	}

	out, err := c.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(c.queue)})
	if err != nil {
		if IsQueueNotFound(err) {
			return "", fmt.Errorf("%w: queue %s: %w", errspkg.ErrResourceNotFound, c.queue, err)
		}
		return "", fmt.Errorf("resolve queue %s: %w", c.queue, err)
	}
	c.url = aws.ToString(out.QueueUrl)
	return c.url, nil
}

// CreateIfNotExists creates the queue. FIFO queues are recognised by their
// ".fifo" suffix.
func (c *Client) CreateIfNotExists(ctx context.Context) error {
	input := &sqs.CreateQueueInput{QueueName: aws.String(c.queue)}
	if c.fifo() {
		input.Attributes = map[string]string{
			string(sqstypes.QueueAttributeNameFifoQueue): "true",
		}
	}
	out, err := c.api.CreateQueue(ctx, input)
	if err != nil {
		return fmt.Errorf("create queue %s: %w", c.queue, err)
	}

	c.mu.Lock()
	c.url = aws.ToString(out.QueueUrl)
	c.mu.Unlock()
	return nil
}

// ReceiveMessages fetches up to max messages, at most MaxBatchSize, hiding
// them for visibility.
func (c *Client) ReceiveMessages(ctx context.Context, max int, visibility time.Duration) ([]transport.QueueMessage, error) {
	url, err := c.queueURL(ctx)
	if err != nil {
		return nil, err
	}
	if max <= 0 || max > MaxBatchSize {
		max = MaxBatchSize
	}

	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   int32(max),
		VisibilityTimeout:     int32(visibility / time.Second),
		WaitTimeSeconds:       int32(c.waitTime / time.Second),
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", c.queue, err)
	}

	receivedAt := c.now()
	messages := make([]transport.QueueMessage, 0, len(out.Messages))
	for _, msg := range out.Messages {
		messages = append(messages, toQueueMessage(msg, receivedAt, visibility))
	}
	return messages, nil
}

// DeleteMessage removes a received message. The pop receipt is the SQS
// receipt handle.
func (c *Client) DeleteMessage(ctx context.Context, messageID, popReceipt string) error {
	url, err := c.queueURL(ctx)
	if err != nil {
		return err
	}
	_, err = c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(popReceipt),
	})
	if err != nil {
		return fmt.Errorf("delete message %s from %s: %w", messageID, c.queue, err)
	}
	return nil
}

// Send enqueues each message. Envelope fields and properties travel as
// string message attributes.
func (c *Client) Send(ctx context.Context, msgs ...transport.OutgoingMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	url, err := c.queueURL(ctx)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		if m.MessageID == "" {
			m.MessageID = idspkg.CreateULID()
		}
		headers := m.Headers()
		headers[metadatapkg.HeaderEnqueuedTime] = c.now().UTC().Format(time.RFC3339Nano)
		if len(headers) > MaxAttributes {
			return fmt.Errorf("send message %s to %s: %d attributes exceed the limit of %d", m.MessageID, c.queue, len(headers), MaxAttributes)
		}

		input := &sqs.SendMessageInput{
			QueueUrl:          aws.String(url),
			MessageBody:       aws.String(string(m.Body)),
			MessageAttributes: make(map[string]sqstypes.MessageAttributeValue, len(headers)),
		}
		for k, v := range headers {
			input.MessageAttributes[k] = sqstypes.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
		if c.fifo() {
			group := m.SessionID
			if group == "" {
				group = m.PartitionKey
			}
			if group == "" {
				group = m.MessageID
			}
			input.MessageGroupId = aws.String(group)
			input.MessageDeduplicationId = aws.String(m.MessageID)
		}

		if _, err := c.api.SendMessage(ctx, input); err != nil {
			return fmt.Errorf("send message %s to %s: %w", m.MessageID, c.queue, err)
		}
	}
	return nil
}

// Close is a no-op; the SQS client holds no connection.
func (c *Client) Close() error { return nil }

func (c *Client) fifo() bool {
	return strings.HasSuffix(c.queue, fifoSuffix)
}

// IsQueueNotFound reports whether err says the queue does not exist.
func IsQueueNotFound(err error) bool {
	var notFound *sqstypes.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == nonExistentQueueCode
}

func toQueueMessage(msg sqstypes.Message, receivedAt time.Time, visibility time.Duration) transport.QueueMessage {
	props := make(metadatapkg.Properties, len(msg.MessageAttributes))
	for k, v := range msg.MessageAttributes {
		switch {
		case v.StringValue != nil:
			props[k] = aws.ToString(v.StringValue)
		case v.BinaryValue != nil:
			props[k] = v.BinaryValue
		}
	}
	take := func(key string) string {
		v := props.String(key)
		delete(props, key)
		return v
	}

	out := transport.QueueMessage{
		Body:          []byte(aws.ToString(msg.Body)),
		MessageID:     take(metadatapkg.HeaderMessageID),
		ContentType:   take(metadatapkg.HeaderContentType),
		CorrelationID: take(metadatapkg.HeaderCorrelationID),
		PopReceipt:    aws.ToString(msg.ReceiptHandle),
		DequeueCount:  1,
		NextVisibleOn: receivedAt.Add(visibility),
	}
	if out.MessageID == "" {
		out.MessageID = aws.ToString(msg.MessageId)
	}
	enqueued := take(metadatapkg.HeaderEnqueuedTime)

	if raw := msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			out.DequeueCount = n
		}
	}
	if raw := msg.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			out.InsertedOn = time.UnixMilli(ms).UTC()
		}
	}
	if out.InsertedOn.IsZero() && enqueued != "" {
		if ts, err := time.Parse(time.RFC3339Nano, enqueued); err == nil {
			out.InsertedOn = ts
		}
	}
	out.Properties = props
	return out
}
