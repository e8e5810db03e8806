package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/transport"
)

func testConfig(name string) transport.Config {
	return transport.Config{System: TransportName, Connection: transport.Connection{Name: name, ConnectionString: "memory://"}}
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsAck)
	assert.True(t, caps.SupportsNack)
	assert.Zero(t, caps.MaxMessageSize)
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuild_SharesBusPerConnection(t *testing.T) {
	ctx := context.Background()
	producer, err := Build(ctx, testConfig("shared"), watermill.NopLogger{})
	require.NoError(t, err)
	consumer, err := Build(ctx, testConfig("shared"), watermill.NopLogger{})
	require.NoError(t, err)

	messages, err := consumer.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, producer.Publisher.Publish("orders", message.NewMessage("m-1", []byte("hello"))))

	select {
	case msg := <-messages:
		assert.Equal(t, "m-1", msg.UUID)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("message not delivered across transports")
	}

	require.NoError(t, producer.Close())
	busesMu.Lock()
	_, open := buses["shared"]
	busesMu.Unlock()
	assert.True(t, open, "bus stays open while a transport uses it")

	require.NoError(t, consumer.Close())
	busesMu.Lock()
	_, open = buses["shared"]
	busesMu.Unlock()
	assert.False(t, open)
}

func TestBuild_SeparateConnectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, testConfig("a"), watermill.NopLogger{})
	require.NoError(t, err)
	defer a.Close()
	b, err := Build(ctx, testConfig("b"), watermill.NopLogger{})
	require.NoError(t, err)
	defer b.Close()

	messages, err := b.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, a.Publisher.Publish("orders", message.NewMessage("m-1", nil)))

	select {
	case <-messages:
		t.Fatal("message leaked across connections")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBuild_UsesFactory(t *testing.T) {
	originalFactory := Factory
	defer func() { Factory = originalFactory }()

	mockPub := &mockPublisher{}
	mockSub := &mockSubscriber{}
	var got gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		got = cfg
		return mockPub, mockSub
	}

	tr, err := Build(context.Background(), testConfig("custom"), watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, Config, got)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, mockPub.closed)
	assert.Equal(t, 1, mockSub.closed)
}

type mockPublisher struct{ closed int }

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { m.closed++; return nil }

type mockSubscriber struct{ closed int }

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { m.closed++; return nil }
