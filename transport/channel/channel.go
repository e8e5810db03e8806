// Package channel provides an in-memory Go channel broker for busflow.
// Every transport built for the same connection shares one bus, so
// publishers and processors meet without external infrastructure.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

// Config is applied when a connection's bus is first created.
var Config = gochannel.Config{OutputChannelBuffer: 64}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

type bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	refs       int
}

var (
	busesMu sync.Mutex
	buses   = map[string]*bus{}
)

// Build returns a transport on the bus of cfg.Connection. The bus is closed
// once every transport built on it has been closed.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	key := cfg.Connection.Identity()

	busesMu.Lock()
	defer busesMu.Unlock()

	b, ok := buses[key]
	if !ok {
		pub, sub := Factory(Config, logger)
		b = &bus{publisher: pub, subscriber: sub}
		buses[key] = b
	}
	b.refs++

	release := &releaser{key: key, bus: b}
	return transport.Transport{
		Publisher:  &sharedPublisher{Publisher: b.publisher, release: release},
		Subscriber: &sharedSubscriber{Subscriber: b.subscriber, release: release},
	}, nil
}

// releaser drops one reference when both halves of a transport are closed.
type releaser struct {
	key    string
	bus    *bus
	mu     sync.Mutex
	halves int
}

func (r *releaser) close() error {
	r.mu.Lock()
	r.halves++
	last := r.halves == 2
	r.mu.Unlock()
	if !last {
		return nil
	}

	busesMu.Lock()
	r.bus.refs--
	shutdown := r.bus.refs == 0
	if shutdown && buses[r.key] == r.bus {
		delete(buses, r.key)
	}
	busesMu.Unlock()

	if !shutdown {
		return nil
	}
	if err := r.bus.publisher.Close(); err != nil {
		return err
	}
	return r.bus.subscriber.Close()
}

type sharedPublisher struct {
	message.Publisher
	release *releaser
	once    sync.Once
}

func (p *sharedPublisher) Close() error {
	var err error
	p.once.Do(func() { err = p.release.close() })
	return err
}

type sharedSubscriber struct {
	message.Subscriber
	release *releaser
	once    sync.Once
}

func (s *sharedSubscriber) Close() error {
	var err error
	s.once.Do(func() { err = s.release.close() })
	return err
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
