/*
Package runtime hosts busflow processors and publishers.

# Architecture Overview

busflow unifies three delivery models behind one processing contract:

  - eventstream: a partitioned log. Each partition is read in order and the
    engine checkpoints the last processed event after every batch.
  - broker: competing consumers on a topic subscription. Any Watermill
    subscriber registered with the transport registry can serve it.
  - queue: a polled queue. Messages are deleted after the processor ran,
    whether it succeeded or not.

Every engine filters on raw properties first, decodes the payload with the
configured JSON codec, builds an Envelope and calls the Processor. Failures
go to the processor's HandleError method when it has one and are logged
otherwise; they never stop an engine.

# Package Structure

## Core Service (service.go)

The Service owns the configuration, the client cache and the optional HTTP
servers for /metrics and /processors. Start starts every registered
processor and blocks until its context is cancelled.

## Registration (registration.go)

RegisterEventStreamProcessor, RegisterBrokerProcessor and
RegisterQueueProcessor resolve a named connection, bind the processor once
and return a ProcessorService. Clients are shared per connection and
resource.

## Lifecycle (lifecycle.go)

ProcessorService gives all engines the same Start, Stop and IsRunning.

## Publishing (publisher.go)

Publishers encode a payload, attach envelope fields and properties and hand
the message to the backend's Sender.

# Sub-packages

  - broker/, eventstream/, queue/: the three engines
  - clientcache/: lookup-or-create cache of transport clients
  - config/: Service configuration with validation
  - errors/: sentinel errors and error types
  - filter/: property predicates evaluated before decoding
  - handlers/: Processor contract, Envelope and Binding
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON encoding with naming policies
  - logging/: logger interface and adapters
  - metadata/: tagged delivery metadata
  - metrics/: Prometheus recorder
  - transport/: client factory over the public transport packages

# Usage Example

	svc, err := busflow.NewService(cfg, logger, busflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	_, err = busflow.RegisterBrokerProcessor(ctx, svc, busflow.BrokerRegistration[*OrderCreated]{
		Connection:   "bus",
		Resource:     "orders",
		Subscription: "billing",
		Processor:    busflow.ProcessorFunc[*OrderCreated](handleOrder),
		Filters:      []busflow.Predicate{busflow.PropertyEquals("region", "eu")},
	})
	if err != nil {
		return err
	}

	return svc.Start(ctx)
*/
package runtime
