// Package busflow puts partitioned logs, competing-consumer brokers and
// polling queues behind one publish and process contract.
//
// A Processor receives a typed Envelope: the decoded payload plus Metadata
// describing the delivery. Which backend produced the message is visible
// through Metadata.Backend and the matching detail accessor
// (EventStreamDetails, BrokerDetails or QueueDetails). Processors that also
// implement ErrorHandler get every failure of their own binding; other
// processors have failures logged as warnings. Failures never stop an
// engine.
//
// # Backends
//
//   - eventstream: Kafka consumer groups via IBM/sarama. Events of one
//     partition are processed in sequence order and the last one is
//     checkpointed after each batch, to memory, S3 or Redis.
//   - broker: any Watermill subscriber from the transport registry:
//     channel, rabbitmq, nats, nats-jetstream, aws (SNS/SQS) or kafka.
//   - queue: AWS SQS polled on an interval. Every received message is
//     deleted once the processor ran, whether it succeeded or not.
//
// # Filters
//
// Predicates run on the raw message properties before the payload is
// decoded. All predicates must accept a message for it to be processed;
// a rejected message still counts as handled.
//
// # Configuration
//
// Config names every connection once. Registrations and publishers refer
// to connections by name and share one client per connection and
// resource. Load reads the same structure from YAML.
//
// # Observability
//
// Set MetricsEnabled to expose /metrics and /processors. Job hooks run
// around every processor call; LoggingHooks, MetricsHooks and
// AlertingHooks cover the common cases.
package busflow
