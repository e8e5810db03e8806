package metadata

import (
	"fmt"
	"time"
)

// Backend tags which delivery model produced a message.
type Backend string

const (
	BackendEventStream Backend = "eventstream"
	BackendBroker      Backend = "broker"
	BackendQueue       Backend = "queue"
)

func (b Backend) String() string { return string(b) }

// Properties is the raw application property map carried by a message. Filters
// run against it before the payload is decoded.
type Properties map[string]any

func (p Properties) cloneWithExtra(extra int) Properties {
	size := len(p) + extra
	if size <= 0 {
		return Properties{}
	}

	cloned := make(Properties, size)
	for k, v := range p {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the property map.
func (p Properties) Clone() Properties {
	return p.cloneWithExtra(0)
}

// With returns a cloned map containing the provided key/value pair.
func (p Properties) With(key string, value any) Properties {
	cloned := p.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned map containing the supplied entries.
func (p Properties) WithAll(entries Properties) Properties {
	cloned := p.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the raw value stored under key.
func (p Properties) Get(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// String renders the value stored under key, or "" when absent.
func (p Properties) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// NewProperties constructs a property map from alternating key/value pairs.
// Non-string keys are skipped.
func NewProperties(pairs ...any) Properties {
	props := make(Properties, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		props[key] = pairs[i+1]
	}
	return props
}

// EventStreamDetails carries partitioned log delivery fields.
type EventStreamDetails struct {
	PartitionID    string
	SequenceNumber int64
	Offset         string
}

// BrokerDetails carries competing consumer delivery fields. LockToken is only
// valid while the processor call that received it is running.
type BrokerDetails struct {
	DeliveryCount              int
	LockToken                  string
	LockedUntil                time.Time
	DeadLetterSource           string
	DeadLetterReason           string
	DeadLetterErrorDescription string
	ScheduledEnqueueTime       time.Time
	SessionID                  string
}

// QueueDetails carries polling queue delivery fields. PopReceipt can be used
// once to delete or update the message.
type QueueDetails struct {
	DequeueCount  int
	PopReceipt    string
	InsertedOn    time.Time
	ExpiresOn     time.Time
	NextVisibleOn time.Time
}

// Metadata describes a delivered message. Backend selects which of the detail
// pointers is populated; the others are nil.
type Metadata struct {
	Backend       Backend
	ContentType   string
	CorrelationID string
	MessageID     string
	PartitionKey  string
	EnqueuedTime  time.Time
	Properties    Properties

	EventStream *EventStreamDetails
	Broker      *BrokerDetails
	Queue       *QueueDetails
}

// WithEventStream tags md as an event stream delivery.
func (md Metadata) WithEventStream(d EventStreamDetails) Metadata {
	md.Backend = BackendEventStream
	md.EventStream, md.Broker, md.Queue = &d, nil, nil
	return md
}

// WithBroker tags md as a broker delivery.
func (md Metadata) WithBroker(d BrokerDetails) Metadata {
	md.Backend = BackendBroker
	md.EventStream, md.Broker, md.Queue = nil, &d, nil
	return md
}

// WithQueue tags md as a queue delivery.
func (md Metadata) WithQueue(d QueueDetails) Metadata {
	md.Backend = BackendQueue
	md.EventStream, md.Broker, md.Queue = nil, nil, &d
	return md
}

func (md Metadata) EventStreamDetails() (EventStreamDetails, bool) {
	if md.Backend != BackendEventStream || md.EventStream == nil {
		return EventStreamDetails{}, false
	}
	return *md.EventStream, true
}

func (md Metadata) BrokerDetails() (BrokerDetails, bool) {
	if md.Backend != BackendBroker || md.Broker == nil {
		return BrokerDetails{}, false
	}
	return *md.Broker, true
}

func (md Metadata) QueueDetails() (QueueDetails, bool) {
	if md.Backend != BackendQueue || md.Queue == nil {
		return QueueDetails{}, false
	}
	return *md.Queue, true
}

// Clone returns a copy whose property map and detail records are not shared.
func (md Metadata) Clone() Metadata {
	out := md
	out.Properties = md.Properties.Clone()
	if md.EventStream != nil {
		d := *md.EventStream
		out.EventStream = &d
	}
	if md.Broker != nil {
		d := *md.Broker
		out.Broker = &d
	}
	if md.Queue != nil {
		d := *md.Queue
		out.Queue = &d
	}
	return out
}
