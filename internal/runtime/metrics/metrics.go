package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels recorded for every dispatched message.
const (
	OutcomeProcessed = "processed"
	OutcomeFiltered  = "filtered"
	OutcomeFailed    = "failed"
)

// Recorder tracks processing statistics both as Prometheus collectors and as
// in-memory counters that can be inspected without a scrape.
type Recorder struct {
	mu sync.RWMutex

	resources map[string]*ResourceMetrics

	messagesTotal      *prometheus.CounterVec
	handlerDuration    *prometheus.HistogramVec
	checkpointSequence *prometheus.GaugeVec
	transportErrors    *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// ResourceMetrics holds counters for one backend resource.
type ResourceMetrics struct {
	Backend         string    `json:"backend"`
	Resource        string    `json:"resource"`
	Processed       uint64    `json:"processed"`
	Filtered        uint64    `json:"filtered"`
	Failed          uint64    `json:"failed"`
	TransportErrors uint64    `json:"transport_errors"`
	LastCheckpoint  int64     `json:"last_checkpoint"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// Snapshot is a point-in-time view of every resource.
type Snapshot struct {
	Resources   map[string]ResourceMetrics `json:"resources"`
	CollectedAt time.Time                  `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "busflow",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "busflow",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewRecorder creates a recorder. A nil registerer selects the Prometheus
// default registerer.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Recorder{
		resources:          make(map[string]*ResourceMetrics),
		registerer:         registerer,
		messagesTotal:      newCounterVec("messages_total", "Messages dispatched to processors by outcome", []string{"backend", "resource", "processor", "outcome"}),
		handlerDuration:    newHistogramVec("handler_duration_seconds", "Time spent in processor calls", prometheus.DefBuckets, []string{"backend", "resource", "processor"}),
		checkpointSequence: newGaugeVec("checkpoint_sequence", "Last checkpointed sequence number per partition", []string{"resource", "consumer_group", "partition"}),
		transportErrors:    newCounterVec("transport_errors_total", "Errors surfaced by transport clients and checkpoint stores", []string{"backend", "resource"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (r *Recorder) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		r.messagesTotal,
		r.handlerDuration,
		r.checkpointSequence,
		r.transportErrors,
	}
	for _, c := range collectors {
		if err := r.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	r.registered = true
	return nil
}

// ObserveOutcome records one dispatched message.
func (r *Recorder) ObserveOutcome(backend, resource, processor, outcome string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.resource(backend, resource)
	switch outcome {
	case OutcomeProcessed:
		m.Processed++
	case OutcomeFiltered:
		m.Filtered++
	case OutcomeFailed:
		m.Failed++
	}
	m.LastUpdatedAt = time.Now()

	r.messagesTotal.WithLabelValues(backend, resource, processor, outcome).Inc()
	if outcome != OutcomeFiltered {
		r.handlerDuration.WithLabelValues(backend, resource, processor).Observe(duration.Seconds())
	}
}

// ObserveTransportError records a fault reported by a transport or store.
func (r *Recorder) ObserveTransportError(backend, resource string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.resource(backend, resource)
	m.TransportErrors++
	m.LastUpdatedAt = time.Now()

	r.transportErrors.WithLabelValues(backend, resource).Inc()
}

// ObserveCheckpoint records a successful checkpoint write.
func (r *Recorder) ObserveCheckpoint(resource, consumerGroup, partition string, sequence int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.resource("eventstream", resource)
	m.LastCheckpoint = sequence
	m.LastUpdatedAt = time.Now()

	r.checkpointSequence.WithLabelValues(resource, consumerGroup, partition).Set(float64(sequence))
}

// Resource returns a copy of the counters for one resource, or nil.
func (r *Recorder) Resource(backend, resource string) *ResourceMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.resources[key(backend, resource)]; ok {
		cp := *m
		return &cp
	}
	return nil
}

// Snapshot copies every resource's counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Resources:   make(map[string]ResourceMetrics, len(r.resources)),
		CollectedAt: time.Now(),
	}
	for k, m := range r.resources {
		snap.Resources[k] = *m
	}
	return snap
}

// Reset clears all metrics (useful for testing).
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resources = make(map[string]*ResourceMetrics)
	r.messagesTotal.Reset()
	r.handlerDuration.Reset()
	r.checkpointSequence.Reset()
	r.transportErrors.Reset()
}

// Handler serves the registry in the Prometheus exposition format. Registries
// that cannot be gathered fall back to the default gatherer.
func (r *Recorder) Handler() http.Handler {
	if g, ok := r.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (r *Recorder) resource(backend, resource string) *ResourceMetrics {
	k := key(backend, resource)
	if m, ok := r.resources[k]; ok {
		return m
	}
	m := &ResourceMetrics{Backend: backend, Resource: resource}
	r.resources[k] = m
	return m
}

func key(backend, resource string) string {
	return backend + "/" + resource
}

// PartitionLabel renders a numeric partition id as a label value.
func PartitionLabel(partition int32) string {
	return strconv.FormatInt(int64(partition), 10)
}
