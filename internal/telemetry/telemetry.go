// Package telemetry provides the observability hook injected into engine components.
package telemetry

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Event names emitted by the engine.
const (
	EventNodeInserted     = "store.node.inserted"
	EventNodeUpdated      = "store.node.updated"
	EventNodeDeleted      = "store.node.deleted"
	EventEdgeUpserted     = "store.edge.upserted"
	EventOutcomeRecorded  = "store.outcome.recorded"
	EventCacheRebuilt     = "store.cache.rebuilt"
	EventEmbedFailed      = "graph.embed.failed"
	EventSimilaritySearch = "graph.similarity_search"
	EventRetrieve         = "retriever.retrieve"
	EventLearn            = "learner.outcome"
	EventConsolidation    = "consolidator.cycle"
)

// Observer receives engine events. Implementations must be safe for concurrent use.
type Observer interface {
	OnEvent(name string, measurements map[string]float64, metadata map[string]string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnEvent(string, map[string]float64, map[string]string) {}

// Multi fans an event out to several observers.
type Multi []Observer

func (m Multi) OnEvent(name string, measurements map[string]float64, metadata map[string]string) {
	for _, o := range m {
		o.OnEvent(name, measurements, metadata)
	}
}

// LogObserver writes events to a zap logger at debug level.
type LogObserver struct {
	log *zap.Logger
}

// NewLogObserver returns an Observer logging through l.
func NewLogObserver(l *zap.Logger) *LogObserver {
	return &LogObserver{log: l}
}

func (o *LogObserver) OnEvent(name string, measurements map[string]float64, metadata map[string]string) {
	if ce := o.log.Check(zap.DebugLevel, name); ce != nil {
		fields := make([]zap.Field, 0, len(measurements)+len(metadata))
		for _, k := range sortedKeys(measurements) {
			fields = append(fields, zap.Float64(k, measurements[k]))
		}
		for _, k := range sortedKeys(metadata) {
			fields = append(fields, zap.String(k, metadata[k]))
		}
		ce.Write(fields...)
	}
}

// Prometheus counts events and records their duration_ms measurement.
type Prometheus struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	values   *prometheus.GaugeVec

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewPrometheus registers the engine's event metrics with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphmem_events_total",
			Help: "Engine events by name",
		}, []string{"event"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphmem_event_duration_seconds",
			Help:    "Duration of timed engine events",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		}, []string{"event"}),
		values: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphmem_event_last_value",
			Help: "Last reported measurement per event",
		}, []string{"event", "measurement"}),
		seen: make(map[string]struct{}),
	}
}

func (p *Prometheus) OnEvent(name string, measurements map[string]float64, _ map[string]string) {
	p.events.WithLabelValues(name).Inc()
	for k, v := range measurements {
		if k == "duration_ms" {
			p.duration.WithLabelValues(name).Observe(v / 1000)
			continue
		}
		p.values.WithLabelValues(name, k).Set(v)
	}
	p.mu.Lock()
	p.seen[name] = struct{}{}
	p.mu.Unlock()
}

// Seen returns the sorted names of events observed so far.
func (p *Prometheus) Seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.seen))
	for n := range p.seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
