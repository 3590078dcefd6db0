package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pdfsplit"

// Document outcomes
const (
	DocumentCompleted  = "completed"
	DocumentIncomplete = "incomplete"
	DocumentRejected   = "rejected"
	DocumentCached     = "cached"
)

// Collector holds the engine's metrics. A nil *Collector records nothing.
type Collector struct {
	inFlight     prometheus.Gauge
	backlog      prometheus.Gauge
	partCalls    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	documents    *prometheus.CounterVec
	parts        prometheus.Histogram
}

// New creates the collector and registers it with reg
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "in_flight_calls",
			Help:      "Number of extraction calls currently occupying a slot.",
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "backlog_parts",
			Help:      "Number of parts waiting for a free slot.",
		}),
		partCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "calls_total",
			Help:      "Count of extraction calls by outcome.",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "call_duration_seconds",
			Help:      "Extraction call latency distribution in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "documents_total",
			Help:      "Count of documents by terminal status.",
		}, []string{"status"}),
		parts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "splitter",
			Name:      "parts_per_document",
			Help:      "Number of parts a document was split into.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(c.inFlight, c.backlog, c.partCalls, c.callDuration, c.documents, c.parts)
	}
	return c
}

// AddInFlight adjusts the number of occupied slots. Several schedulers may share the gauge.
func (c *Collector) AddInFlight(delta int) {
	if c == nil {
		return
	}
	c.inFlight.Add(float64(delta))
}

// AddBacklog adjusts the number of parts waiting for a slot
func (c *Collector) AddBacklog(delta int) {
	if c == nil {
		return
	}
	c.backlog.Add(float64(delta))
}

// RecordCall records one extraction call. outcome is "success" or a failure category.
func (c *Collector) RecordCall(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.partCalls.WithLabelValues(outcome).Inc()
	c.callDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordDocument records a document's terminal status
func (c *Collector) RecordDocument(status string) {
	if c == nil {
		return
	}
	c.documents.WithLabelValues(status).Inc()
}

// RecordParts records how many parts a document produced
func (c *Collector) RecordParts(n int) {
	if c == nil {
		return
	}
	c.parts.Observe(float64(n))
}
