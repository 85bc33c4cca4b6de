package jsonbase

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
// Every metric name the engine emits is pre-registered; names outside
// that set register lazily under the mutex, since callers and the queue
// workers emit concurrently.
type PrometheusMetrics struct {
	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, a fresh registry is created
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers all standard jsonbase metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	counter := func(name, subsystem, promName, help string, labels ...string) {
		if len(labels) == 0 {
			labels = []string{"collection"}
		}
		p.counters[name] = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jsonbase",
				Subsystem: subsystem,
				Name:      promName,
				Help:      help,
			},
			labels,
		)
	}

	counter(MetricLoadSuccess, "load", "success_total",
		"Total number of collection loads that succeeded")
	counter(MetricLoadError, "load", "errors_total",
		"Total number of collection loads that failed")
	counter(MetricCacheHits, "cache", "hits_total",
		"Total number of collection cache hits")
	counter(MetricCacheMisses, "cache", "misses_total",
		"Total number of collection cache misses")
	counter(MetricWriteSuccess, "write", "success_total",
		"Total number of serialized writes that reached the remote store")
	counter(MetricWriteError, "write", "errors_total",
		"Total number of serialized writes that failed permanently")
	counter(MetricWriteConflict, "write", "conflicts_total",
		"Total number of conditional PUTs rejected by the remote store")
	counter(MetricWriteRetries, "write", "retries_total",
		"Total number of conflict retries across all serialized writes")
	counter(MetricQueueRejected, "queue", "rejected_total",
		"Total number of writes rejected because a collection's queue was full")
	counter(MetricNotifyPanics, "notify", "subscriber_panics_total",
		"Total number of subscriber callbacks that panicked during delivery")
	counter(MetricAuditEntries, "audit", "entries_total",
		"Total number of audit entries recorded", "collection", "action")
	counter(MetricSchemaErrors, "schema", "validation_errors_total",
		"Total number of records rejected by schema validation")

	p.gauges[MetricQueueDepth] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jsonbase",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of writes waiting in a collection's queue",
		},
		[]string{"collection"},
	)

	p.gauges[MetricNotifyFanout] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jsonbase",
			Subsystem: "notify",
			Name:      "fanout",
			Help:      "Number of subscribers the last change event was delivered to",
		},
		[]string{"collection"},
	)

	p.histograms[MetricWriteDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jsonbase",
			Subsystem: "write",
			Name:      "duration_seconds",
			Help:      "End-to-end duration of a serialized write, retries included",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"collection"},
	)

	p.histograms[MetricLoadDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jsonbase",
			Subsystem: "load",
			Name:      "duration_seconds",
			Help:      "Collection load duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"collection"},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.RLock()
	counter, ok := p.counters[name]
	p.mu.RUnlock()

	if !ok {
		p.mu.Lock()
		counter, ok = p.counters[name]
		if !ok {
			counter = promauto.With(p.registry).NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "jsonbase",
					Name:      sanitizeMetricName(name),
					Help:      "Dynamic counter: " + name,
				},
				extractLabels(tags),
			)
			p.counters[name] = counter
		}
		p.mu.Unlock()
	}

	counter.With(extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.RLock()
	gauge, ok := p.gauges[name]
	p.mu.RUnlock()

	if !ok {
		p.mu.Lock()
		gauge, ok = p.gauges[name]
		if !ok {
			gauge = promauto.With(p.registry).NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "jsonbase",
					Name:      sanitizeMetricName(name),
					Help:      "Dynamic gauge: " + name,
				},
				extractLabels(tags),
			)
			p.gauges[name] = gauge
		}
		p.mu.Unlock()
	}

	gauge.With(extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.RLock()
	histogram, ok := p.histograms[name]
	p.mu.RUnlock()

	if !ok {
		p.mu.Lock()
		histogram, ok = p.histograms[name]
		if !ok {
			histogram = promauto.With(p.registry).NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "jsonbase",
					Name:      sanitizeMetricName(name),
					Help:      "Dynamic histogram: " + name,
					Buckets:   prometheus.DefBuckets,
				},
				extractLabels(tags),
			)
			p.histograms[name] = histogram
		}
		p.mu.Unlock()
	}

	histogram.With(extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// sanitizeMetricName converts dotted metric names into valid Prometheus names
func sanitizeMetricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
