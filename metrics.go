package jsonbase

import "time"

// Metrics provides observability for jsonbase operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricLoadSuccess   = "jsonbase.load.success"
	MetricLoadError     = "jsonbase.load.error"
	MetricLoadDuration  = "jsonbase.load.duration"
	MetricCacheHits     = "jsonbase.cache.hits"
	MetricCacheMisses   = "jsonbase.cache.misses"
	MetricWriteSuccess  = "jsonbase.write.success"
	MetricWriteError    = "jsonbase.write.error"
	MetricWriteDuration = "jsonbase.write.duration"
	MetricWriteConflict = "jsonbase.write.conflict"
	MetricWriteRetries  = "jsonbase.write.retries"
	MetricQueueDepth    = "jsonbase.queue.depth"
	MetricQueueRejected = "jsonbase.queue.rejected"
	MetricNotifyFanout  = "jsonbase.notify.fanout"
	MetricNotifyPanics  = "jsonbase.notify.panics"
	MetricAuditEntries  = "jsonbase.audit.entries"
	MetricSchemaErrors  = "jsonbase.schema.errors"
)
