package jsonbase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()

	m.Increment(MetricCacheHits, "collection", "patients")
	m.Increment(MetricCacheHits)
	m.Gauge(MetricQueueDepth, 3)
	m.Histogram("custom.size", 128)
	m.Timing(MetricWriteDuration, 50*time.Millisecond)

	assert.Equal(t, 2, m.Counters[MetricCacheHits])
	assert.Equal(t, float64(3), m.Gauges[MetricQueueDepth])
	assert.Equal(t, []float64{128}, m.Histograms["custom.size"])
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, m.Timings[MetricWriteDuration])
}

func TestMetricsFlowThroughDB(t *testing.T) {
	m := NewInMemoryMetrics()
	backend := NewMemoryBackend()
	backend.Seed("patients.json", []byte("[]"))
	db := newTestDB(t, backend, WithMetrics(m))
	ctx := context.Background()

	_, err := db.Load(ctx, "patients", false)
	assert.NoError(t, err)
	_, err = db.Load(ctx, "patients", false)
	assert.NoError(t, err)

	assert.Equal(t, 1, m.Counters[MetricCacheMisses])
	assert.Equal(t, 1, m.Counters[MetricCacheHits])
	assert.Equal(t, 1, m.Counters[MetricLoadSuccess])

	_, err = db.Insert(ctx, "patients", Record{"name": "Ada"})
	assert.NoError(t, err)
	assert.Equal(t, 1, m.Counters[MetricWriteSuccess])
	assert.Equal(t, 1, m.Counters[MetricAuditEntries])
}
