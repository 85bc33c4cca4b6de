package jsonbase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeBusMulticast(t *testing.T) {
	bus := newChangeBus(&NoOpLogger{}, &NoOpMetrics{})

	var a, b [][]Record
	bus.subscribe("patients", func(records []Record) { a = append(a, records) })
	bus.subscribe("patients", func(records []Record) { b = append(b, records) })
	bus.subscribe("visits", func(records []Record) { t.Error("wrong collection delivered") })

	bus.notify("patients", []Record{{"name": "Ada"}})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "Ada", a[0][0]["name"])
}

func TestChangeBusUnsubscribe(t *testing.T) {
	bus := newChangeBus(&NoOpLogger{}, &NoOpMetrics{})

	calls := 0
	unsubscribe := bus.subscribe("patients", func([]Record) { calls++ })

	bus.notify("patients", nil)
	unsubscribe()
	bus.notify("patients", nil)
	// A second call is harmless
	unsubscribe()
	bus.notify("patients", nil)

	assert.Equal(t, 1, calls)
}

func TestChangeBusIsolatesPanics(t *testing.T) {
	metrics := NewInMemoryMetrics()
	bus := newChangeBus(&NoOpLogger{}, metrics)

	delivered := 0
	bus.subscribe("patients", func([]Record) { panic("listener bug") })
	bus.subscribe("patients", func([]Record) { delivered++ })

	require.NotPanics(t, func() {
		bus.notify("patients", []Record{{"name": "Ada"}})
	})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, metrics.Counters[MetricNotifyPanics])
}

func TestChangeBusCopiesRecords(t *testing.T) {
	bus := newChangeBus(&NoOpLogger{}, &NoOpMetrics{})

	var got []Record
	bus.subscribe("patients", func(records []Record) { got = records })

	original := []Record{{"name": "Ada"}}
	bus.notify("patients", original)

	got[0]["name"] = "mutated"
	assert.Equal(t, "Ada", original[0]["name"])
}
