package jsonbase

import "sync"

// ChangeFunc receives the collection's full record set after a refresh
type ChangeFunc func(records []Record)

type subscriber struct {
	id int64
	fn ChangeFunc
}

// changeBus multicasts "collection changed" events. Delivery is
// synchronous and per-subscriber panics are isolated, so one broken
// listener can neither stop delivery to the rest nor corrupt the store.
type changeBus struct {
	mu      sync.Mutex
	nextID  int64
	subs    map[string][]subscriber
	logger  Logger
	metrics Metrics
}

func newChangeBus(logger Logger, metrics Metrics) *changeBus {
	return &changeBus{
		subs:    make(map[string][]subscriber),
		logger:  logger,
		metrics: metrics,
	}
}

// subscribe registers fn for a collection and returns an unsubscribe token
func (b *changeBus) subscribe(collection string, fn ChangeFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[collection] = append(b.subs[collection], subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[collection]
		for i, s := range subs {
			if s.id == id {
				b.subs[collection] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// notify delivers the snapshot to every subscriber of the collection.
// Each subscriber gets its own copy of the records.
func (b *changeBus) notify(collection string, records []Record) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs[collection]))
	copy(subs, b.subs[collection])
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	b.metrics.Gauge(MetricNotifyFanout, float64(len(subs)), "collection", collection)

	for _, s := range subs {
		b.deliver(collection, s, cloneRecords(records))
	}
}

func (b *changeBus) deliver(collection string, s subscriber, records []Record) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.Increment(MetricNotifyPanics, "collection", collection)
			b.logger.Error("subscriber panicked during change delivery",
				"collection", collection,
				"panic", r,
			)
		}
	}()
	s.fn(records)
}
