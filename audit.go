package jsonbase

import (
	"context"
	"sync"
	"time"
)

// Audit actions
const (
	AuditInsert = "insert"
	AuditUpdate = "update"
	AuditDelete = "delete"
)

// AuditEntry records one mutating action against a collection
type AuditEntry struct {
	Collection string    `json:"collection"`
	Action     string    `json:"action"`
	Record     Record    `json:"record"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditSink receives every audit entry for durable storage.
// The in-memory ring is debugging-grade only; attach a sink when the
// domain needs an audit trail that survives the process.
type AuditSink interface {
	Write(ctx context.Context, entry AuditEntry) error
}

// auditLog keeps the last capacity entries per collection in a ring.
// Append-only, in-memory, not durable.
type auditLog struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][]AuditEntry
	sink     AuditSink
	logger   Logger
	metrics  Metrics
}

func newAuditLog(capacity int, logger Logger, metrics Metrics) *auditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &auditLog{
		capacity: capacity,
		entries:  make(map[string][]AuditEntry),
		logger:   logger,
		metrics:  metrics,
	}
}

// record appends an entry, evicting the oldest past capacity, and fans
// out to the durable sink if one is attached. Sink failures are logged
// and do not fail the mutating call.
func (a *auditLog) record(ctx context.Context, collection, action string, rec Record) {
	entry := AuditEntry{
		Collection: collection,
		Action:     action,
		Record:     rec.Clone(),
		Timestamp:  time.Now().UTC(),
	}

	a.mu.Lock()
	ring := append(a.entries[collection], entry)
	if len(ring) > a.capacity {
		ring = ring[len(ring)-a.capacity:]
	}
	a.entries[collection] = ring
	sink := a.sink
	a.mu.Unlock()

	a.metrics.Increment(MetricAuditEntries, "collection", collection, "action", action)

	if sink != nil {
		if err := sink.Write(ctx, entry); err != nil {
			a.logger.Error("audit sink write failed",
				"collection", collection,
				"action", action,
				"error", err,
			)
		}
	}
}

// trail returns a copy of the retained entries for a collection,
// oldest first
func (a *auditLog) trail(collection string) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	ring := a.entries[collection]
	out := make([]AuditEntry, len(ring))
	copy(out, ring)
	return out
}

func (a *auditLog) setSink(sink AuditSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}
