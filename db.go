package jsonbase

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// DB turns a versioned Backend into a multi-collection JSON document
// database: cached reads, serialized optimistic-concurrency writes,
// schema validation, change notification, and an audit trail.
//
// Construct one DB per backend and pass it by reference; it owns all
// cache and queue state.
type DB struct {
	backend   Backend
	keys      KeyBuilder
	cache     *snapshotCache
	schemas   *SchemaRegistry
	bus       *changeBus
	audit     *auditLog
	queue     *writeQueue
	logger    Logger
	metrics   Metrics
	publisher ChangePublisher

	queueCfg QueueConfig
	auditCap int
	sink     AuditSink

	// colMu serializes mutating calls per collection so local merges
	// and their enqueued snapshots stay cumulative
	colMu *StripedLocks

	idMu    sync.Mutex
	lastIDs map[string]int64
}

// Option configures a DB at construction
type Option func(*DB)

// WithBasePath stores collections under the given key prefix
func WithBasePath(basePath string) Option {
	return func(db *DB) { db.keys.BasePath = basePath }
}

// WithSchemas registers the full schema table
func WithSchemas(schemas map[string]Schema) Option {
	return func(db *DB) { db.schemas = NewSchemaRegistry(schemas) }
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(db *DB) { db.logger = logger }
}

// WithMetrics sets a custom metrics collector
func WithMetrics(metrics Metrics) Option {
	return func(db *DB) { db.metrics = metrics }
}

// WithQueueConfig tunes the write queue
func WithQueueConfig(cfg QueueConfig) Option {
	return func(db *DB) { db.queueCfg = cfg }
}

// WithAuditCapacity sets how many entries the in-memory audit ring keeps
// per collection
func WithAuditCapacity(capacity int) Option {
	return func(db *DB) { db.auditCap = capacity }
}

// WithAuditSink attaches durable storage for audit entries
func WithAuditSink(sink AuditSink) Option {
	return func(db *DB) { db.sink = sink }
}

// WithChangePublisher propagates change events to other processes
func WithChangePublisher(p ChangePublisher) Option {
	return func(db *DB) { db.publisher = p }
}

// NewDB creates a database on top of a versioned backend
func NewDB(backend Backend, opts ...Option) (*DB, error) {
	db := &DB{
		backend:  backend,
		cache:    newSnapshotCache(),
		schemas:  NewSchemaRegistry(nil),
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
		queueCfg: DefaultQueueConfig(),
		auditCap: DefaultAuditCapacity,
		colMu:    NewStripedLocks(32),
		lastIDs:  make(map[string]int64),
	}

	for _, opt := range opts {
		opt(db)
	}

	if err := db.queueCfg.Validate(); err != nil {
		return nil, err
	}

	db.bus = newChangeBus(db.logger, db.metrics)
	db.audit = newAuditLog(db.auditCap, db.logger, db.metrics)
	if db.sink != nil {
		db.audit.setSink(db.sink)
	}
	db.queue = newWriteQueue(db, db.queueCfg)

	return db, nil
}

// Load returns a collection's records. Non-forced loads are served from
// the cache when a snapshot exists; forced loads (and cache misses) do a
// conditional GET, refresh the cache, and notify subscribers. A missing
// collection is auto-initialized empty.
func (db *DB) Load(ctx context.Context, collection string, force bool) ([]Record, error) {
	start := time.Now()

	if !force {
		if records, ok := db.cache.get(collection); ok {
			db.metrics.Increment(MetricCacheHits, "collection", collection)
			return records, nil
		}
		db.metrics.Increment(MetricCacheMisses, "collection", collection)
	}

	records, refreshed, err := db.fetchAndCache(ctx, collection)
	db.metrics.Timing(MetricLoadDuration, time.Since(start), "collection", collection)
	if err != nil {
		db.metrics.Increment(MetricLoadError, "collection", collection)
		return nil, err
	}
	db.metrics.Increment(MetricLoadSuccess, "collection", collection)

	if refreshed {
		db.bus.notify(collection, records)
	}
	return records, nil
}

// Insert validates and stores a new record, returning it with the
// generated keys. The id is the collection's next decimal id; the uid is
// a fresh UUIDv7. Validation runs before any network call.
func (db *DB) Insert(ctx context.Context, collection string, partial Record) (Record, error) {
	if partial == nil {
		partial = Record{}
	}
	record := db.schemas.ApplyDefaults(collection, partial)
	if err := db.schemas.Validate(collection, record); err != nil {
		db.metrics.Increment(MetricSchemaErrors, "collection", collection)
		return nil, err
	}

	unlock := db.colMu.Lock(collection)
	records, err := db.loadLocked(ctx, collection)
	if err != nil {
		unlock()
		return nil, err
	}

	record[FieldID] = db.nextID(collection, records)
	record[FieldUID] = NewUID()

	snapshot, ok := db.cache.mutate(collection, func(rs []Record) []Record {
		return append(rs, record.Clone())
	})
	if !ok {
		snapshot = append(cloneRecords(records), record.Clone())
	}

	future, err := db.enqueueLocked(ctx, collection, snapshot)
	unlock()
	if err != nil {
		db.discardFailedWrite(collection)
		return nil, err
	}

	if res := <-future; res.err != nil {
		db.discardFailedWrite(collection)
		return nil, res.err
	}

	db.audit.record(ctx, collection, AuditInsert, record)
	return record.Clone(), nil
}

// Find returns the records whose fields exactly match every supplied
// filter. It is a linear scan over the cached snapshot; collections are
// expected to stay small.
func (db *DB) Find(ctx context.Context, collection string, filters map[string]interface{}) ([]Record, error) {
	records, err := db.Load(ctx, collection, false)
	if err != nil {
		return nil, err
	}

	if len(filters) == 0 {
		return records, nil
	}

	matched := make([]Record, 0, len(records))
	for _, r := range records {
		if r.matchesFilters(filters) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// FindByID returns the record whose id or uid equals key, or nil when no
// record matches. The dual key space supports legacy numeric references
// and global identifiers alike.
func (db *DB) FindByID(ctx context.Context, collection string, key string) (Record, error) {
	records, err := db.Load(ctx, collection, false)
	if err != nil {
		return nil, err
	}

	for _, r := range records {
		if r.Matches(key) {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

// Update merges partial into the record matching key (id or uid), stamps
// updated_at, validates, and writes. It forces a fresh read first, so the
// merge applies to the store's latest observed state. A missing record is
// a fatal ErrNotFound.
func (db *DB) Update(ctx context.Context, collection string, key string, partial Record) (Record, error) {
	unlock := db.colMu.Lock(collection)
	records, _, err := db.fetchAndCache(ctx, collection)
	if err != nil {
		unlock()
		return nil, err
	}

	idx := -1
	for i, r := range records {
		if r.Matches(key) {
			idx = i
			break
		}
	}
	if idx < 0 {
		unlock()
		return nil, WithContext(ErrNotFound, map[string]interface{}{
			"collection": collection,
			"key":        key,
		})
	}

	updated := records[idx].Clone()
	updated.merge(partial)
	// Generated keys are immutable
	updated[FieldID] = records[idx].ID()
	updated[FieldUID] = records[idx].UID()
	updated[FieldUpdatedAt] = time.Now().UTC().Format(time.RFC3339)

	if err := db.schemas.Validate(collection, updated); err != nil {
		unlock()
		db.metrics.Increment(MetricSchemaErrors, "collection", collection)
		return nil, err
	}

	uid := updated.UID()
	id := updated.ID()
	snapshot, ok := db.cache.mutate(collection, func(rs []Record) []Record {
		for i, r := range rs {
			if (uid != "" && r.UID() == uid) || (uid == "" && r.ID() == id) {
				rs[i] = updated.Clone()
			}
		}
		return rs
	})
	if !ok {
		snapshot = cloneRecords(records)
		snapshot[idx] = updated.Clone()
	}

	future, err := db.enqueueLocked(ctx, collection, snapshot)
	unlock()
	if err != nil {
		db.discardFailedWrite(collection)
		return nil, err
	}

	if res := <-future; res.err != nil {
		db.discardFailedWrite(collection)
		return nil, res.err
	}

	db.audit.record(ctx, collection, AuditUpdate, updated)
	return updated.Clone(), nil
}

// Delete removes the record matching key (id or uid) and writes the
// shrunk snapshot. Like Update it forces a fresh read first; a missing
// record is a fatal ErrNotFound.
func (db *DB) Delete(ctx context.Context, collection string, key string) error {
	unlock := db.colMu.Lock(collection)
	records, _, err := db.fetchAndCache(ctx, collection)
	if err != nil {
		unlock()
		return err
	}

	var removed []Record
	kept := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Matches(key) {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	if len(removed) == 0 {
		unlock()
		return WithContext(ErrNotFound, map[string]interface{}{
			"collection": collection,
			"key":        key,
		})
	}

	snapshot, ok := db.cache.mutate(collection, func(rs []Record) []Record {
		out := rs[:0]
		for _, r := range rs {
			if !r.Matches(key) {
				out = append(out, r)
			}
		}
		return out
	})
	if !ok {
		snapshot = cloneRecords(kept)
	}

	future, err := db.enqueueLocked(ctx, collection, snapshot)
	unlock()
	if err != nil {
		db.discardFailedWrite(collection)
		return err
	}

	if res := <-future; res.err != nil {
		db.discardFailedWrite(collection)
		return res.err
	}

	for _, r := range removed {
		db.audit.record(ctx, collection, AuditDelete, r)
	}
	return nil
}

// Subscribe registers fn for a collection's change events and returns an
// unsubscribe function. Delivery is synchronous; a panicking subscriber
// is isolated and logged.
func (db *DB) Subscribe(collection string, fn ChangeFunc) func() {
	return db.bus.subscribe(collection, fn)
}

// AuditTrail returns the retained audit entries for a collection,
// oldest first
func (db *DB) AuditTrail(collection string) []AuditEntry {
	return db.audit.trail(collection)
}

// Ping checks backend health
func (db *DB) Ping(ctx context.Context) error {
	return db.backend.Ping(ctx)
}

// Close drains the write queue and releases the backend
func (db *DB) Close() error {
	db.queue.close()
	return db.backend.Close()
}

// loadLocked returns the current snapshot without forcing a refresh.
// Caller holds the collection's mutation lock.
func (db *DB) loadLocked(ctx context.Context, collection string) ([]Record, error) {
	if records, ok := db.cache.get(collection); ok {
		return records, nil
	}
	records, _, err := db.fetchAndCache(ctx, collection)
	return records, err
}

// enqueueLocked captures the cached version tag and submits the snapshot.
// Caller holds the collection's mutation lock.
func (db *DB) enqueueLocked(ctx context.Context, collection string, snapshot []Record) (<-chan writeResult, error) {
	_, sha, _ := db.cache.version(collection)
	return db.queue.enqueue(ctx, collection, db.keys.Key(collection), snapshot, sha)
}

// fetchAndCache does a conditional GET and refreshes the cache. The bool
// result reports whether the snapshot actually changed (a not-modified
// answer and a cache hit both return false). A missing path triggers
// idempotent auto-initialization.
func (db *DB) fetchAndCache(ctx context.Context, collection string) ([]Record, bool, error) {
	key := db.keys.Key(collection)
	etag, _, _ := db.cache.version(collection)

	obj, err := db.backend.Get(ctx, key, etag)
	switch {
	case err == nil:
		records, derr := decodeRecords(obj.Content)
		if derr != nil {
			return nil, false, WithContext(ErrInvalidData, map[string]interface{}{
				"collection": collection,
				"cause":      derr.Error(),
			})
		}
		db.cache.set(collection, records, obj.ETag, obj.SHA)
		db.observeIDs(collection, records)
		return records, true, nil
	case IsNotModified(err):
		records, _ := db.cache.get(collection)
		return records, false, nil
	case IsNotFound(err):
		records, ierr := db.initCollection(ctx, collection, key)
		return records, ierr == nil, ierr
	default:
		return nil, false, err
	}
}

// initCollection creates an empty collection document. Losing the create
// race to a concurrent initializer is not an error: the winner's content
// is fetched and adopted.
func (db *DB) initCollection(ctx context.Context, collection, key string) ([]Record, error) {
	res, err := db.backend.Put(ctx, key, []byte("[]"), "")
	if err == nil {
		db.logger.Info("auto-initialized empty collection", "collection", collection)
		db.cache.set(collection, []Record{}, res.ETag, res.SHA)
		return []Record{}, nil
	}
	if !IsConflict(err) {
		return nil, err
	}

	obj, gerr := db.backend.Get(ctx, key, "")
	if gerr != nil {
		return nil, gerr
	}
	records, derr := decodeRecords(obj.Content)
	if derr != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"collection": collection,
			"cause":      derr.Error(),
		})
	}
	db.cache.set(collection, records, obj.ETag, obj.SHA)
	db.observeIDs(collection, records)
	return records, nil
}

// nextID issues the next decimal id for a collection. The high-water mark
// covers ids issued for writes that have not landed yet, so a briefly
// stale cache can never mint a duplicate.
func (db *DB) nextID(collection string, records []Record) string {
	db.idMu.Lock()
	defer db.idMu.Unlock()

	n := maxNumericID(records)
	if last := db.lastIDs[collection]; last > n {
		n = last
	}
	n++
	db.lastIDs[collection] = n
	return strconv.FormatInt(n, 10)
}

// observeIDs advances the id high-water mark from a fetched snapshot
func (db *DB) observeIDs(collection string, records []Record) {
	db.idMu.Lock()
	defer db.idMu.Unlock()
	if n := maxNumericID(records); n > db.lastIDs[collection] {
		db.lastIDs[collection] = n
	}
}

// discardFailedWrite drops a collection's cache entry after a write the
// store rejected, so reads stop serving the failed local merge. The
// entry's etag still matches the remote document, which would turn every
// refetch into "not modified"; dropping forces a full reload instead.
// When later writes are queued their settle refreshes the cache anyway,
// so the drop is skipped.
func (db *DB) discardFailedWrite(collection string) {
	unlock := db.colMu.Lock(collection)
	defer unlock()
	if db.queue.depth(collection) == 0 {
		db.cache.drop(collection)
	}
}

// publishChange forwards a change event to the cross-process publisher,
// if one is attached
func (db *DB) publishChange(ctx context.Context, collection string) {
	if db.publisher == nil {
		return
	}
	if err := db.publisher.Publish(ctx, collection); err != nil {
		db.logger.Warn("change publish failed",
			"collection", collection,
			"error", err,
		)
	}
}

// decodeRecords parses a collection document. An empty document decodes
// to an empty collection.
func decodeRecords(content []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return []Record{}, nil
	}

	var records []Record
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
