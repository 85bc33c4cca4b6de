package jsonbase

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// writeResult resolves an enqueued write: the post-write record set on
// success, the terminal error otherwise
type writeResult struct {
	records []Record
	err     error
}

// writeRequest is one queued full-snapshot write
type writeRequest struct {
	ctx        context.Context
	collection string
	key        string
	snapshot   []Record
	// sha is the version tag captured from the cache at enqueue time.
	// The worker prefers its own last-known tag once it has one.
	sha      string
	deadline time.Time
	done     chan writeResult
}

// writeQueue serializes writes: one dedicated worker goroutine per
// collection drains a FIFO channel, so at most one PUT per path is in
// flight at any instant. Conflicts are retried with exponential backoff
// up to the configured budget; one item's failure resolves that item's
// future and the loop moves on.
type writeQueue struct {
	db  *DB
	cfg QueueConfig

	mu      sync.RWMutex
	workers map[string]chan *writeRequest
	wg      sync.WaitGroup
	closed  bool
}

func newWriteQueue(db *DB, cfg QueueConfig) *writeQueue {
	return &writeQueue{
		db:      db,
		cfg:     cfg,
		workers: make(map[string]chan *writeRequest),
	}
}

// enqueue submits a snapshot write and returns its future. The send never
// blocks: a full queue rejects immediately rather than stalling a caller
// that holds the collection's mutation lock. It happens under q.mu so a
// racing close can never close the channel mid-send.
func (q *writeQueue) enqueue(ctx context.Context, collection, key string, snapshot []Record, sha string) (<-chan writeResult, error) {
	if snapshot == nil {
		snapshot = []Record{}
	}

	req := &writeRequest{
		ctx:        ctx,
		collection: collection,
		key:        key,
		snapshot:   snapshot,
		sha:        sha,
		done:       make(chan writeResult, 1),
	}
	if q.cfg.WriteDeadline > 0 {
		req.deadline = time.Now().Add(q.cfg.WriteDeadline)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	ch, ok := q.workers[collection]
	if !ok {
		ch = make(chan *writeRequest, q.cfg.Depth)
		q.workers[collection] = ch
		q.wg.Add(1)
		go q.drain(collection, ch)
	}

	var depth int
	select {
	case ch <- req:
		depth = len(ch)
	default:
		q.mu.Unlock()
		q.db.metrics.Increment(MetricQueueRejected, "collection", collection)
		return nil, WithContext(ErrQueueFull, map[string]interface{}{
			"collection": collection,
			"depth":      q.cfg.Depth,
		})
	}
	q.mu.Unlock()

	q.db.metrics.Gauge(MetricQueueDepth, float64(depth), "collection", collection)
	return req.done, nil
}

// depth reports how many writes are waiting for a collection's worker
func (q *writeQueue) depth(collection string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if ch, ok := q.workers[collection]; ok {
		return len(ch)
	}
	return 0
}

// drain is the per-collection worker loop. lastSHA chains successful
// writes so back-to-back queued snapshots don't conflict with each other.
func (q *writeQueue) drain(collection string, ch chan *writeRequest) {
	defer q.wg.Done()

	lastSHA := ""
	haveSHA := false

	for req := range ch {
		res, newSHA, ok := q.process(req, lastSHA, haveSHA)
		if ok {
			lastSHA, haveSHA = newSHA, true
			res.records = q.settle(req, ch)
		}
		req.done <- res
		q.db.metrics.Gauge(MetricQueueDepth, float64(len(ch)), "collection", collection)
	}
}

// process runs the conditional-PUT retry loop for one request.
// Returns the result, the store's new version tag, and whether the write
// landed.
func (q *writeQueue) process(req *writeRequest, lastSHA string, haveSHA bool) (writeResult, string, bool) {
	start := time.Now()
	db := q.db

	content, err := json.MarshalIndent(req.snapshot, "", "  ")
	if err != nil {
		return writeResult{err: WithContext(ErrInvalidData, map[string]interface{}{
			"collection": req.collection,
			"cause":      err.Error(),
		})}, "", false
	}

	sha := req.sha
	if haveSHA {
		sha = lastSHA
	}
	needFetch := !haveSHA && sha == ""

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if expired(req.deadline) {
			db.metrics.Increment(MetricWriteError, "collection", req.collection)
			return writeResult{err: WithContext(ErrWriteDeadline, map[string]interface{}{
				"collection": req.collection,
				"attempts":   attempt - 1,
			})}, "", false
		}

		if needFetch {
			obj, err := db.backend.Get(req.ctx, req.key, "")
			switch {
			case err == nil:
				sha = obj.SHA
			case IsNotFound(err):
				// Path vanished; recreate it
				sha = ""
			default:
				db.metrics.Increment(MetricWriteError, "collection", req.collection)
				return writeResult{err: err}, "", false
			}
			needFetch = false
		}

		res, err := db.backend.Put(req.ctx, req.key, content, sha)
		if err == nil {
			db.metrics.Increment(MetricWriteSuccess, "collection", req.collection)
			db.metrics.Timing(MetricWriteDuration, time.Since(start), "collection", req.collection)
			db.logger.Debug("write landed",
				"collection", req.collection,
				"attempt", attempt,
				"records", len(req.snapshot),
			)
			return writeResult{records: req.snapshot}, res.SHA, true
		}

		if !IsConflict(err) {
			db.metrics.Increment(MetricWriteError, "collection", req.collection)
			return writeResult{err: err}, "", false
		}

		db.metrics.Increment(MetricWriteConflict, "collection", req.collection)
		db.logger.Warn("conditional put rejected, remote version advanced",
			"collection", req.collection,
			"attempt", attempt,
		)
		needFetch = true

		if attempt == q.cfg.MaxAttempts {
			break
		}
		db.metrics.Increment(MetricWriteRetries, "collection", req.collection)
		if err := q.wait(req, q.cfg.backoffFor(attempt-1)); err != nil {
			db.metrics.Increment(MetricWriteError, "collection", req.collection)
			return writeResult{err: err}, "", false
		}
	}

	db.metrics.Increment(MetricWriteError, "collection", req.collection)
	return writeResult{err: WithContext(ErrQueueExhausted, map[string]interface{}{
		"collection": req.collection,
		"attempts":   q.cfg.MaxAttempts,
	})}, "", false
}

// wait sleeps for the backoff delay, honoring the request context and the
// write deadline
func (q *writeQueue) wait(req *writeRequest, d time.Duration) error {
	if !req.deadline.IsZero() {
		until := time.Until(req.deadline)
		if until <= 0 {
			return WithContext(ErrWriteDeadline, map[string]interface{}{
				"collection": req.collection,
			})
		}
		if d > until {
			d = until
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.ctx.Done():
		return req.ctx.Err()
	case <-timer.C:
		return nil
	}
}

// settle reconciles the cache after a landed write. When later snapshots
// for the collection are already queued, the cache holds a newer local
// state than the remote store, so refreshing now would regress it; the
// final write in the burst does the refresh. The depth check happens
// under the collection's mutation lock, which every enqueue also holds,
// so it cannot miss an in-between write.
func (q *writeQueue) settle(req *writeRequest, ch chan *writeRequest) []Record {
	db := q.db

	unlock := db.colMu.Lock(req.collection)
	var records []Record
	if len(ch) > 0 {
		records, _ = db.cache.get(req.collection)
	} else {
		var err error
		records, _, err = db.fetchAndCache(req.ctx, req.collection)
		if err != nil {
			db.logger.Warn("post-write refresh failed, serving submitted snapshot",
				"collection", req.collection,
				"error", err,
			)
			records = req.snapshot
		}
	}
	unlock()

	db.bus.notify(req.collection, records)
	db.publishChange(req.ctx, req.collection)
	return records
}

// close stops accepting writes and waits for the workers to drain
func (q *writeQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.workers {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}
