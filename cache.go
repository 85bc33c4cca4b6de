package jsonbase

import "sync"

// cacheEntry is one collection's in-memory snapshot plus the version
// markers observed when it was fetched
type cacheEntry struct {
	records []Record
	etag    string
	sha     string
}

// snapshotCache holds per-collection snapshots. Reads never touch the
// network and never block on in-flight writes; they may trail a write by
// one refresh. Entries are created lazily and refreshed after every
// successful write, never evicted.
type snapshotCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{entries: make(map[string]*cacheEntry)}
}

// get returns a copy of the cached snapshot, or ok=false on a miss
func (c *snapshotCache) get(collection string) ([]Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[collection]
	if !ok {
		return nil, false
	}
	return cloneRecords(e.records), true
}

// version returns the cached version markers for a collection
func (c *snapshotCache) version(collection string) (etag, sha string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[collection]
	if !ok {
		return "", "", false
	}
	return e.etag, e.sha, true
}

// set replaces a collection's snapshot and version markers
func (c *snapshotCache) set(collection string, records []Record, etag, sha string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[collection] = &cacheEntry{
		records: cloneRecords(records),
		etag:    etag,
		sha:     sha,
	}
}

// drop discards a collection's entry so the next load refetches in full.
// Used after a failed write: the entry holds a local merge the store
// rejected, and its etag would otherwise answer "not modified" forever.
func (c *snapshotCache) drop(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, collection)
}

// mutate applies fn to the cached snapshot under the write lock and
// returns a copy of the result. fn receives an owned copy, so it may
// append, replace, or filter freely. ok=false when the entry is absent.
func (c *snapshotCache) mutate(collection string, fn func(records []Record) []Record) ([]Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[collection]
	if !ok {
		return nil, false
	}
	e.records = fn(cloneRecords(e.records))
	return cloneRecords(e.records), true
}
