package jsonbase

import (
	"context"
	"path"
)

// Object is the result of a conditional GET: the decoded content plus the
// two opaque version markers the remote store hands back. ETag drives
// conditional reads; SHA drives conditional writes. Stores that only have
// one marker return it in both fields.
type Object struct {
	Content []byte
	ETag    string
	SHA     string
}

// PutResult carries the version markers assigned by a successful write
type PutResult struct {
	ETag string
	SHA  string
}

// Backend is a versioned blob store: conditional reads keyed by ETag,
// conditional writes keyed by content sha.
//
// Implementations must honor these semantics:
//   - Get with a matching etag returns ErrNotModified
//   - Get on an absent path returns ErrNotFound
//   - Put with a stale sha returns ErrConflict; sha "" means create
//   - any other error propagates unmodified
type Backend interface {
	Get(ctx context.Context, key string, etag string) (*Object, error)
	Put(ctx context.Context, key string, content []byte, sha string) (*PutResult, error)

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}

// KeyBuilder maps collection names onto backend keys.
// A collection is one JSON array document at <BasePath>/<name>.json.
type KeyBuilder struct {
	BasePath string
}

// Key returns the backend key for a collection
func (kb KeyBuilder) Key(collection string) string {
	return path.Join(kb.BasePath, collection+".json")
}
