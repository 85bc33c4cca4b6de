package jsonbase

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend implements Backend in process memory. It exists for tests
// and for embedding jsonbase without remote storage, and it instruments
// every call so concurrency properties can be asserted: each Put records
// begin/end timestamps, and overlapping Puts to the same key are counted.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]memObject
	seq     int64

	calls    []BackendCall
	inflight map[string]int
	overlaps int

	// FailPuts makes every Put return ErrConflict while > 0, decrementing
	// per call. Set to -1 to conflict forever.
	FailPuts int

	// GetErr, when set, is returned by every Get
	GetErr error

	// PutDelay stretches each Put so overlap detection has teeth
	PutDelay time.Duration

	closed bool
}

type memObject struct {
	content []byte
	version int64
}

// BackendCall is one recorded backend invocation
type BackendCall struct {
	Op    string
	Key   string
	Begin time.Time
	End   time.Time
	Err   error
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects:  make(map[string]memObject),
		inflight: make(map[string]int),
	}
}

// Seed stores content for a key directly, bypassing instrumentation
func (b *MemoryBackend) Seed(key string, content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.objects[key] = memObject{content: content, version: b.seq}
}

func (b *MemoryBackend) versionTag(obj memObject) string {
	return fmt.Sprintf("v%d", obj.version)
}

func (b *MemoryBackend) Get(ctx context.Context, key string, etag string) (*Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	call := BackendCall{Op: "get", Key: key, Begin: time.Now()}
	defer func() {
		call.End = time.Now()
		b.calls = append(b.calls, call)
	}()

	if b.GetErr != nil {
		call.Err = b.GetErr
		return nil, b.GetErr
	}

	obj, ok := b.objects[key]
	if !ok {
		call.Err = ErrNotFound
		return nil, ErrNotFound
	}

	tag := b.versionTag(obj)
	if etag != "" && etag == tag {
		call.Err = ErrNotModified
		return nil, ErrNotModified
	}

	content := make([]byte, len(obj.content))
	copy(content, obj.content)
	return &Object{Content: content, ETag: tag, SHA: tag}, nil
}

func (b *MemoryBackend) Put(ctx context.Context, key string, content []byte, sha string) (*PutResult, error) {
	b.mu.Lock()
	call := BackendCall{Op: "put", Key: key, Begin: time.Now()}
	if b.inflight[key] > 0 {
		b.overlaps++
	}
	b.inflight[key]++
	delay := b.PutDelay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	b.mu.Lock()
	defer func() {
		b.inflight[key]--
		call.End = time.Now()
		b.calls = append(b.calls, call)
		b.mu.Unlock()
	}()

	if b.FailPuts != 0 {
		if b.FailPuts > 0 {
			b.FailPuts--
		}
		call.Err = ErrConflict
		return nil, WithContext(ErrConflict, map[string]interface{}{
			"key":    key,
			"reason": "injected conflict",
		})
	}

	obj, exists := b.objects[key]
	switch {
	case exists && sha == "":
		call.Err = ErrConflict
		return nil, WithContext(ErrConflict, map[string]interface{}{
			"key":    key,
			"reason": "object already exists",
		})
	case exists && sha != b.versionTag(obj):
		call.Err = ErrConflict
		return nil, WithContext(ErrConflict, map[string]interface{}{
			"key":      key,
			"expected": sha,
			"actual":   b.versionTag(obj),
		})
	case !exists && sha != "":
		call.Err = ErrConflict
		return nil, WithContext(ErrConflict, map[string]interface{}{
			"key":      key,
			"expected": sha,
			"reason":   "object was deleted",
		})
	}

	b.seq++
	stored := make([]byte, len(content))
	copy(stored, content)
	next := memObject{content: stored, version: b.seq}
	b.objects[key] = next

	tag := b.versionTag(next)
	return &PutResult{ETag: tag, SHA: tag}, nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendUnavailable
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Calls returns a copy of the recorded call log
func (b *MemoryBackend) Calls() []BackendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BackendCall, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallCount returns how many calls of the given op were recorded;
// op "" counts everything
func (b *MemoryBackend) CallCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if op == "" {
		return len(b.calls)
	}
	n := 0
	for _, c := range b.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Overlaps reports how many Puts began while another Put to the same key
// was still in flight
func (b *MemoryBackend) Overlaps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overlaps
}

// ResetCalls clears the instrumentation log
func (b *MemoryBackend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
	b.overlaps = 0
}
