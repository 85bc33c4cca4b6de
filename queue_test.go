package jsonbase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastQueueConfig keeps conflict retries sub-millisecond so tests stay quick
func fastQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  2,
		MaxBackoff:     10 * time.Millisecond,
		Depth:          DefaultQueueDepth,
	}
}

func newQueueTestDB(t *testing.T, backend Backend, cfg QueueConfig) *DB {
	t.Helper()
	db, err := NewDB(backend, WithQueueConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConcurrentInsertsSerialize(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Seed("widgets.json", []byte("[]"))
	backend.PutDelay = 5 * time.Millisecond

	db := newQueueTestDB(t, backend, fastQueueConfig())
	ctx := context.Background()

	_, err := db.Load(ctx, "widgets", false)
	require.NoError(t, err)
	backend.ResetCalls()

	var wg sync.WaitGroup
	results := make([]Record, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = db.Insert(ctx, "widgets", Record{"n": i})
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	uids := map[string]bool{}
	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		ids[results[i].ID()] = true
		uids[results[i].UID()] = true
	}

	// Three writers, three unique ids covering 1..3
	assert.Equal(t, map[string]bool{"1": true, "2": true, "3": true}, ids)
	assert.Len(t, uids, 3)

	// One PUT per insert, never overlapping
	assert.Equal(t, 3, backend.CallCount("put"))
	assert.Zero(t, backend.Overlaps())

	final, err := db.Load(ctx, "widgets", true)
	require.NoError(t, err)
	assert.Len(t, final, 3)
}

func TestConflictRetriesAreBounded(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Seed("widgets.json", []byte("[]"))
	backend.FailPuts = -1

	cfg := fastQueueConfig()
	cfg.MaxAttempts = 3
	db := newQueueTestDB(t, backend, cfg)
	ctx := context.Background()

	_, err := db.Load(ctx, "widgets", false)
	require.NoError(t, err)
	backend.ResetCalls()

	_, err = db.Insert(ctx, "widgets", Record{"n": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueExhausted))
	assert.Equal(t, 3, backend.CallCount("put"))

	// The queue keeps serving after a failed item
	backend.FailPuts = 0
	rec, err := db.Insert(ctx, "widgets", Record{"n": 2})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.UID())
}

func TestConflictRefetchThenSucceed(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Seed("widgets.json", []byte(`[{"id":"1","uid":"00000000-0000-7000-8000-000000000001","name":"base"}]`))

	dbA := newQueueTestDB(t, backend, fastQueueConfig())
	dbB := newQueueTestDB(t, backend, fastQueueConfig())
	ctx := context.Background()

	// Both caches observe the same starting version
	_, err := dbA.Load(ctx, "widgets", false)
	require.NoError(t, err)
	_, err = dbB.Load(ctx, "widgets", false)
	require.NoError(t, err)

	_, err = dbA.Insert(ctx, "widgets", Record{"name": "from-a"})
	require.NoError(t, err)
	backend.ResetCalls()

	// B still holds the stale version tag: first PUT conflicts, the worker
	// refetches the advanced tag, and the second PUT lands
	_, err = dbB.Insert(ctx, "widgets", Record{"name": "from-b"})
	require.NoError(t, err)

	conflicted := 0
	for _, c := range backend.Calls() {
		if c.Op == "put" && errors.Is(c.Err, ErrConflict) {
			conflicted++
		}
	}
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, 2, backend.CallCount("put"))

	// Snapshot writes are last-writer-wins: B's retried snapshot was built
	// from the starting state, so A's record is gone
	final, err := dbB.Load(ctx, "widgets", true)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, r := range final {
		names[r["name"].(string)] = true
	}
	assert.Equal(t, map[string]bool{"base": true, "from-b": true}, names)
}

func TestWriteDeadlineRejects(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Seed("widgets.json", []byte("[]"))
	backend.FailPuts = -1

	cfg := fastQueueConfig()
	cfg.MaxAttempts = 50
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.WriteDeadline = 30 * time.Millisecond
	db := newQueueTestDB(t, backend, cfg)
	ctx := context.Background()

	_, err := db.Load(ctx, "widgets", false)
	require.NoError(t, err)
	backend.ResetCalls()

	_, err = db.Insert(ctx, "widgets", Record{"n": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriteDeadline))
	assert.Less(t, backend.CallCount("put"), 50)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Seed("widgets.json", []byte("[]"))
	backend.PutDelay = 100 * time.Millisecond

	cfg := fastQueueConfig()
	cfg.Depth = 1
	db := newQueueTestDB(t, backend, cfg)
	ctx := context.Background()

	_, err := db.Load(ctx, "widgets", false)
	require.NoError(t, err)

	// First write occupies the worker, second fills the buffer
	first, err := db.queue.enqueue(ctx, "widgets", "widgets.json", []Record{}, "")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	second, err := db.queue.enqueue(ctx, "widgets", "widgets.json", []Record{}, "")
	require.NoError(t, err)

	_, err = db.queue.enqueue(ctx, "widgets", "widgets.json", []Record{}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))

	require.NoError(t, (<-first).err)
	require.NoError(t, (<-second).err)
}

func TestEnqueueRacingCloseNeverPanics(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Seed("widgets.json", []byte("[]"))

	db, err := NewDB(backend, WithQueueConfig(fastQueueConfig()))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = db.Load(ctx, "widgets", false)
	require.NoError(t, err)

	// Hammer enqueue from several goroutines while close races in; every
	// submission must either be accepted or rejected cleanly
	var wg sync.WaitGroup
	closedSeen := make([]bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				future, err := db.queue.enqueue(ctx, "widgets", "widgets.json", []Record{}, "")
				if errors.Is(err, ErrQueueClosed) {
					closedSeen[i] = true
					return
				}
				if err == nil {
					<-future
				}
			}
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, db.Close())
	wg.Wait()

	for i, saw := range closedSeen {
		assert.True(t, saw, "goroutine %d never observed the closed queue", i)
	}
}

func TestQueueCloseRejectsNewWrites(t *testing.T) {
	backend := NewMemoryBackend()
	db, err := NewDB(backend, WithQueueConfig(fastQueueConfig()))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = db.Insert(ctx, "widgets", Record{"n": 1})
	require.NoError(t, err)

	require.NoError(t, db.Close())

	_, err = db.Insert(ctx, "widgets", Record{"n": 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueClosed))

	// Close is idempotent
	require.NoError(t, db.Close())
}
