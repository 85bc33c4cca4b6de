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

func newTestDB(t *testing.T, backend Backend, opts ...Option) *DB {
	t.Helper()
	opts = append([]Option{WithQueueConfig(fastQueueConfig())}, opts...)
	db, err := NewDB(backend, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertGeneratesKeys(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	rec, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
	require.NoError(t, err)

	assert.Equal(t, "1", rec.ID())
	assert.True(t, IsValidUID(rec.UID()))
	assert.Equal(t, "Ada", rec["name"])

	// The write actually landed
	obj, err := backend.Get(ctx, "patients.json", "")
	require.NoError(t, err)
	records, err := decodeRecords(obj.Content)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.UID(), records[0].UID())
}

func TestInsertSchemaGate(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend, WithSchemas(map[string]Schema{
		"patients": {
			Required: []string{"name"},
			Types:    map[string]FieldKind{"name": KindString, "age": KindNumber},
			Defaults: map[string]interface{}{"status": "active"},
		},
	}))
	ctx := context.Background()

	t.Run("invalid record fails before any network call", func(t *testing.T) {
		_, err := db.Insert(ctx, "patients", Record{"age": 40})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSchemaValidation))
		assert.Zero(t, backend.CallCount(""))
	})

	t.Run("type hints are enforced", func(t *testing.T) {
		_, err := db.Insert(ctx, "patients", Record{"name": "Ada", "age": "old"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSchemaValidation))
	})

	t.Run("defaults fill gaps, caller wins", func(t *testing.T) {
		rec, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
		require.NoError(t, err)
		assert.Equal(t, "active", rec["status"])

		rec, err = db.Insert(ctx, "patients", Record{"name": "Grace", "status": "archived"})
		require.NoError(t, err)
		assert.Equal(t, "archived", rec["status"])
	})
}

func TestLoadServesFromCache(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Seed("patients.json", []byte(`[{"id":"1","uid":"u-1","name":"Ada"}]`))
	db := newTestDB(t, backend)
	ctx := context.Background()

	first, err := db.Load(ctx, "patients", false)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, backend.CallCount("get"))

	// Second non-forced load never touches the network
	second, err := db.Load(ctx, "patients", false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, backend.CallCount("get"))

	// Forced load does a conditional GET; unchanged content answers
	// not-modified and the cache stands
	third, err := db.Load(ctx, "patients", true)
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, 2, backend.CallCount("get"))
}

func TestLoadAfterMutationStaysLocal(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	_, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
	require.NoError(t, err)
	backend.ResetCalls()

	records, err := db.Load(ctx, "patients", false)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Zero(t, backend.CallCount(""))
}

func TestLoadAutoInitializesMissingCollection(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	records, err := db.Load(ctx, "empty", false)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, backend.CallCount("put"))

	obj, err := backend.Get(ctx, "empty.json", "")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(obj.Content))

	// A second loader finds the document and creates nothing
	other := newTestDB(t, backend)
	records, err = other.Load(ctx, "empty", false)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, backend.CallCount("put"))
}

// racingBackend makes the first create lose to a concurrent initializer
type racingBackend struct {
	*MemoryBackend
	once sync.Once
}

func (b *racingBackend) Put(ctx context.Context, key string, content []byte, sha string) (*PutResult, error) {
	b.once.Do(func() {
		b.Seed(key, []byte(`[{"id":"1","uid":"u-1","name":"winner"}]`))
	})
	return b.MemoryBackend.Put(ctx, key, content, sha)
}

func TestAutoInitAdoptsRaceWinner(t *testing.T) {
	backend := &racingBackend{MemoryBackend: NewMemoryBackend()}
	db := newTestDB(t, backend)

	records, err := db.Load(context.Background(), "patients", false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "winner", records[0]["name"])
}

func TestFindByIDDualKey(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	rec, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
	require.NoError(t, err)

	byID, err := db.FindByID(ctx, "patients", rec.ID())
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, rec.UID(), byID.UID())

	byUID, err := db.FindByID(ctx, "patients", rec.UID())
	require.NoError(t, err)
	require.NotNil(t, byUID)
	assert.Equal(t, rec.ID(), byUID.ID())

	missing, err := db.FindByID(ctx, "patients", "no-such-key")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindFilters(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	_, err := db.Insert(ctx, "patients", Record{"name": "Ada", "ward": "icu"})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "patients", Record{"name": "Grace", "ward": "icu"})
	require.NoError(t, err)
	_, err = db.Insert(ctx, "patients", Record{"name": "Edsger", "ward": "general"})
	require.NoError(t, err)

	icu, err := db.Find(ctx, "patients", map[string]interface{}{"ward": "icu"})
	require.NoError(t, err)
	assert.Len(t, icu, 2)

	one, err := db.Find(ctx, "patients", map[string]interface{}{"ward": "icu", "name": "Ada"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "Ada", one[0]["name"])

	all, err := db.Find(ctx, "patients", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateMergesAndStamps(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	rec, err := db.Insert(ctx, "patients", Record{"name": "Ada", "ward": "icu"})
	require.NoError(t, err)

	updated, err := db.Update(ctx, "patients", rec.UID(), Record{
		"ward": "general",
		"id":   "999", // generated keys cannot be overwritten
		"uid":  "fake",
	})
	require.NoError(t, err)

	assert.Equal(t, "general", updated["ward"])
	assert.Equal(t, "Ada", updated["name"])
	assert.Equal(t, rec.ID(), updated.ID())
	assert.Equal(t, rec.UID(), updated.UID())

	stamp, ok := updated[FieldUpdatedAt].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, stamp)
	assert.NoError(t, err)
}

func TestUpdateSeesRemoteState(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Seed("patients.json", []byte(`[{"id":"1","uid":"u-1","name":"Ada"}]`))
	db := newTestDB(t, backend)
	ctx := context.Background()

	_, err := db.Load(ctx, "patients", false)
	require.NoError(t, err)

	// Another process adds a record behind this cache's back
	backend.Seed("patients.json", []byte(`[{"id":"1","uid":"u-1","name":"Ada"},{"id":"2","uid":"u-2","name":"Grace"}]`))

	// Update forces a fresh read, so the out-of-band record is addressable
	updated, err := db.Update(ctx, "patients", "u-2", Record{"ward": "icu"})
	require.NoError(t, err)
	assert.Equal(t, "Grace", updated["name"])
}

func TestUpdateMissingRecord(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	_, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
	require.NoError(t, err)

	_, err = db.Update(ctx, "patients", "no-such-key", Record{"ward": "icu"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteRemovesByEitherKey(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	a, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
	require.NoError(t, err)
	b, err := db.Insert(ctx, "patients", Record{"name": "Grace"})
	require.NoError(t, err)

	require.NoError(t, db.Delete(ctx, "patients", a.ID()))
	require.NoError(t, db.Delete(ctx, "patients", b.UID()))

	records, err := db.Load(ctx, "patients", true)
	require.NoError(t, err)
	assert.Empty(t, records)

	err = db.Delete(ctx, "patients", a.ID())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestIDsSurviveDeleteGaps(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	a, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
	require.NoError(t, err)
	b, err := db.Insert(ctx, "patients", Record{"name": "Grace"})
	require.NoError(t, err)
	assert.Equal(t, "2", b.ID())

	require.NoError(t, db.Delete(ctx, "patients", b.ID()))

	// The high-water mark never reissues a previously used id
	c, err := db.Insert(ctx, "patients", Record{"name": "Edsger"})
	require.NoError(t, err)
	assert.Equal(t, "3", c.ID())
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestSubscribeReceivesChanges(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	var mu sync.Mutex
	var last []Record
	calls := 0
	unsubscribe := db.Subscribe("patients", func(records []Record) {
		mu.Lock()
		defer mu.Unlock()
		last = records
		calls++
	})

	_, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
	require.NoError(t, err)

	mu.Lock()
	require.NotEmpty(t, last)
	assert.Equal(t, "Ada", last[len(last)-1]["name"])
	seen := calls
	mu.Unlock()

	unsubscribe()
	_, err = db.Insert(ctx, "patients", Record{"name": "Grace"})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, seen, calls)
	mu.Unlock()
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	ctx := context.Background()

	rec, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
	require.NoError(t, err)
	_, err = db.Update(ctx, "patients", rec.ID(), Record{"ward": "icu"})
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, "patients", rec.ID()))

	trail := db.AuditTrail("patients")
	require.Len(t, trail, 3)
	assert.Equal(t, AuditInsert, trail[0].Action)
	assert.Equal(t, AuditUpdate, trail[1].Action)
	assert.Equal(t, AuditDelete, trail[2].Action)
	for _, e := range trail {
		assert.Equal(t, "patients", e.Collection)
		assert.Equal(t, rec.UID(), e.Record.UID())
		assert.False(t, e.Timestamp.IsZero())
	}

	// A failed write leaves no audit entry
	backend.FailPuts = -1
	_, err = db.Insert(ctx, "patients", Record{"name": "Grace"})
	require.Error(t, err)
	assert.Len(t, db.AuditTrail("patients"), 3)
}

func TestFailedWriteDoesNotPoisonCache(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Seed("patients.json", []byte(`[{"id":"1","uid":"u-1","name":"Ada"}]`))

	cfg := fastQueueConfig()
	cfg.MaxAttempts = 2
	db := newTestDB(t, backend, WithQueueConfig(cfg))
	ctx := context.Background()

	_, err := db.Load(ctx, "patients", false)
	require.NoError(t, err)

	backend.FailPuts = -1
	_, err = db.Insert(ctx, "patients", Record{"name": "Grace"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueExhausted))

	// The rejected local merge is discarded: reads go back to the store
	// instead of serving the phantom record
	backend.FailPuts = 0
	records, err := db.Load(ctx, "patients", false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Ada", records[0]["name"])

	found, err := db.FindByID(ctx, "patients", "u-1")
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestNewDBValidatesQueueConfig(t *testing.T) {
	_, err := NewDB(NewMemoryBackend(), WithQueueConfig(QueueConfig{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestPingDelegates(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend)
	assert.NoError(t, db.Ping(context.Background()))
}

func TestBasePathPrefixesKeys(t *testing.T) {
	backend := NewMemoryBackend()
	db := newTestDB(t, backend, WithBasePath("data/prod"))
	ctx := context.Background()

	_, err := db.Insert(ctx, "patients", Record{"name": "Ada"})
	require.NoError(t, err)

	_, err = backend.Get(ctx, "data/prod/patients.json", "")
	assert.NoError(t, err)
}
