// Package jsonbase turns a versioned blob store into a small multi-collection
// JSON document database.
//
// Each collection lives as a single JSON array document in the backing store
// (GitHub repository contents, filesystem, S3, GCS, or memory). Reads are
// served from a per-collection cache refreshed with conditional GETs; writes
// are full-snapshot conditional PUTs serialized through a per-collection
// queue, with exponential-backoff retries on version conflicts.
//
// Basic usage:
//
//	backend := jsonbase.NewFilesystemBackend("/var/lib/app/data")
//	db, _ := jsonbase.NewDB(backend,
//		jsonbase.WithSchemas(map[string]jsonbase.Schema{
//			"patients": {Required: []string{"name"}},
//		}),
//	)
//	defer db.Close()
//
//	rec, _ := db.Insert(ctx, "patients", jsonbase.Record{"name": "Ada"})
//	found, _ := db.FindByID(ctx, "patients", rec.UID())
//
// Every record carries two generated keys: a decimal "id" unique within its
// collection and a globally unique "uid" (UUIDv7). FindByID accepts either.
//
// The store is built for small, low-write-rate datasets: whole collections
// travel on every write, and concurrent writers from different processes
// resolve conflicts last-writer-wins at snapshot granularity.
package jsonbase
