package jsonbase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditSink writes audit entries to an append-only Postgres table.
// Inserts go through the pool directly rather than the write queue: audit
// rows are independent events, not versioned documents.
type PostgresAuditSink struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresAuditSink creates a sink writing to the given table
// (default "jsonbase_audit") and creates the table if it is missing.
func NewPostgresAuditSink(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresAuditSink, error) {
	if table == "" {
		table = "jsonbase_audit"
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			collection  TEXT        NOT NULL,
			action      TEXT        NOT NULL,
			record      JSONB       NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`, table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	return &PostgresAuditSink{pool: pool, table: table}, nil
}

// Write appends one audit entry
func (s *PostgresAuditSink) Write(ctx context.Context, entry AuditEntry) error {
	record, err := json.Marshal(entry.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (collection, action, record, occurred_at) VALUES ($1, $2, $3, $4)",
		s.table,
	)
	if _, err := s.pool.Exec(ctx, query, entry.Collection, entry.Action, record, entry.Timestamp); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Close releases the underlying pool
func (s *PostgresAuditSink) Close() {
	s.pool.Close()
}
