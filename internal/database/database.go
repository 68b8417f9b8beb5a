package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the documents table if needed. Having the migration in
// code keeps the service self-contained so docker-compose can bootstrap
// everything.
//
// The partial unique index enforces external-ref uniqueness across non-deleted
// documents; the dedup index serves the tenant-scoped duplicate lookup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	external_ref TEXT NOT NULL DEFAULT '',
	tenant_id TEXT NOT NULL,
	school_id TEXT NOT NULL,
	class_id TEXT NOT NULL DEFAULT '',
	section_id TEXT NOT NULL DEFAULT '',
	subject_id TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	page_count INT NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	status TEXT NOT NULL,
	result_refs TEXT[] NOT NULL DEFAULT '{}',
	extracted_text TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	uploader_id TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_documents_external_ref
	ON documents(external_ref) WHERE external_ref <> '' AND NOT is_deleted;
CREATE INDEX IF NOT EXISTS idx_documents_dedup
	ON documents(tenant_id, content_hash) WHERE status = 'indexed' AND NOT is_deleted;
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_scope ON documents(tenant_id, school_id);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
