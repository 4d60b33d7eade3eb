// Package postgres provides a PostgreSQL-backed implementation of
// [memory.Store] using pgvector for semantic retrieval.
//
// Each memory is one row with its embedding; Digest ranks rows by cosine
// distance to the query embedding. The pgvector extension must be available
// in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlMemories returns the DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlMemories(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id          TEXT         PRIMARY KEY,
    device_id   TEXT         NOT NULL,
    speaker_id  TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memories_device_id
    ON memories (device_id);

CREATE INDEX IF NOT EXISTS idx_memories_device_created
    ON memories (device_id, created_at);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the memories table and the pgvector extension
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embedding model (e.g. 1536
// for OpenAI text-embedding-3-small, 768 for nomic-embed-text). Changing the
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlMemories(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
