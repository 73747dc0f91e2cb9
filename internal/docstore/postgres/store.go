// Package postgres provides a PostgreSQL-backed implementation of the
// docstore.Store interface using the pgvector extension for approximate
// nearest-neighbour search over document chunk embeddings.
//
// The pgvector extension must be available in the target database;
// [New] installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"voxquery/internal/docstore"
)

// Compile-time interface check.
var _ docstore.Store = (*Store)(nil)

// Store is a docstore.Store backed by a PostgreSQL document_chunks table with
// a pgvector HNSW index. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and ensures the schema
// exists.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce chunk embeddings (e.g., 768 for nomic-embed-text, 1536 for
// OpenAI text-embedding-3-small). Changing the value after the first
// migration requires a manual schema change.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	if embeddingDimensions <= 0 {
		return nil, fmt.Errorf("docstore postgres: embeddingDimensions must be positive, got %d", embeddingDimensions)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore postgres: ping: %w", err)
	}
	if err := migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// IndexChunk implements docstore.Store. It upserts a pre-embedded chunk; a
// chunk with the same ID is completely replaced.
func (s *Store) IndexChunk(ctx context.Context, chunk docstore.Chunk) error {
	const q = `
		INSERT INTO document_chunks (id, source, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    source    = EXCLUDED.source,
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`

	_, err := s.pool.Exec(ctx, q, chunk.ID, chunk.Source, chunk.Content, pgvector.NewVector(chunk.Embedding))
	if err != nil {
		return fmt.Errorf("docstore postgres: index chunk: %w", err)
	}
	return nil
}

// Search implements docstore.Store. Results are ordered by ascending cosine
// distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, topK int) ([]docstore.Result, error) {
	const q = `
		SELECT id, source, content, embedding, embedding <=> $1 AS distance
		FROM   document_chunks
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (docstore.Result, error) {
		var (
			r   docstore.Result
			vec pgvector.Vector
		)
		if err := row.Scan(&r.Chunk.ID, &r.Chunk.Source, &r.Chunk.Content, &vec, &r.Distance); err != nil {
			return docstore.Result{}, err
		}
		r.Chunk.Embedding = vec.Slice()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: collect rows: %w", err)
	}
	return results, nil
}

// Ping implements docstore.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("docstore postgres: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// migrate installs the pgvector extension and creates the chunks table and
// its HNSW index.
func migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS document_chunks (
			    id        TEXT        PRIMARY KEY,
			    source    TEXT        NOT NULL DEFAULT '',
			    content   TEXT        NOT NULL,
			    embedding VECTOR(%d)  NOT NULL
			)`, dims),
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding
		    ON document_chunks USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_source
		    ON document_chunks (source)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
