// Package docstore provides the vector document store that backs query
// answering: ingested document chunks are stored with their embeddings and
// retrieved by cosine similarity against a query embedding.
package docstore

import "context"

// Chunk is one embedded fragment of a source document.
type Chunk struct {
	// ID uniquely identifies the chunk. Re-indexing the same ID replaces the
	// stored chunk.
	ID string

	// Source names the originating document (file path or logical name).
	Source string

	// Content is the chunk text returned to callers on retrieval.
	Content string

	// Embedding is the dense vector for Content. All chunks in one store
	// must share the same dimensionality.
	Embedding []float32
}

// Result is a retrieved chunk with its cosine distance to the query
// embedding. Lower distance means higher similarity.
type Result struct {
	Chunk    Chunk
	Distance float64
}

// Store is the abstraction over any vector chunk store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// IndexChunk upserts a pre-embedded chunk.
	IndexChunk(ctx context.Context, chunk Chunk) error

	// Search returns the topK chunks closest (cosine distance) to embedding,
	// ordered most similar first. Returns an empty slice when the store
	// holds no chunks.
	Search(ctx context.Context, embedding []float32, topK int) ([]Result, error)

	// Ping verifies that the underlying storage is reachable.
	Ping(ctx context.Context) error
}
