package docstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Compile-time assertion that Memory implements Store.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store for tests and small corpora. Chunks live in
// a map keyed by ID; Search is a linear scan, which is fine for the corpus
// sizes this store is meant for.
type Memory struct {
	mu     sync.RWMutex
	chunks map[string]Chunk
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{chunks: make(map[string]Chunk)}
}

// IndexChunk implements Store.
func (m *Memory) IndexChunk(_ context.Context, chunk Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[chunk.ID] = chunk
	return nil
}

// Search implements Store.
func (m *Memory) Search(_ context.Context, embedding []float32, topK int) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if topK <= 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(m.chunks))
	for _, c := range m.chunks {
		results = append(results, Result{
			Chunk:    c,
			Distance: cosineDistance(embedding, c.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Ping implements Store. The in-memory store is always reachable.
func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of stored chunks.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// cosineDistance returns 1 − cosine similarity. Mismatched or zero-magnitude
// vectors get the maximum distance of 1 so they sort last.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(magA)*math.Sqrt(magB))
}
