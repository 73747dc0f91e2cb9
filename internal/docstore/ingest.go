package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"voxquery/pkg/provider/embeddings"
)

const (
	defaultChunkSize    = 500
	defaultChunkOverlap = 50
	defaultEmbedBatch   = 16
	defaultConcurrency  = 4
)

// defaultExtensions lists the file types the ingester picks up when walking
// a source directory.
var defaultExtensions = map[string]bool{
	".txt": true,
	".md":  true,
	".csv": true,
}

// IngestOption is a functional option for configuring an Ingester.
type IngestOption func(*Ingester)

// WithChunkSize sets the target chunk length in characters. Default 500.
func WithChunkSize(n int) IngestOption {
	return func(i *Ingester) {
		if n > 0 {
			i.chunkSize = n
		}
	}
}

// WithChunkOverlap sets how many characters consecutive chunks share.
// Default 50.
func WithChunkOverlap(n int) IngestOption {
	return func(i *Ingester) {
		if n >= 0 {
			i.chunkOverlap = n
		}
	}
}

// WithEmbedBatch sets how many chunks are embedded per provider call.
// Default 16.
func WithEmbedBatch(n int) IngestOption {
	return func(i *Ingester) {
		if n > 0 {
			i.embedBatch = n
		}
	}
}

// WithConcurrency caps how many files are processed in parallel. Default 4.
func WithConcurrency(n int) IngestOption {
	return func(i *Ingester) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// Ingester reads source documents, splits them into overlapping chunks,
// embeds the chunks in batches, and indexes them into a Store.
type Ingester struct {
	store    Store
	embedder embeddings.Provider

	chunkSize    int
	chunkOverlap int
	embedBatch   int
	concurrency  int
}

// NewIngester creates an Ingester over the given store and embedding
// provider. Both must be non-nil.
func NewIngester(store Store, embedder embeddings.Provider, opts ...IngestOption) (*Ingester, error) {
	if store == nil {
		return nil, fmt.Errorf("docstore: ingester store must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("docstore: ingester embedder must not be nil")
	}
	ing := &Ingester{
		store:        store,
		embedder:     embedder,
		chunkSize:    defaultChunkSize,
		chunkOverlap: defaultChunkOverlap,
		embedBatch:   defaultEmbedBatch,
		concurrency:  defaultConcurrency,
	}
	for _, o := range opts {
		o(ing)
	}
	if ing.chunkOverlap >= ing.chunkSize {
		return nil, fmt.Errorf("docstore: chunk overlap %d must be smaller than chunk size %d", ing.chunkOverlap, ing.chunkSize)
	}
	return ing, nil
}

// IngestDir walks dir recursively, ingesting every file with a supported
// extension. Files are processed concurrently; the first failure cancels the
// remaining work. Returns the total number of chunks indexed.
func (i *Ingester) IngestDir(ctx context.Context, dir string) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if defaultExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("docstore: walk %s: %w", dir, err)
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("docstore: no ingestible files under %s", dir)
	}

	counts := make([]int, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for idx, path := range files {
		g.Go(func() error {
			n, err := i.IngestFile(gctx, path)
			if err != nil {
				return err
			}
			counts[idx] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	slog.Info("ingestion complete", "dir", dir, "files", len(files), "chunks", total)
	return total, nil
}

// IngestFile chunks, embeds, and indexes a single file. Returns the number
// of chunks indexed.
func (i *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("docstore: read %s: %w", path, err)
	}

	pieces := splitText(string(data), i.chunkSize, i.chunkOverlap)
	if len(pieces) == 0 {
		slog.Debug("skipping empty file", "path", path)
		return 0, nil
	}

	for start := 0; start < len(pieces); start += i.embedBatch {
		end := min(start+i.embedBatch, len(pieces))
		batch := pieces[start:end]

		vectors, err := i.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return 0, fmt.Errorf("docstore: embed batch from %s: %w", path, err)
		}
		for j, text := range batch {
			chunk := Chunk{
				ID:        chunkID(path, start+j, text),
				Source:    path,
				Content:   text,
				Embedding: vectors[j],
			}
			if err := i.store.IndexChunk(ctx, chunk); err != nil {
				return 0, fmt.Errorf("docstore: index chunk from %s: %w", path, err)
			}
		}
	}

	slog.Debug("ingested file", "path", path, "chunks", len(pieces))
	return len(pieces), nil
}

// chunkID derives a stable chunk identifier from the source path, chunk
// ordinal, and content hash, so re-ingesting an unchanged file upserts the
// same rows.
func chunkID(path string, ordinal int, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s#%d-%s", filepath.Base(path), ordinal, hex.EncodeToString(sum[:8]))
}

// splitText splits text into chunks of roughly size characters with the
// given overlap, preferring to break at whitespace. Whitespace-only input
// yields no chunks.
func splitText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	runes := []rune(text)

	for start := 0; start < len(runes); {
		end := min(start+size, len(runes))

		// Back off to the last whitespace so words stay intact, unless that
		// would make the chunk degenerate.
		if end < len(runes) {
			if cut := lastSpace(runes[start:end]); cut > size/2 {
				end = start + cut
			}
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// lastSpace returns the index of the last whitespace rune, or -1.
func lastSpace(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == ' ' || r[i] == '\n' || r[i] == '\t' {
			return i
		}
	}
	return -1
}
