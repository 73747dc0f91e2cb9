// Package answer turns a user query into a response string: greetings get a
// canned reply, everything else goes through embedding, document retrieval,
// and optionally LLM synthesis over the retrieved context.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"voxquery/internal/docstore"
	"voxquery/pkg/provider/embeddings"
	"voxquery/pkg/provider/llm"
)

const (
	defaultTopK = 1

	// noDocumentsReply is returned when retrieval finds nothing.
	noDocumentsReply = "No relevant documents found."

	synthesisSystemPrompt = "You answer questions using only the provided document excerpts. " +
		"If the excerpts do not contain the answer, say so briefly. Keep answers concise."
)

// Option is a functional option for configuring a Responder.
type Option func(*Responder)

// WithTopK sets how many chunks retrieval returns. Default 1 (the most
// relevant chunk is the whole answer in retrieval-only mode).
func WithTopK(k int) Option {
	return func(r *Responder) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithLLM enables synthesis mode: retrieved chunks become context for a
// completion instead of being returned directly.
func WithLLM(p llm.Provider) Option {
	return func(r *Responder) { r.llm = p }
}

// Responder produces responses for user queries. Safe for concurrent use.
type Responder struct {
	store    docstore.Store
	embedder embeddings.Provider
	llm      llm.Provider
	topK     int
}

// New creates a Responder over the given document store and embedding
// provider. Both must be non-nil.
func New(store docstore.Store, embedder embeddings.Provider, opts ...Option) (*Responder, error) {
	if store == nil {
		return nil, fmt.Errorf("answer: document store must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("answer: embedding provider must not be nil")
	}
	r := &Responder{store: store, embedder: embedder, topK: defaultTopK}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Respond answers query. Greetings short-circuit to a random canned reply;
// other queries are embedded, matched against the document store, and either
// returned verbatim (retrieval-only) or synthesized by the LLM. The result
// is always cleaned before return.
func (r *Responder) Respond(ctx context.Context, query string) (string, error) {
	if IsGreeting(query) {
		return Clean(RandomGreeting()), nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("answer: embed query: %w", err)
	}
	results, err := r.store.Search(ctx, vec, r.topK)
	if err != nil {
		return "", fmt.Errorf("answer: search documents: %w", err)
	}
	if len(results) == 0 {
		slog.Warn("no relevant documents found", "query", query)
		return noDocumentsReply, nil
	}

	if r.llm == nil {
		return Clean(results[0].Chunk.Content), nil
	}
	return r.synthesize(ctx, query, results)
}

// synthesize asks the LLM to answer the query from the retrieved chunks.
func (r *Responder) synthesize(ctx context.Context, query string, results []docstore.Result) (string, error) {
	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "Excerpt %d (%s):\n%s\n\n", i+1, res.Chunk.Source, res.Chunk.Content)
	}
	b.WriteString("Question: ")
	b.WriteString(query)

	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: synthesisSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("answer: synthesize: %w", err)
	}
	return Clean(resp.Content), nil
}

// Clean normalizes a response for display: bullet characters are removed,
// line breaks become spaces, and runs of whitespace collapse to one space.
func Clean(response string) string {
	s := strings.ReplaceAll(response, "•", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(s), " ")
}
