package answer_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"voxquery/internal/answer"
	"voxquery/internal/docstore"
	embedmock "voxquery/pkg/provider/embeddings/mock"
	llmmock "voxquery/pkg/provider/llm/mock"
)

func TestIsGreeting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query string
		want  bool
	}{
		{"hi", true},
		{"Hello there", true},
		{"HEY", true},
		{"good morning everyone", true},
		{"hola amigo", true},
		{"howdy partner", true},
		// phonetic misspellings from voice transcription
		{"helo", true},
		{"greetins", true},
		// not greetings
		{"what are the office hours?", false},
		{"explain the vacation policy", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()
			if got := answer.IsGreeting(tt.query); got != tt.want {
				t.Errorf("IsGreeting(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestRandomGreeting_DrawsFromKnownReplies(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		g := answer.RandomGreeting()
		if g == "" {
			t.Fatal("empty greeting")
		}
	}
}

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, in, want string
	}{
		{"bullets removed", "• first • second", "first second"},
		{"newlines become spaces", "line one\nline two", "line one line two"},
		{"whitespace collapsed", "a   b\t\tc", "a b c"},
		{"trimmed", "  padded  ", "padded"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := answer.Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func seededStore(t *testing.T) *docstore.Memory {
	t.Helper()
	store := docstore.NewMemory()
	chunks := []docstore.Chunk{
		{ID: "1", Source: "hours.txt", Content: "The office opens\nat 9am • every weekday.", Embedding: []float32{1, 0}},
		{ID: "2", Source: "remote.txt", Content: "Remote work is allowed on Fridays.", Embedding: []float32{0, 1}},
	}
	for _, c := range chunks {
		if err := store.IndexChunk(context.Background(), c); err != nil {
			t.Fatalf("IndexChunk: %v", err)
		}
	}
	return store
}

func TestRespond_RetrievalOnly(t *testing.T) {
	t.Parallel()

	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0}, DimensionsValue: 2}
	r, err := answer.New(seededStore(t), embedder)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := r.Respond(context.Background(), "when does the office open?")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "The office opens at 9am every weekday." {
		t.Errorf("response = %q, want the cleaned top chunk", got)
	}
}

func TestRespond_GreetingSkipsRetrieval(t *testing.T) {
	t.Parallel()

	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0}}
	r, err := answer.New(docstore.NewMemory(), embedder)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := r.Respond(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got == "" {
		t.Error("empty greeting response")
	}
	if len(embedder.EmbedCalls) != 0 {
		t.Error("greeting must not reach the embedder")
	}
}

func TestRespond_EmptyStore(t *testing.T) {
	t.Parallel()

	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0}}
	r, err := answer.New(docstore.NewMemory(), embedder)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := r.Respond(context.Background(), "anything relevant?")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "No relevant documents found." {
		t.Errorf("response = %q", got)
	}
}

func TestRespond_EmbedFailure(t *testing.T) {
	t.Parallel()

	embedder := &embedmock.Provider{EmbedErr: errors.New("model offline")}
	r, err := answer.New(seededStore(t), embedder)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Respond(context.Background(), "a question"); err == nil {
		t.Error("expected embed failure to propagate")
	}
}

func TestRespond_LLMSynthesis(t *testing.T) {
	t.Parallel()

	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0}}
	model := llmmock.New("The office opens at 9am.")
	r, err := answer.New(seededStore(t), embedder, answer.WithLLM(model), answer.WithTopK(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := r.Respond(context.Background(), "when does the office open?")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "The office opens at 9am." {
		t.Errorf("response = %q", got)
	}

	reqs := model.Requests()
	if len(reqs) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(reqs))
	}
	prompt := reqs[0].Messages[len(reqs[0].Messages)-1].Content
	if !strings.Contains(prompt, "office opens") || !strings.Contains(prompt, "when does the office open?") {
		t.Errorf("prompt missing context or question: %q", prompt)
	}
	if !strings.Contains(prompt, "Remote work") {
		t.Errorf("prompt missing second retrieved chunk: %q", prompt)
	}
}

func TestRespond_LLMFailure(t *testing.T) {
	t.Parallel()

	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0}}
	model := llmmock.New()
	model.Err = errors.New("completion failed")
	r, err := answer.New(seededStore(t), embedder, answer.WithLLM(model))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Respond(context.Background(), "a question"); err == nil {
		t.Error("expected llm failure to propagate")
	}
}
