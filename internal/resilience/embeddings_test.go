package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"voxquery/internal/resilience"
	"voxquery/pkg/provider/embeddings/mock"
)

func TestEmbeddings_ForwardsSuccess(t *testing.T) {
	t.Parallel()

	inner := &mock.Provider{
		EmbedResult:     []float32{0.1, 0.2},
		DimensionsValue: 2,
		ModelIDValue:    "test-model",
	}
	e := resilience.NewEmbeddings(inner, resilience.CircuitBreakerConfig{})

	got, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Embed returned %d dims, want 2", len(got))
	}
	if e.Dimensions() != 2 {
		t.Errorf("Dimensions() = %d, want 2", e.Dimensions())
	}
	if e.ModelID() != "test-model" {
		t.Errorf("ModelID() = %q", e.ModelID())
	}
}

func TestEmbeddings_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	inner := &mock.Provider{EmbedErr: errors.New("connection refused")}
	e := resilience.NewEmbeddings(inner, resilience.CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	for range 2 {
		if _, err := e.Embed(context.Background(), "x"); err == nil {
			t.Fatal("Embed should fail while provider is down")
		}
	}
	if e.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", e.State())
	}

	// Open breaker rejects without calling the provider.
	calls := len(inner.EmbedCalls)
	_, err := e.Embed(context.Background(), "x")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Embed with open breaker = %v, want ErrCircuitOpen", err)
	}
	if len(inner.EmbedCalls) != calls {
		t.Error("open breaker still forwarded the call")
	}
}

func TestEmbeddings_BatchUnderBreaker(t *testing.T) {
	t.Parallel()

	inner := &mock.Provider{EmbedBatchErr: errors.New("boom")}
	e := resilience.NewEmbeddings(inner, resilience.CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})

	if _, err := e.EmbedBatch(context.Background(), []string{"a"}); err == nil {
		t.Fatal("EmbedBatch should fail")
	}
	if _, err := e.EmbedBatch(context.Background(), []string{"a"}); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("second EmbedBatch = %v, want ErrCircuitOpen", err)
	}
}
