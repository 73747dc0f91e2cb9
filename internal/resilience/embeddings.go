package resilience

import (
	"context"

	"voxquery/pkg/provider/embeddings"
)

// Embeddings wraps an [embeddings.Provider] with a [CircuitBreaker]. When the
// provider fails repeatedly, further Embed calls are rejected immediately with
// [ErrCircuitOpen] until the reset timeout elapses, so queries fail fast
// instead of each waiting out the provider timeout.
type Embeddings struct {
	inner   embeddings.Provider
	breaker *CircuitBreaker
}

var _ embeddings.Provider = (*Embeddings)(nil)

// NewEmbeddings wraps provider with a breaker built from cfg. An empty
// cfg.Name defaults to the provider's model ID.
func NewEmbeddings(provider embeddings.Provider, cfg CircuitBreakerConfig) *Embeddings {
	if cfg.Name == "" {
		cfg.Name = "embeddings/" + provider.ModelID()
	}
	return &Embeddings{
		inner:   provider,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Embed forwards to the wrapped provider under the breaker.
func (e *Embeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	err := e.breaker.Execute(func() error {
		var err error
		result, err = e.inner.Embed(ctx, text)
		return err
	})
	return result, err
}

// EmbedBatch forwards to the wrapped provider under the breaker.
func (e *Embeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var result [][]float32
	err := e.breaker.Execute(func() error {
		var err error
		result, err = e.inner.EmbedBatch(ctx, texts)
		return err
	})
	return result, err
}

// Dimensions reports the wrapped provider's vector dimensionality.
func (e *Embeddings) Dimensions() int { return e.inner.Dimensions() }

// ModelID reports the wrapped provider's model identifier.
func (e *Embeddings) ModelID() string { return e.inner.ModelID() }

// State exposes the breaker state for health reporting.
func (e *Embeddings) State() State { return e.breaker.State() }
