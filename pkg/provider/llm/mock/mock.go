// Package mock provides a scripted test double for the llm.Provider interface.
//
// Responses are served in order from the Responses slice; when the slice is
// exhausted the provider returns Err (or a default error when Err is nil).
// Recorded requests can be inspected with Requests.
package mock

import (
	"context"
	"errors"
	"sync"

	"voxquery/pkg/provider/llm"
)

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu       sync.Mutex
	requests []llm.CompletionRequest
	next     int

	// Responses are returned in order by successive Complete calls.
	Responses []string

	// Err, if non-nil, is returned from every Complete call.
	Err error
}

// New creates a mock provider that replies with the given responses in order.
func New(responses ...string) *Provider {
	return &Provider{Responses: responses}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.next >= len(p.Responses) {
		return nil, errors.New("mock: no scripted responses left")
	}
	content := p.Responses[p.next]
	p.next++
	return &llm.CompletionResponse{Content: content}, nil
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string { return "mock" }

// Requests returns a copy of all recorded completion requests.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
