// Package backend provides the HTTP client for the query endpoint.
//
// The wire contract is small: POST /query with a JSON body {"query": string};
// a 2xx response carries {"response": string} where newline characters denote
// display line breaks; any other status carries an arbitrary JSON error
// document that is surfaced to the user verbatim. Failed queries are never
// retried.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 60 * time.Second

// StatusError is returned by [Client.Query] when the server replies with a
// non-2xx status. Body holds the raw response payload so callers can render
// it unmodified.
type StatusError struct {
	// StatusCode is the HTTP status the server returned.
	StatusCode int

	// Body is the raw response body, typically a JSON error document.
	Body []byte
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: server returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 seconds,
// which leaves headroom for retrieval plus LLM synthesis on the server side.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Primarily used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Client issues queries against a single backend endpoint. It is safe for
// concurrent use; overlapping queries share the underlying HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the backend at baseURL (e.g.,
// "http://localhost:8000"). A trailing slash is stripped. baseURL must be
// non-empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// queryRequest is the JSON request body for POST /query.
type queryRequest struct {
	Query string `json:"query"`
}

// queryResponse is the JSON success body returned by POST /query.
type queryResponse struct {
	Response string `json:"response"`
}

// Query submits query to the backend and returns the response text.
//
// Error taxonomy:
//   - non-2xx status: a *[StatusError] carrying the raw body.
//   - transport failure or malformed success body: a wrapped plain error.
//
// Query respects ctx cancellation via the request context.
func (c *Client) Query(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(queryRequest{Query: query})
	if err != nil {
		return "", fmt.Errorf("backend: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend: http: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("backend: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: data}
	}

	var result queryResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("backend: parse JSON response: %w", err)
	}
	return result.Response, nil
}
