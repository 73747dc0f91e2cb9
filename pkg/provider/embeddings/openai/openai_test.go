package openai

import (
	"testing"
)

// TestModelDimensions covers the known-model width table and the fallback.
func TestModelDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"TEXT-EMBEDDING-3-LARGE", 3072},
		{"some-future-model", 1536},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			if got := modelDimensions(tc.model); got != tc.want {
				t.Errorf("modelDimensions(%q) = %d, want %d", tc.model, got, tc.want)
			}
		})
	}
}

// TestDimensions_NativeWidth verifies Dimensions() without an override.
func TestDimensions_NativeWidth(t *testing.T) {
	p := &Provider{model: "text-embedding-3-large"}
	if got := p.Dimensions(); got != 3072 {
		t.Errorf("Dimensions() = %d, want 3072", got)
	}
}

// TestDimensions_Override verifies that WithDimensions wins over the model table.
func TestDimensions_Override(t *testing.T) {
	p, err := New("sk-test", "text-embedding-3-large", WithDimensions(768))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.Dimensions(); got != 768 {
		t.Errorf("Dimensions() = %d, want 768", got)
	}
}

// TestModelID verifies that ModelID returns the model string as-is.
func TestModelID(t *testing.T) {
	p := &Provider{model: "my-custom-embeddings-model"}
	if got := p.ModelID(); got != "my-custom-embeddings-model" {
		t.Errorf("ModelID() = %q", got)
	}
}

// TestNew_DefaultModel verifies that an empty model string defaults to 3-small.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

// TestNew_MissingAPIKey checks that an empty API key is rejected.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "text-embedding-3-small")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_Options verifies that options are accepted without error.
func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "text-embedding-3-small",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
		WithDimensions(256),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

// TestFloat64ToFloat32 verifies the conversion helper.
func TestFloat64ToFloat32(t *testing.T) {
	in := []float64{1.0, 2.5, -0.5}
	out := float64ToFloat32(in)
	if len(out) != len(in) {
		t.Fatalf("expected %d elements, got %d", len(in), len(out))
	}
	for i, v := range out {
		if v != float32(in[i]) {
			t.Errorf("index %d: expected %v, got %v", i, float32(in[i]), v)
		}
	}
}
