package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
	"recognizer": {"whisper", "whisper-native"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout_ms %d must not be negative", cfg.Server.ShutdownTimeoutMs))
	}

	// Controller
	if cfg.Controller.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("controller.debounce_ms %d must not be negative", cfg.Controller.DebounceMs))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("recognizer", cfg.Recognizer.Name)

	// Recognizer engine requirements.
	switch cfg.Recognizer.Name {
	case "":
		// Voice input disabled; sessions are text-only.
	case "whisper":
		if cfg.Recognizer.ServerURL == "" {
			errs = append(errs, errors.New("recognizer.server_url is required when recognizer.name is whisper"))
		}
	case "whisper-native":
		if cfg.Recognizer.ModelPath == "" {
			errs = append(errs, errors.New("recognizer.model_path is required when recognizer.name is whisper-native"))
		}
	}
	if cfg.Recognizer.SilenceThresholdMs < 0 {
		errs = append(errs, fmt.Errorf("recognizer.silence_threshold_ms %d must not be negative", cfg.Recognizer.SilenceThresholdMs))
	}
	if cfg.Recognizer.MaxBufferMs < 0 {
		errs = append(errs, fmt.Errorf("recognizer.max_buffer_ms %d must not be negative", cfg.Recognizer.MaxBufferMs))
	}

	// Embeddings are mandatory: retrieval cannot work without them.
	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.name is required"))
	}

	// Docstore
	if cfg.Docstore.Kind != "" && !cfg.Docstore.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("docstore.kind %q is invalid; valid values: memory, postgres", cfg.Docstore.Kind))
	}
	if cfg.Docstore.Kind == DocstorePostgres {
		if cfg.Docstore.PostgresDSN == "" {
			errs = append(errs, errors.New("docstore.postgres_dsn is required when docstore.kind is postgres"))
		}
		if cfg.Docstore.EmbeddingDimensions <= 0 {
			errs = append(errs, fmt.Errorf("docstore.embedding_dimensions %d must be positive when docstore.kind is postgres", cfg.Docstore.EmbeddingDimensions))
		}
	}
	if cfg.Docstore.Kind == DocstoreMemory || cfg.Docstore.Kind == "" {
		slog.Warn("docstore is in-memory; documents must be re-ingested on every start")
	}

	// Answer
	if cfg.Answer.TopK < 0 {
		errs = append(errs, fmt.Errorf("answer.top_k %d must not be negative", cfg.Answer.TopK))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; answers are served in retrieval-only mode")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
