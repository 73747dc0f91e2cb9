// Command voxquery is the document question-answering server: it ingests
// text documents into a vector store, answers queries over them, and drives
// the voice-or-text query UI over WebSockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"voxquery/internal/answer"
	"voxquery/internal/backend"
	"voxquery/internal/config"
	"voxquery/internal/docstore"
	docstorepg "voxquery/internal/docstore/postgres"
	"voxquery/internal/health"
	"voxquery/internal/observe"
	"voxquery/internal/querylog"
	"voxquery/internal/recognizer"
	"voxquery/internal/recognizer/whisper"
	"voxquery/internal/resilience"
	"voxquery/internal/server"
	"voxquery/pkg/provider/embeddings"
	ollamaembed "voxquery/pkg/provider/embeddings/ollama"
	oaembed "voxquery/pkg/provider/embeddings/openai"
	"voxquery/pkg/provider/llm"
	"voxquery/pkg/provider/llm/anyllm"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	ingestDir := flag.String("ingest", "", "ingest all documents under this directory, then exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxquery: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxquery: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxquery starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	rawEmbedder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to create embeddings provider", "name", cfg.Providers.Embeddings.Name, "err", err)
		return 1
	}
	// A down embedding server should fail queries fast, not stall each one on
	// its timeout.
	embedder := resilience.NewEmbeddings(rawEmbedder, resilience.CircuitBreakerConfig{})
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name)

	var llmProvider llm.Provider
	if name := cfg.Providers.LLM.Name; name != "" {
		llmProvider, err = reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			slog.Error("failed to create llm provider", "name", name, "err", err)
			return 1
		}
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
	}

	// ── Document store ────────────────────────────────────────────────────────
	store, storeClose, err := buildDocstore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open document store", "err", err)
		return 1
	}
	defer storeClose()

	// ── Ingest mode ───────────────────────────────────────────────────────────
	if *ingestDir != "" {
		return runIngest(ctx, store, embedder, *ingestDir)
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxquery"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Answering pipeline ────────────────────────────────────────────────────
	answerOpts := []answer.Option{}
	if cfg.Answer.TopK > 0 {
		answerOpts = append(answerOpts, answer.WithTopK(cfg.Answer.TopK))
	}
	if llmProvider != nil {
		answerOpts = append(answerOpts, answer.WithLLM(llmProvider))
	}
	responder, err := answer.New(store, embedder, answerOpts...)
	if err != nil {
		slog.Error("failed to build responder", "err", err)
		return 1
	}

	var qlog *querylog.Logger
	if cfg.Querylog.Path != "" {
		qlog, err = querylog.New(cfg.Querylog.Path)
		if err != nil {
			slog.Error("failed to open query log", "path", cfg.Querylog.Path, "err", err)
			return 1
		}
	}

	// ── Sessions ──────────────────────────────────────────────────────────────
	// Sessions submit through the public /query endpoint like any other
	// client, so the query path is exercised end to end.
	client, err := backend.New(loopbackURL(cfg.Server.ListenAddr))
	if err != nil {
		slog.Error("failed to build query client", "err", err)
		return 1
	}

	var engineFactory server.EngineFactory
	if cfg.Recognizer.Name != "" {
		rc := cfg.Recognizer
		engineFactory = func() (recognizer.Engine, error) {
			return reg.CreateRecognizer(rc)
		}
		slog.Info("voice input enabled", "engine", rc.Name)
	}

	sessions := server.NewSessionManager(server.SessionConfig{
		Backend:   client,
		NewEngine: engineFactory,
		Debounce:  time.Duration(cfg.Controller.DebounceMs) * time.Millisecond,
		Metrics:   metrics,
	})

	// ── Health checkers ───────────────────────────────────────────────────────
	checkers := []health.Checker{health.Docstore(store)}
	if probe := recognizerProbe(cfg.Recognizer); probe != nil {
		checkers = append(checkers, health.Recognizer(probe))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv, err := server.New(server.Config{
		Addr:            cfg.Server.ListenAddr,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutMs) * time.Millisecond,
	}, responder, sessions, qlog, metrics, checkers...)
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.DebounceChanged {
			slog.Info("debounce change takes effect for new sessions", "debounce_ms", d.NewDebounceMs)
		}
		if d.TopKChanged {
			slog.Info("top_k change requires a restart", "top_k", d.NewTopK)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runIngest chunks, embeds, and indexes every document under dir.
func runIngest(ctx context.Context, store docstore.Store, embedder embeddings.Provider, dir string) int {
	ing, err := docstore.NewIngester(store, embedder)
	if err != nil {
		slog.Error("failed to build ingester", "err", err)
		return 1
	}
	start := time.Now()
	chunks, err := ing.IngestDir(ctx, dir)
	if err != nil {
		slog.Error("ingestion failed", "dir", dir, "err", err)
		return 1
	}
	slog.Info("ingestion complete",
		"dir", dir,
		"chunks", chunks,
		"took", time.Since(start).Round(time.Millisecond),
	)
	return 0
}

// buildDocstore opens the configured store. The returned close function is a
// no-op for the in-memory store.
func buildDocstore(ctx context.Context, cfg *config.Config) (docstore.Store, func(), error) {
	switch cfg.Docstore.Kind {
	case config.DocstorePostgres:
		pg, err := docstorepg.New(ctx, cfg.Docstore.PostgresDSN, cfg.Docstore.EmbeddingDimensions)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("document store opened", "kind", "postgres", "dimensions", cfg.Docstore.EmbeddingDimensions)
		return pg, pg.Close, nil
	default:
		slog.Info("document store opened", "kind", "memory")
		return docstore.NewMemory(), func() {}, nil
	}
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if d, ok := entry.Options["dimensions"].(int); ok && d > 0 {
			opts = append(opts, oaembed.WithDimensions(d))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if ka, ok := entry.Options["keep_alive"].(string); ok && ka != "" {
			opts = append(opts, ollamaembed.WithKeepAlive(ka))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── Recognizers ───────────────────────────────────────────────────────────

	reg.RegisterRecognizer("whisper", func(rc config.RecognizerConfig) (recognizer.Engine, error) {
		opts := whisperOptions(rc)
		return whisper.New(rc.ServerURL, opts...)
	})

	reg.RegisterRecognizer("whisper-native", func(rc config.RecognizerConfig) (recognizer.Engine, error) {
		opts := whisperOptions(rc)
		return whisper.NewNative(rc.ModelPath, opts...)
	})
}

func whisperOptions(rc config.RecognizerConfig) []whisper.Option {
	var opts []whisper.Option
	if rc.Language != "" {
		opts = append(opts, whisper.WithLanguage(rc.Language))
	}
	if rc.SilenceThresholdMs > 0 {
		opts = append(opts, whisper.WithSilenceThresholdMs(rc.SilenceThresholdMs))
	}
	if rc.MaxBufferMs > 0 {
		opts = append(opts, whisper.WithMaxBufferDurationMs(rc.MaxBufferMs))
	}
	return opts
}

// recognizerProbe returns a readiness probe for the configured engine, or nil
// when voice input is disabled.
func recognizerProbe(rc config.RecognizerConfig) func(ctx context.Context) error {
	switch rc.Name {
	case "whisper":
		url := rc.ServerURL
		return func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("whisper server unhealthy: status %d", resp.StatusCode)
			}
			return nil
		}
	case "whisper-native":
		path := rc.ModelPath
		return func(context.Context) error {
			_, err := os.Stat(path)
			return err
		}
	default:
		return nil
	}
}

// loopbackURL converts a listen address into the base URL sessions use to
// reach the local /query endpoint.
func loopbackURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
