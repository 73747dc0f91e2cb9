// Package server exposes voxquery over HTTP: the POST /query answering
// endpoint, the session and audio WebSockets, health probes, and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxquery/internal/answer"
	"voxquery/internal/health"
	"voxquery/internal/observe"
	"voxquery/internal/querylog"
)

// defaultShutdownTimeout bounds graceful shutdown once the run context is
// cancelled.
const defaultShutdownTimeout = 10 * time.Second

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// ShutdownTimeout bounds graceful shutdown. Zero uses the default.
	ShutdownTimeout time.Duration
}

// Server wires the answering pipeline and session manager into an HTTP
// handler tree.
type Server struct {
	cfg       Config
	responder *answer.Responder
	qlog      *querylog.Logger
	sessions  *SessionManager
	metrics   *observe.Metrics
	health    *health.Handler
}

// New creates a Server. responder and sessions must be non-nil; qlog and
// metrics are optional. The given health checkers back the /readyz probe.
func New(cfg Config, responder *answer.Responder, sessions *SessionManager, qlog *querylog.Logger, metrics *observe.Metrics, checkers ...health.Checker) (*Server, error) {
	if responder == nil {
		return nil, errors.New("server: responder must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("server: session manager must not be nil")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		cfg:       cfg,
		responder: responder,
		qlog:      qlog,
		sessions:  sessions,
		metrics:   metrics,
		health:    health.New(checkers...),
	}, nil
}

// Handler builds the full route tree wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /ws/session", s.handleSessionWS)
	mux.HandleFunc("GET /ws/audio", s.handleAudioWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully: in-flight
// requests get the shutdown timeout, then all sessions are torn down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	shutErr := srv.Shutdown(shutCtx)
	s.sessions.CloseAll()
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return shutErr
}

// queryRequest is the JSON body accepted by POST /query.
type queryRequest struct {
	Query string `json:"query"`
}

// queryResponse is the JSON success body of POST /query.
type queryResponse struct {
	Response string `json:"response"`
}

// errorResponse is the JSON error body of POST /query.
type errorResponse struct {
	Error string `json:"error"`
}

// handleQuery answers a single query: greeting short-circuit, retrieval, and
// optional synthesis, then records the exchange in the query log.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeQueryError(r, w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		s.writeQueryError(r, w, http.StatusBadRequest, "query must not be empty", nil)
		return
	}

	start := time.Now()
	response, err := s.responder.Respond(r.Context(), query)
	if err != nil {
		slog.Error("query failed", "err", err)
		if s.metrics != nil {
			s.metrics.RecordQuery(r.Context(), "error", time.Since(start).Seconds())
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	if s.qlog != nil {
		if err := s.qlog.Record(query, response); err != nil {
			slog.Warn("query log write failed", "err", err)
		}
	}
	if s.metrics != nil {
		status := "ok"
		if answer.IsGreeting(query) {
			status = "greeting"
		}
		s.metrics.RecordQuery(r.Context(), status, time.Since(start).Seconds())
	}

	writeJSON(w, http.StatusOK, queryResponse{Response: response})
}

func (s *Server) writeQueryError(r *http.Request, w http.ResponseWriter, status int, msg string, err error) {
	slog.Warn("query rejected", "status", status, "reason", msg, "err", err)
	if s.metrics != nil {
		s.metrics.RecordQuery(r.Context(), "error", 0)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}
