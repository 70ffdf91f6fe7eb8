// Package api implements the HTTP surface: chat over SSE, thread
// inspection, usage summaries, and a WebSocket feed of operational
// events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/almanac-ai/almanac/internal/agent"
	"github.com/almanac-ai/almanac/internal/auth"
	"github.com/almanac-ai/almanac/internal/buildinfo"
	"github.com/almanac-ai/almanac/internal/events"
	"github.com/almanac-ai/almanac/internal/store"
	"github.com/almanac-ai/almanac/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    *agent.Loop
	threads *store.Memory
	bus     *events.Bus
	usage   *usage.Store
	auth    auth.Authenticator
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the API server. threads, bus and usage may be nil;
// the corresponding endpoints then report service unavailable. A nil
// authenticator rejects every guarded request.
func NewServer(address string, port int, loop *agent.Loop, threads *store.Memory, bus *events.Bus, us *usage.Store, authn auth.Authenticator, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		threads: threads,
		bus:     bus,
		usage:   us,
		auth:    authn,
		logger:  logger,
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Chat authenticates inside the loop so an unauthenticated caller
	// still receives the short-circuit over the stream contract.
	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("GET /v1/threads", s.withAuth(s.handleThreadList))
	mux.HandleFunc("GET /v1/threads/{id}", s.withAuth(s.handleThreadGet))
	mux.HandleFunc("GET /v1/threads/{id}/html", s.withAuth(s.handleThreadTranscript))

	mux.HandleFunc("GET /v1/usage", s.withAuth(s.handleUsage))

	mux.HandleFunc("GET /ws/events", s.withAuth(s.handleEventsWS))

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and WebSocket connections are long-lived
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withAuth guards a handler behind bearer-token authentication. Stored
// transcripts and accounting are as sensitive as the chat itself, so
// every read endpoint presents the same credential the chat does.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || s.auth.Authenticate(r.Context(), bearerToken(r)) == nil {
			s.errorResponse(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next(w, r)
	}
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(value, "Bearer "); ok {
		return token
	}
	return ""
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Almanac",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "thread store not configured")
		return
	}

	infos := s.threads.List()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"threads": infos,
		"count":   len(infos),
	}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "thread store not configured")
		return
	}

	id := r.PathValue("id")
	messages := s.threads.Get(id)
	if len(messages) == 0 {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":       id,
		"messages": messages,
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid since time: "+err.Error())
			return
		}
		start = t
	}

	sum, err := s.usage.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"since":    start.UTC().Format(time.RFC3339),
		"totals":   sum,
		"by_model": byModel,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
