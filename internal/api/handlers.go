// Package api provides the HTTP surface of the workspace daemon: the
// execute stream for callers and the admin endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convoshed/workspaced/internal/config"
	"github.com/convoshed/workspaced/internal/lock"
	"github.com/convoshed/workspaced/internal/metrics"
	"github.com/convoshed/workspaced/internal/orchestrator"
	"github.com/convoshed/workspaced/internal/sandbox"
)

// Server handles HTTP requests for the workspace daemon.
type Server struct {
	orch *orchestrator.Orchestrator
}

// NewServer creates an API Server over the orchestrator.
func NewServer(orch *orchestrator.Orchestrator) *Server {
	return &Server{orch: orch}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps the wrapped writer usable for event streaming.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(message))
}

// HandleRequest is the main request handler.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	path := r.URL.Path
	if path == "" {
		path = "/"
	}

	wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	s.route(wrapped, r)

	if path != "/metrics" {
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	}
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Request received", "method", r.Method, "url", r.URL.String())

	switch r.URL.Path {
	case "/metrics":
		promhttp.Handler().ServeHTTP(w, r)
	case "/health":
		s.handleHealth(w, r)
	case "/version":
		s.handleVersion(w, r)
	case "/execute":
		s.handleExecute(w, r)
	default:
		sendError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": config.Version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"version":   config.Version,
		"gitCommit": config.GitCommit,
		"buildTime": config.BuildTime,
	})
}

// handleExecute relays the agent event stream to the caller as newline
// delimited events. Errors before the first event map to HTTP statuses;
// after that the stream carries its own error events.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req sandbox.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	err := s.orch.Execute(r.Context(), &req, w)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrConversationLocked):
		sendError(w, http.StatusConflict, "conversation is locked by another request")
	case errors.Is(err, lock.ErrAcquireTimeout):
		sendError(w, http.StatusConflict, "conversation lock wait budget exhausted")
	default:
		slog.Error("Execute failed", "conversation_id", req.ConversationID, "error", err)
		sendError(w, http.StatusInternalServerError, "execute failed")
	}
}
