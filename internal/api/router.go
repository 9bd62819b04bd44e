// Package api exposes the HTTP surface: session lifecycle, execution
// requests, and artifact downloads.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/j-brandt/codecell/internal/config"
)

type Server struct {
	cfg       *config.Config
	manager   SessionService
	validator CodeValidator
	files     FileResolver
	logger    *slog.Logger
	mux       *http.ServeMux
}

func NewServer(cfg *config.Config, mgr SessionService, val CodeValidator, files FileResolver, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   mgr,
		validator: val,
		files:     files,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)

	s.mux.HandleFunc("POST /v1/execute", s.handleExecute)
	s.mux.HandleFunc("GET /v1/execute/{id}/status", s.handleExecuteStatus)
	s.mux.HandleFunc("GET /v1/execute/{id}/results", s.handleExecuteResults)

	s.mux.HandleFunc("GET /v1/files/{request_id}", s.handleListFiles)
	s.mux.HandleFunc("GET /v1/files/{request_id}/{file}", s.handleGetFile)

	// Health check (no auth)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
