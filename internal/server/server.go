// Package server exposes the build engine over HTTP: build CRUD, lifecycle
// operations (approve, pause, resume, restart), the event feed with its
// live stream, and preview sessions. Identity arrives in the X-User-ID
// header from the gateway that fronts this API; the server enforces
// ownership, the orchestrator enforces everything else.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/user/appforge/internal/events"
	"github.com/user/appforge/internal/orchestrator"
	"github.com/user/appforge/internal/types"
)

// userHeader carries the caller's user id. Authentication itself happens
// upstream; an empty header is a malformed request, not a forbidden one.
const userHeader = "X-User-ID"

// Server routes the HTTP API. It implements http.Handler; the serve command
// owns the listener and shutdown.
type Server struct {
	orch *orchestrator.Orchestrator
	bus  *events.Bus
	mux  *http.ServeMux
}

// New wires the route table. bus may be nil, which disables the live event
// stream endpoint but leaves polling intact.
func New(orch *orchestrator.Orchestrator, bus *events.Bus) *Server {
	s := &Server{orch: orch, bus: bus, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/builds", s.handleCreateBuild)
	s.mux.HandleFunc("GET /api/builds", s.handleListBuilds)
	s.mux.HandleFunc("GET /api/builds/{id}", s.handleGetBuild)
	s.mux.HandleFunc("DELETE /api/builds/{id}", s.handleDeleteBuild)
	s.mux.HandleFunc("GET /api/builds/{id}/events", s.handleListEvents)
	s.mux.HandleFunc("GET /api/builds/{id}/events/stream", s.handleStreamEvents)
	s.mux.HandleFunc("POST /api/builds/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/builds/{id}/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/builds/{id}/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/builds/{id}/restart", s.handleRestart)
	s.mux.HandleFunc("POST /api/builds/{id}/preview", s.handleStartPreview)
	s.mux.HandleFunc("GET /api/builds/{id}/preview", s.handlePreviewStatus)
	s.mux.HandleFunc("DELETE /api/builds/{id}/preview", s.handleStopPreview)
	s.mux.HandleFunc("POST /api/builds/{id}/preview/extend", s.handleExtendPreview)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID extracts the caller identity from the request headers.
func userID(r *http.Request) (types.UserID, error) {
	id := r.Header.Get(userHeader)
	if id == "" {
		return "", fmt.Errorf("missing %s header: %w", userHeader, types.ErrInvalid)
	}
	return types.UserID(id), nil
}

func buildID(r *http.Request) types.BuildID {
	return types.BuildID(r.PathValue("id"))
}

// decodeBody decodes a JSON request body into v. An empty body is fine for
// operations whose parameters are all optional.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", types.ErrInvalid)
	}
	return nil
}
