package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/user/appforge/internal/orchestrator"
	"github.com/user/appforge/internal/types"
)

// buildResponse is the API view of a build. Conversation history and
// checkpoint data stay internal; clients follow progress through the event
// feed.
type buildResponse struct {
	ID             types.BuildID   `json:"id"`
	ProjectID      types.ProjectID `json:"project_id,omitempty"`
	Spec           string          `json:"spec,omitempty"`
	Harness        string          `json:"harness"`
	Provider       string          `json:"provider"`
	Tier           string          `json:"tier,omitempty"`
	TargetFeatures int             `json:"target_features,omitempty"`
	ReviewGates    bool            `json:"review_gates"`
	Status         types.Status    `json:"status"`
	Progress       types.Progress  `json:"progress"`
	ArtifactKey    string          `json:"artifact_key,omitempty"`
	Error          string          `json:"error,omitempty"`
	PausedAt       *time.Time      `json:"paused_at,omitempty"`
	PauseReason    string          `json:"pause_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// toBuildResponse converts a build for the wire. The specification text is
// only carried on detail responses; list rows stay small.
func toBuildResponse(b *types.Build, withSpec bool) buildResponse {
	resp := buildResponse{
		ID:             b.ID,
		ProjectID:      b.ProjectID,
		Harness:        b.HarnessName,
		Provider:       b.Provider,
		Tier:           b.Tier,
		TargetFeatures: b.TargetFeatures,
		ReviewGates:    b.ReviewGates,
		Status:         b.Status,
		Progress:       b.Progress,
		ArtifactKey:    b.ArtifactKey,
		Error:          b.Error,
		PausedAt:       b.PausedAt,
		PauseReason:    b.PauseReason,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
	if withSpec {
		resp.Spec = b.Spec
	}
	return resp
}

// createBuildRequest is the JSON body for POST /api/builds.
type createBuildRequest struct {
	Spec           string `json:"spec"`
	ProjectID      string `json:"project_id"`
	Harness        string `json:"harness"`
	Provider       string `json:"provider"`
	Tier           string `json:"tier"`
	TargetFeatures int    `json:"target_features"`
	ReviewGates    bool   `json:"review_gates"`
}

func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createBuildRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	b, err := s.orch.Create(r.Context(), orchestrator.CreateParams{
		UserID:         user,
		ProjectID:      types.ProjectID(req.ProjectID),
		Spec:           req.Spec,
		Harness:        req.Harness,
		Provider:       req.Provider,
		Tier:           req.Tier,
		TargetFeatures: req.TargetFeatures,
		ReviewGates:    req.ReviewGates,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBuildResponse(b, true))
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	builds, err := s.orch.List(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]buildResponse, 0, len(builds))
	for _, b := range builds {
		out = append(out, toBuildResponse(b, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.orch.Get(r.Context(), user, buildID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBuildResponse(b, true))
}

func (s *Server) handleDeleteBuild(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.orch.Delete(r.Context(), user, buildID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	afterSeq, err := queryInt64(r, "after_seq")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("limit must be a positive integer: %w", types.ErrInvalid))
			return
		}
		limit = n
	}

	evs, err := s.orch.Events(r.Context(), user, buildID(r), afterSeq, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if evs == nil {
		evs = []*types.BuildEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// handleStreamEvents serves the live event feed as server-sent events.
// Subscription happens before the backfill read, and live events at or
// below the last backfilled sequence are dropped, so a client sees every
// event exactly once even when one lands during the handoff.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unavailable", Message: "event streaming is not enabled"})
		return
	}
	afterSeq, err := queryInt64(r, "after_seq")
	if err != nil {
		writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	id := buildID(r)
	ch, cancel := s.bus.Subscribe(id)
	defer cancel()

	// Ownership check and backfill in one read.
	backlog, err := s.orch.Events(r.Context(), user, id, afterSeq, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeq := afterSeq
	for _, ev := range backlog {
		writeSSE(w, ev)
		lastSeq = ev.Seq
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			writeSSE(w, ev)
			lastSeq = ev.Seq
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *types.BuildEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// approveRequest is the JSON body for POST /api/builds/{id}/approve.
// Content, when present, replaces the reviewed artifact in the sandbox.
type approveRequest struct {
	Gate    string `json:"gate"`
	Content string `json:"content"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.orch.Approve(r.Context(), user, buildID(r), req.Gate, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBuildResponse(b, false))
}

// pauseRequest is the optional JSON body for POST /api/builds/{id}/pause.
type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.orch.Pause(r.Context(), user, buildID(r), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBuildResponse(b, false))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.orch.Resume(r.Context(), user, buildID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBuildResponse(b, false))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := s.orch.Restart(r.Context(), user, buildID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBuildResponse(b, false))
}

func (s *Server) handleStartPreview(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	session, err := s.orch.StartPreview(r.Context(), user, buildID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handlePreviewStatus(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	session, err := s.orch.PreviewStatus(r.Context(), user, buildID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStopPreview(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	session, err := s.orch.StopPreview(r.Context(), user, buildID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// extendPreviewRequest is the optional JSON body for preview/extend. Zero
// minutes extends by the manager's default session length.
type extendPreviewRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) handleExtendPreview(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req extendPreviewRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Minutes < 0 {
		writeError(w, r, fmt.Errorf("minutes must not be negative: %w", types.ErrInvalid))
		return
	}
	session, err := s.orch.ExtendPreview(r.Context(), user, buildID(r), time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func queryInt64(r *http.Request, name string) (int64, error) {
	q := r.URL.Query().Get(name)
	if q == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(q, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", name, types.ErrInvalid)
	}
	return n, nil
}
