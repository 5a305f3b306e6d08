package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/user/appforge/internal/orchestrator"
	"github.com/user/appforge/internal/types"
)

// errorResponse is the uniform error body. Error is a stable machine code,
// Message says what went wrong in words. No other shape ever leaves this
// package on a failure.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError classifies err into a status and code and writes the envelope.
// Internal errors are logged here and sent opaque so driver details and
// stack traces never reach the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

func classify(err error) (status int, code string) {
	var capacity *orchestrator.CapacityError
	switch {
	case errors.Is(err, types.ErrInvalid):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.As(err, &capacity):
		return http.StatusTooManyRequests, "capacity"
	case errors.Is(err, orchestrator.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
