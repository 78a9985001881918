package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"gearhouse-backend/internal/domain"
	"gearhouse-backend/internal/logger"
)

// ErrorResponse is the body of every non-2xx answer. Detail carries the
// structured error (conflicts, missing items, expiry) when there is one.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Code: codeFor(status), Message: message})
}

func codeFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusBadRequest:
		return "invalid_input"
	default:
		return "error"
	}
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict   *domain.ConflictError
		violation  *domain.PolicyViolation
		transition *domain.InvalidTransitionError
		expired    *domain.ExpiredLinkError
	)
	resp := ErrorResponse{Message: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &conflict):
		status, resp.Code, resp.Detail = http.StatusConflict, "conflict", conflict
	case errors.Is(err, domain.ErrConflict):
		status, resp.Code = http.StatusConflict, "conflict"
	case errors.As(err, &violation):
		status, resp.Code, resp.Detail = http.StatusUnprocessableEntity, "policy_violation", violation
	case errors.As(err, &transition):
		status, resp.Code, resp.Detail = http.StatusConflict, "invalid_transition", transition
	case errors.Is(err, domain.ErrInvalidTransition):
		status, resp.Code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrStaleState):
		status, resp.Code = http.StatusConflict, "stale_state"
	case errors.As(err, &expired):
		status, resp.Code, resp.Detail = http.StatusGone, "link_expired", expired
	case errors.Is(err, domain.ErrExpiredLink):
		status, resp.Code = http.StatusGone, "link_expired"
	case errors.Is(err, domain.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrForbidden):
		status, resp.Code = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInvalidInput):
		status, resp.Code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrLedgerUnavailable):
		status, resp.Code = http.StatusServiceUnavailable, "ledger_unavailable"
	default:
		resp.Code = "internal"
		resp.Message = "internal error"
		logger.ErrorContext(r.Context(), "Unhandled error", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}
