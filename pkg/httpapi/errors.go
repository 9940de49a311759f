package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/droverhq/drover/pkg/errors"
)

// errorResponse is the uniform error body. Error carries the wire code
// when the failure has one, otherwise the error kind.
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"traceId"`
}

func statusFor(err error) int {
	if errors.CodeOf(err) == errors.CodeDirectExecutionForbidden {
		return http.StatusForbidden
	}
	switch errors.KindOf(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict, errors.KindBusinessRule:
		return http.StatusConflict
	case errors.KindInsufficientResources:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func labelFor(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return code
	}
	return errors.KindOf(err).String()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{
		Error:     labelFor(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		TraceID:   middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
