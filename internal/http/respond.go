package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Dzakiart19/hostingtele/internal/service/auth"
	"github.com/Dzakiart19/hostingtele/internal/service/deploy"
	"github.com/Dzakiart19/hostingtele/internal/service/lifecycle"
	"github.com/Dzakiart19/hostingtele/internal/service/project"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto status codes. Unknown errors are
// logged and reported without detail.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var verr *deploy.ValidationError
	var aerr *auth.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message, "rule": verr.Rule})
	case errors.As(err, &aerr):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed", "reason": string(aerr.Kind)})
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, lifecycle.ErrConflict):
		writeError(w, http.StatusConflict, lifecycle.ErrConflict.Error())
	case errors.Is(err, lifecycle.ErrInvalidState):
		writeError(w, http.StatusConflict, lifecycle.ErrInvalidState.Error())
	default:
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
