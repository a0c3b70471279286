package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Rsync25/bria/internal/apperr"
)

// apiError is the JSON error envelope every handler error returns,
// adapted from the teacher's models.APIError shape.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.Classify(err)
	status := statusForKind(kind)
	slog.Warn("request failed", "kind", kind.String(), "error", err, "status", status)

	var resp apiError
	resp.Error.Code = kind.String()
	resp.Error.Message = err.Error()
	writeJSON(w, status, resp)
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindParse:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConsistency:
		return http.StatusConflict
	case apperr.KindExternal:
		return http.StatusBadGateway
	case apperr.KindSigning:
		return http.StatusBadGateway
	case apperr.KindInfra:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
