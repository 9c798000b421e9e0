package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/visage-ai/visage/internal/apperr"
	"github.com/visage-ai/visage/internal/observe"
	"github.com/visage-ai/visage/pkg/store"
)

// errorBody is the JSON shape of every error response. Quota rejections
// additionally carry the counter pre-image so clients can render the budget.
type errorBody struct {
	Error     string   `json:"error"`
	Field     string   `json:"field,omitempty"`
	Used      *float64 `json:"used,omitempty"`
	Limit     *float64 `json:"limit,omitempty"`
	Remaining *float64 `json:"remaining,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	}
}

// writeError maps a classified error onto its HTTP status and body. Internal
// details never leak: unclassified failures answer with a generic 500 and the
// cause goes to the log.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}

	e, ok := apperr.AsError(err)
	if !ok {
		observe.Logger(ctx).Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}

	switch e.Kind {
	case apperr.KindValidation:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: e.Message, Field: e.Field})
	case apperr.KindAvatarIncomplete:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: e.Message})
	case apperr.KindUnauthorized, apperr.KindWorkerAuthFailed:
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: e.Message})
	case apperr.KindQuotaExceeded:
		used, limit := e.Used, e.Limit
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		writeJSON(w, http.StatusForbidden, errorBody{
			Error:     e.Message,
			Used:      &used,
			Limit:     &limit,
			Remaining: &remaining,
		})
	case apperr.KindAvatarNotFound:
		writeJSON(w, http.StatusNotFound, errorBody{Error: e.Message})
	default:
		observe.Logger(ctx).Error("request failed", "kind", e.Kind.String(), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}
