// Package health provides the HTTP health check handler.
//
// GET /health evaluates a set of named [Checker] probes (database, voice
// service, video service) and reports each as "up" or "down". The overall
// status is "healthy" only when every probe passes; otherwise the response is
// "degraded" with a 503.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single probe may take before the
// context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "database",
	// "voice_service"). It appears as a key in the services map.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for the health endpoint.
type result struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}

// Handler serves the /health endpoint. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each request.
// The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Health evaluates every registered [Checker] with a [checkTimeout] deadline
// derived from the request context. The response reports each service as
// "up" or "down" and an overall "healthy"/"degraded" status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]string, len(h.checkers))
	allUp := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			services[c.Name] = "down"
			allUp = false
		} else {
			services[c.Name] = "up"
		}
	}

	res := result{
		Status:   "healthy",
		Services: services,
	}
	status := http.StatusOK
	if !allUp {
		res.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
