// Package health provides the agent's operational HTTP handlers.
//
// Three endpoints are exposed:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /statusz — live session status: lifecycle state, who is speaking,
//     and how much conversation has accumulated.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "archive",
	// "audio"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Status is the /statusz response body, a point-in-time snapshot of the
// active session.
type Status struct {
	State             string `json:"state"`
	UserSpeaking      bool   `json:"user_speaking"`
	ModelSpeaking     bool   `json:"model_speaking"`
	TranscriptEntries int    `json:"transcript_entries"`
	Actions           int    `json:"actions"`
}

// result is the JSON response body for probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the operational endpoints. It is safe for concurrent use;
// the checker list and status source are fixed at construction time.
type Handler struct {
	checkers []Checker
	status   func() Status
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithStatus sets the snapshot source for /statusz and returns h.
func (h *Handler) WithStatus(fn func() Status) *Handler {
	h.status = fn
	return h
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Statusz reports the current session snapshot. Returns 404 when no status
// source has been configured.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the operational routes to mux. /statusz is registered only
// when a status source is present.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /statusz", h.Statusz)
	}
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
