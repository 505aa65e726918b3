// Package health provides the HTTP liveness and readiness handlers of the
// diagnostics listener.
//
//   - /healthz is the liveness check and always returns 200 OK.
//   - /readyz is the readiness check. It returns 200 only when every
//     registered [Checker] passes, e.g. while the playback loop keeps
//     beating its heartbeat.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the component
// is healthy and an error describing the failure otherwise.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "playback").
	Name string

	// Check inspects the component. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pulse is anything that records periodic progress, such as the playback
// heartbeat.
type Pulse interface {
	// Since returns the time elapsed since the last beat and false if there
	// never was one.
	Since() (time.Duration, bool)
}

// ErrNoPulse is reported by a pulse checker before the first beat.
var ErrNoPulse = errors.New("no heartbeat yet")

// PulseChecker returns a Checker named name that fails when p has not beaten
// within timeout.
func PulseChecker(name string, p Pulse, timeout time.Duration) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			d, ok := p.Since()
			if !ok {
				return ErrNoPulse
			}
			if d > timeout {
				return fmt.Errorf("last heartbeat %s ago, limit %s", d.Round(time.Millisecond), timeout)
			}
			return nil
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness check that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every [Checker] concurrently, each bounded by [checkTimeout],
// and returns 200 only when all of them pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		})
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
