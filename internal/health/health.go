// Package health serves the liveness and readiness probes. Liveness only
// proves the process is up; readiness additionally requires the ready gate
// to be open and every dependency check to pass, so deployments can keep
// traffic away from replicas that are not settling auctions.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/larsvolden/squad-auction-service/internal/clock"
)

// checkTimeout bounds one readiness sweep across all checkers.
const checkTimeout = 5 * time.Second

// CheckResult reports the outcome of a single dependency probe.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Status is the probe response body.
type Status struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Checker is a named dependency probe, such as a database ping.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler serves the probe endpoints.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	clock    clock.Clock
}

// NewHandler returns a Handler that reports not-ready until SetReady(true).
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk}
}

// SetReady opens or closes the readiness gate.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// LivenessHandler answers 200 whenever the process can serve HTTP.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{
			Status:    "ok",
			Timestamp: h.clock.Now().UTC(),
		})
	}
}

// ReadinessHandler answers 200 only when the gate is open and every checker
// passes, and 503 with the failing checks in the body otherwise.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready := h.ready
		h.mu.RUnlock()

		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, Status{
				Status:    "not_ready",
				Timestamp: h.clock.Now().UTC(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		checks, ok := h.runChecks(ctx)
		status, code := "ready", http.StatusOK
		if !ok {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, code, Status{
			Status:    status,
			Checks:    checks,
			Timestamp: h.clock.Now().UTC(),
		})
	}
}

func (h *Handler) runChecks(ctx context.Context) (map[string]CheckResult, bool) {
	results := make(map[string]CheckResult, len(h.checkers))
	ok := true
	for _, c := range h.checkers {
		started := h.clock.Now()
		err := c.Check(ctx)
		res := CheckResult{
			Status:   "ok",
			Duration: h.clock.Now().Sub(started).String(),
		}
		if err != nil {
			res.Status = "failed"
			res.Error = err.Error()
			ok = false
		}
		results[c.Name] = res
	}
	return results, ok
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
