package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc reports a dependency's health; nil means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker tracks liveness and readiness. The process is ready once
// recovery has finished and every registered check passes.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		timeout:   2 * time.Second,
		checks:    make(map[string]CheckFunc),
	}
}

// SetReady marks recovery as complete (or not).
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// AddCheck registers a named readiness check, replacing one of the same name.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every readiness check and returns failures by name.
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	failed := map[string]string{}
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

// IsReady reports whether recovery finished and every check passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.ready.Load() && len(h.Check(ctx)) == 0
}

// LivenessHandler answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 when ready and 503 with the failing checks
// otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "recovering"})
		return
	}
	if failed := h.Check(r.Context()); len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
