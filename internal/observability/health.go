package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Set at build time with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a ping function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// ReadinessChecks lists what /readyz verifies. Nil checkers are skipped.
type ReadinessChecks struct {
	OpenAPILoaded func() bool

	WorkflowStore    HealthChecker
	IdempotencyStore HealthChecker
	EventPublisher   HealthChecker
}

const checkTimeout = 2 * time.Second

var errOpenAPIMissing = errors.New("OpenAPI document not loaded")

// HandleHealth serves the liveness check. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	body := HealthResponse{Status: "ok", Version: Version, Commit: Commit}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, body)
	}
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

// list returns the configured checks in a stable order. The API document
// check is always present; the rest only when wired.
func (c ReadinessChecks) list() []namedCheck {
	loaded := c.OpenAPILoaded
	checks := []namedCheck{{"openapi", CheckFunc(func(context.Context) error {
		if loaded == nil || !loaded() {
			return errOpenAPIMissing
		}
		return nil
	})}}
	for _, nc := range []namedCheck{
		{"workflow_store", c.WorkflowStore},
		{"idempotency_store", c.IdempotencyStore},
		{"event_publisher", c.EventPublisher},
	} {
		if nc.checker != nil {
			checks = append(checks, nc)
		}
	}
	return checks
}

// HandleReady serves the readiness check, running every check concurrently
// under its own timeout. Any failing check answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := checks.list()
		outcomes := make([]CheckResult, len(list))

		var wg sync.WaitGroup
		for i, nc := range list {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i] = runCheck(r.Context(), nc.checker)
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(list))}
		code := http.StatusOK
		for i, nc := range list {
			resp.Checks[nc.name] = outcomes[i]
			if outcomes[i].Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
		}
		writeProbe(w, code, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
