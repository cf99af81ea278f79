// Package health implements component C: scheduled HTTP or script
// health checks producing pass/fail verdicts, with a sliding window of
// consecutive failures deciding when to request a restart.
package health

import (
	"bytes"
	"context"
	"net/http"
	"os/exec"
	"time"

	"github.com/oxidekit/oxidepm/pkg/spec"
)

// Verdict is the outcome of a single probe.
type Verdict struct {
	Healthy bool
	Message string
}

// Check runs a single probe per the spec's kind.
func Check(ctx context.Context, h spec.HealthCheckSpec, cwd string, env []string) Verdict {
	switch h.Kind {
	case spec.HealthCheckHTTP:
		return checkHTTP(ctx, h)
	case spec.HealthCheckScript:
		return checkScript(ctx, h, cwd, env)
	default:
		return Verdict{Healthy: true}
	}
}

func checkHTTP(ctx context.Context, h spec.HealthCheckSpec) Verdict {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Verdict{Healthy: false, Message: "bad request: " + err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Verdict{Healthy: false, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Verdict{Healthy: true}
	}
	return Verdict{Healthy: false, Message: http.StatusText(resp.StatusCode)}
}

func checkScript(ctx context.Context, h spec.HealthCheckSpec, cwd string, env []string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Path)
	cmd.Dir = cwd
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Verdict{Healthy: false, Message: "timed out"}
	}
	if err != nil {
		return Verdict{Healthy: false, Message: out.String()}
	}
	return Verdict{Healthy: true}
}

// Window tracks the last FailureThreshold verdicts and decides whether
// the threshold of consecutive failures has been met. It is not
// goroutine-safe; the owning supervisor serializes access.
type Window struct {
	threshold        int
	consecutiveFails int
	initialized      bool
}

func NewWindow(threshold int) *Window {
	if threshold < 1 {
		threshold = 1
	}
	return &Window{threshold: threshold}
}

// Observe records one verdict and reports whether the consecutive
// failure threshold has now been reached. The first observation after
// construction initializes the window; a failing first observation
// already counts as one consecutive failure.
func (w *Window) Observe(v Verdict) (thresholdReached bool) {
	if !w.initialized {
		w.initialized = true
		if !v.Healthy {
			w.consecutiveFails = 1
		}
		return w.consecutiveFails >= w.threshold
	}
	if v.Healthy {
		w.consecutiveFails = 0
		return false
	}
	w.consecutiveFails++
	return w.consecutiveFails >= w.threshold
}

// Reset clears the window.
func (w *Window) Reset() {
	w.consecutiveFails = 0
	w.initialized = false
}

// StartGraceElapsed reports whether enough time has passed since
// startedAt for probing to begin, per the suppression-during-start_grace
// decision.
func StartGraceElapsed(startedAt time.Time, grace time.Duration) bool {
	return time.Since(startedAt) >= grace
}
