package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"appfleet/internal/config"
	"appfleet/internal/domain"
	"appfleet/internal/engine"
)

// ProbeResult is one liveness verdict for a target.
type ProbeResult struct {
	Healthy   bool
	LatencyMS int64
	Detail    string
}

// ProbeFunc checks one target. Returning an error is equivalent to an
// unhealthy result; implementations must honor ctx so a slow probe is a
// failure, never a hang.
type ProbeFunc func(ctx context.Context, target config.Target) (ProbeResult, error)

// HTTPProbe returns the default strategy: GET the target URL and treat
// any response below 500 as healthy.
func HTTPProbe(client *http.Client) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, target config.Target) (ProbeResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
		if err != nil {
			return ProbeResult{}, err
		}
		start := time.Now()
		resp, err := client.Do(req)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return ProbeResult{LatencyMS: latency}, err
		}
		defer resp.Body.Close()
		return ProbeResult{
			Healthy:   resp.StatusCode < http.StatusInternalServerError,
			LatencyMS: latency,
			Detail:    resp.Status,
		}, nil
	}
}

// probeOnce applies the per-probe timeout and folds probe errors into an
// unhealthy result.
func probeOnce(ctx context.Context, probe ProbeFunc, timeout time.Duration, target config.Target) ProbeResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if probe == nil {
		probe = HTTPProbe(nil)
	}
	res, err := probe(ctx, target)
	if err != nil {
		res.Healthy = false
		res.Detail = err.Error()
	}
	return res
}

// Verifier resolves and probes the endpoint behind one verification
// task. Check satisfies the dispatcher callback shape for health_check
// kind tasks.
type Verifier struct {
	Probe   ProbeFunc
	Timeout time.Duration
	Config  *config.Config
}

// Check probes the task's app once. An unhealthy or unreachable endpoint
// is a test_failure verdict, retried up to the ceiling like any failing
// check; an app with no resolvable endpoint passes with a note so
// unconfigured apps stay out of the rollback path.
func (v Verifier) Check(ctx context.Context, t domain.Task) (engine.Completion, error) {
	url := v.resolveURL(t)
	if url == "" {
		note, _ := json.Marshal(map[string]any{"note": "no health endpoint configured"})
		return engine.Completion{Passed: true, ResultJSON: string(note)}, nil
	}
	env := ""
	if t.Environment != nil {
		env = *t.Environment
	}
	res := probeOnce(ctx, v.Probe, v.Timeout, config.Target{App: t.AppName, URL: url, Environment: env})
	snap, _ := json.Marshal(map[string]any{
		"url":        url,
		"healthy":    res.Healthy,
		"latency_ms": res.LatencyMS,
		"detail":     res.Detail,
	})
	if !res.Healthy {
		return engine.Completion{Passed: false, Reason: domain.ReasonTestFailure, ResultJSON: string(snap)}, nil
	}
	return engine.Completion{Passed: true, ResultJSON: string(snap)}, nil
}

func (v Verifier) resolveURL(t domain.Task) string {
	if v.Config == nil {
		return ""
	}
	if o, ok := v.Config.Apps[t.AppName]; ok && o.HealthURL != "" {
		return o.HealthURL
	}
	if t.Environment != nil {
		if env, ok := v.Config.Environments[*t.Environment]; ok && env.PortStart > 0 {
			return fmt.Sprintf("http://localhost:%d/health", env.PortStart)
		}
	}
	return ""
}
