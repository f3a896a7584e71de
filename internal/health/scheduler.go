package health

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"appfleet/internal/config"
	"appfleet/internal/domain"
	"appfleet/internal/engine"
	"appfleet/internal/events"
	"appfleet/internal/metrics"
	"appfleet/internal/repo"
)

// Scheduler drives recurring liveness verification. Tick is discrete so
// an external timer controls cadence and tests control time.
type Scheduler struct {
	Engine           engine.Engine
	Probe            ProbeFunc
	ProbeTimeout     time.Duration
	FailureThreshold int
	Targets          []config.Target
}

func New(eng engine.Engine, cfg *config.Config) Scheduler {
	return Scheduler{
		Engine:           eng,
		Probe:            HTTPProbe(nil),
		ProbeTimeout:     cfg.Monitoring.ProbeTimeout(),
		FailureThreshold: cfg.Monitoring.FailureThreshold,
		Targets:          cfg.Monitoring.Targets,
	}
}

// Outcome reports one target's probe within a tick.
type Outcome struct {
	Target    config.Target
	Healthy   bool
	Streak    int
	Breached  bool
	LatencyMS int64
	Detail    string
}

// Tick probes every target once. Each probe settles its consequences
// before the next target starts: the health record, a state-change event
// when the status flips, and on the exact threshold crossing the failed
// health_check audit task plus its alert event.
func (s Scheduler) Tick(ctx context.Context, now time.Time) ([]Outcome, error) {
	var outcomes []Outcome
	for _, target := range s.Targets {
		o, err := s.checkTarget(ctx, target, now)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func (s Scheduler) checkTarget(ctx context.Context, target config.Target, now time.Time) (Outcome, error) {
	res := probeOnce(ctx, s.Probe, s.ProbeTimeout, target)

	prev, err := s.Engine.Repo.GetHealthRecord(ctx, target.App)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, err
	}
	prevStatus := domain.HealthUnknown
	streak := 0
	if err == nil {
		prevStatus = prev.Status
		streak = prev.ConsecutiveFailures
	}
	rec := domain.HealthRecord{
		AppName:       target.App,
		URL:           target.URL,
		LastCheckedAt: now.UTC().Format(time.RFC3339),
		LastLatencyMS: res.LatencyMS,
	}
	if res.Healthy {
		rec.Status = domain.HealthHealthy
		rec.ConsecutiveFailures = 0
	} else {
		rec.Status = domain.HealthUnhealthy
		rec.ConsecutiveFailures = streak + 1
		rec.LastError = res.Detail
	}
	breached := !res.Healthy && rec.ConsecutiveFailures == s.FailureThreshold

	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()

	if err := s.Engine.Repo.UpsertHealthRecordTx(ctx, tx, rec); err != nil {
		return Outcome{}, err
	}
	if rec.Status != prevStatus {
		if err := s.Engine.Events.Append(ctx, tx, events.TypeHealthStateChange, target.App, "health", target.App, events.EventPayload{
			"from": string(prevStatus),
			"to":   string(rec.Status),
			"url":  target.URL,
		}); err != nil {
			return Outcome{}, err
		}
	}
	if breached {
		snap, _ := json.Marshal(map[string]any{
			"url":                  target.URL,
			"consecutive_failures": rec.ConsecutiveFailures,
			"detail":               res.Detail,
		})
		if _, err := s.Engine.RecordHealthBreachTx(ctx, tx, engine.BreachOptions{
			AppName:     target.App,
			Environment: target.Environment,
			URL:         target.URL,
			Streak:      rec.ConsecutiveFailures,
			ResultJSON:  string(snap),
		}); err != nil {
			return Outcome{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}

	if s.Engine.Metrics != nil {
		s.Engine.Metrics.Incr(ctx, metrics.CounterHealthProbes, string(rec.Status), 1)
		s.Engine.Metrics.SetGauge(ctx, metrics.GaugeFailureStreak, target.App, int64(rec.ConsecutiveFailures))
	}
	return Outcome{
		Target:    target,
		Healthy:   res.Healthy,
		Streak:    rec.ConsecutiveFailures,
		Breached:  breached,
		LatencyMS: res.LatencyMS,
		Detail:    res.Detail,
	}, nil
}

// DeriveTargets merges the configured monitoring targets with apps that
// carry live verification tasks and declare a health URL, so deployment
// verification is monitored without explicit target config.
func DeriveTargets(ctx context.Context, r repo.Repo, cfg *config.Config) ([]config.Target, error) {
	targets := append([]config.Target(nil), cfg.Monitoring.Targets...)
	seen := map[string]bool{}
	for _, t := range targets {
		seen[t.App] = true
	}
	pending, err := r.ListTasks(ctx, repo.TaskFilters{
		Kind:   string(domain.KindHealthCheck),
		Status: string(domain.StatusPending),
	})
	if err != nil {
		return nil, err
	}
	for _, t := range pending {
		if seen[t.AppName] {
			continue
		}
		url := cfg.Apps[t.AppName].HealthURL
		if url == "" {
			continue
		}
		env := ""
		if t.Environment != nil {
			env = *t.Environment
		}
		targets = append(targets, config.Target{App: t.AppName, URL: url, Environment: env})
		seen[t.AppName] = true
	}
	return targets, nil
}
