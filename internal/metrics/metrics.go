package metrics

import (
	"context"
	"log"
	"time"

	"appfleet/internal/repo"
)

// Counter and gauge names written by the orchestration core.
const (
	CounterTasksDispatched = "tasks_dispatched_total"
	CounterTasksCompleted  = "tasks_completed_total"
	CounterTasksRetried    = "tasks_retried_total"
	CounterTasksAbandoned  = "tasks_abandoned_total"
	CounterHealthProbes    = "health_probes_total"
	GaugeFailureStreak     = "health_failure_streak"
)

// Sink receives orchestration metrics. Implementations must be safe for
// concurrent use. Recording is best effort and never fails the caller.
type Sink interface {
	Incr(ctx context.Context, name, label string, delta int64)
	SetGauge(ctx context.Context, name, label string, value int64)
}

// Store persists metrics in the workspace database so `af status` and
// the HTTP API can read them back across processes.
type Store struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) Incr(ctx context.Context, name, label string, delta int64) {
	if err := s.Repo.IncrCounter(ctx, name, label, delta); err != nil {
		log.Printf("metrics: incr %s: %v", name, err)
	}
}

func (s Store) SetGauge(ctx context.Context, name, label string, value int64) {
	now := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.SetGauge(ctx, name, label, value, now); err != nil {
		log.Printf("metrics: gauge %s: %v", name, err)
	}
}

// Nop discards every metric.
type Nop struct{}

func (Nop) Incr(context.Context, string, string, int64)     {}
func (Nop) SetGauge(context.Context, string, string, int64) {}
