package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"appfleet/internal/domain"
	"appfleet/internal/engine"
)

// Callback executes the work behind one claimed task and reports how it
// ended. A returned error means the execution machinery itself broke,
// not that the work produced a negative verdict; the attempt is
// accounted as a crash-class failure.
type Callback func(ctx context.Context, t domain.Task) (engine.Completion, error)

// Dispatcher drains the task store: it recovers stale work at startup,
// then repeatedly requeues due retries, lists runnable tasks and fans
// them out to a bounded worker pool keyed by task kind.
type Dispatcher struct {
	Engine       engine.Engine
	Callbacks    map[domain.TaskKind]Callback
	Workers      int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	Now          func() time.Time
}

func New(eng engine.Engine) Dispatcher {
	d := Dispatcher{
		Engine:       eng,
		Callbacks:    map[domain.TaskKind]Callback{},
		Workers:      1,
		PollInterval: 2 * time.Second,
		Now:          time.Now,
	}
	if eng.Config != nil {
		dc := eng.Config.Dispatcher
		if dc.Workers > 0 {
			d.Workers = dc.Workers
		}
		d.PollInterval = dc.PollInterval()
		d.TaskTimeout = dc.TaskTimeout()
	}
	return d
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Dispatcher) workers() int {
	if d.Workers > 0 {
		return d.Workers
	}
	return 1
}

// Run recovers stale work once, then cycles until ctx ends. In-flight
// tasks finish and their results are written before Run returns.
func (d Dispatcher) Run(ctx context.Context) error {
	if recovered, err := d.Engine.RecoverStale(ctx, d.now()); err != nil {
		return err
	} else if recovered > 0 {
		log.Printf("dispatch: recovered %d stale running task(s)", recovered)
	}
	sem := make(chan struct{}, d.workers())
	var wg sync.WaitGroup
	defer wg.Wait()

	interval := d.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.cycle(ctx, sem, &wg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("dispatch: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain cycles until every task is terminal or ctx ends. Workers are
// joined between cycles, so a finished Drain means every result is in
// the store.
func (d Dispatcher) Drain(ctx context.Context) error {
	if _, err := d.Engine.RecoverStale(ctx, d.now()); err != nil {
		return err
	}
	sem := make(chan struct{}, d.workers())
	var wg sync.WaitGroup
	for {
		claimed, err := d.cycle(ctx, sem, &wg)
		wg.Wait()
		if err != nil {
			return err
		}
		counts, err := d.Engine.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return err
		}
		live := counts[string(domain.StatusPending)] +
			counts[string(domain.StatusRunning)] +
			counts[string(domain.StatusRetrying)]
		if live == 0 {
			return nil
		}
		if claimed == 0 {
			// everything left is parked in backoff
			wait := d.PollInterval
			if wait <= 0 {
				wait = 10 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// cycle runs one maintenance pass and dispatches the currently runnable
// tasks, blocking on the worker budget. Conditional tasks whose trigger
// condition does not hold are settled as skipped without a claim.
func (d Dispatcher) cycle(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) (int, error) {
	if _, err := d.Engine.Requeue(ctx, d.now()); err != nil {
		return 0, err
	}
	runnable, err := d.Engine.Repo.ListRunnable(ctx, 0)
	if err != nil {
		return 0, err
	}
	claimed := 0
	for _, t := range runnable {
		run, err := d.Engine.ShouldRun(ctx, t)
		if err != nil {
			return claimed, err
		}
		if !run {
			if _, err := d.Engine.SkipTask(ctx, t.ID); err != nil {
				return claimed, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		case sem <- struct{}{}:
		}
		ok, err := d.Engine.Claim(ctx, t.ID)
		if err != nil {
			<-sem
			return claimed, err
		}
		if !ok {
			<-sem
			continue
		}
		claimed++
		task := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.execute(ctx, task)
		}()
	}
	return claimed, nil
}

// execute invokes the kind callback and writes the completion. The
// completion write is detached from ctx so a shutdown mid-task still
// lands the result; an execution cut short by shutdown is accounted as
// a crash so the retry path picks it up.
func (d Dispatcher) execute(ctx context.Context, t domain.Task) {
	comp := d.invoke(ctx, t)
	if !comp.Passed && ctx.Err() != nil && comp.Reason != domain.ReasonManifestMissing {
		comp.Reason = domain.ReasonCrash
	}
	if _, err := d.Engine.CompleteTask(context.WithoutCancel(ctx), t.ID, comp); err != nil {
		log.Printf("dispatch: complete task %s: %v", t.ID, err)
	}
}

func (d Dispatcher) invoke(ctx context.Context, t domain.Task) engine.Completion {
	cb, ok := d.Callbacks[t.Kind]
	if !ok {
		detail, _ := json.Marshal(map[string]any{"error": "no callback registered for kind " + string(t.Kind)})
		return engine.Completion{Passed: false, Reason: domain.ReasonUnsupportedKind, ResultJSON: string(detail)}
	}
	runCtx := ctx
	if d.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.TaskTimeout)
		defer cancel()
	}
	comp, err := cb(runCtx, t)
	if err != nil {
		detail, _ := json.Marshal(map[string]any{"error": err.Error()})
		return engine.Completion{Passed: false, Reason: domain.ReasonCrash, ResultJSON: string(detail)}
	}
	return comp
}
