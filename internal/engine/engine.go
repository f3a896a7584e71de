package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"appfleet/internal/config"
	"appfleet/internal/domain"
	"appfleet/internal/events"
	"appfleet/internal/metrics"
	"appfleet/internal/repo"
)

// InvalidTransitionError reports a status change outside the task state
// machine. The store is left untouched.
type InvalidTransitionError struct {
	TaskID string
	From   domain.TaskStatus
	To     domain.TaskStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s (task %s)", e.From, e.To, e.TaskID)
}

// validTransition is the task state machine. done and abandoned are
// terminal and have no exits.
func validTransition(from, to domain.TaskStatus) bool {
	switch from {
	case domain.StatusPending:
		// running on claim, done on conditional skip, abandoned when a
		// dependency was abandoned
		return to == domain.StatusRunning || to == domain.StatusDone || to == domain.StatusAbandoned
	case domain.StatusRunning:
		// retrying only through crash recovery
		return to == domain.StatusSucceeded || to == domain.StatusFailed || to == domain.StatusRetrying
	case domain.StatusSucceeded:
		return to == domain.StatusDone
	case domain.StatusFailed:
		return to == domain.StatusDone || to == domain.StatusRetrying
	case domain.StatusRetrying:
		return to == domain.StatusPending || to == domain.StatusAbandoned
	}
	return false
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Metrics metrics.Sink
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Metrics: metrics.Store{Repo: repo.Repo{DB: db}},
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) incr(ctx context.Context, name, label string, delta int64) {
	if e.Metrics != nil {
		e.Metrics.Incr(ctx, name, label, delta)
	}
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID            string
	Kind          domain.TaskKind
	AppName       string
	AppPath       string
	DeploymentID  string
	Environment   string
	DependsOn     []string
	TriggerTaskID string
	RunOn         domain.RunCondition
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.AppName == "" {
		return domain.Task{}, errors.New("app name is required")
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindTest
	}
	if opts.RunOn != "" && opts.TriggerTaskID == "" {
		return domain.Task{}, errors.New("run_on requires a trigger task")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:            id,
		Kind:          opts.Kind,
		AppName:       opts.AppName,
		AppPath:       optionalString(opts.AppPath),
		DeploymentID:  optionalString(opts.DeploymentID),
		Environment:   optionalString(opts.Environment),
		Status:        domain.StatusPending,
		TriggerTaskID: optionalString(opts.TriggerTaskID),
		DependsOn:     opts.DependsOn,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.RunOn != "" {
		rc := opts.RunOn
		t.RunOn = &rc
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.createTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// createTaskTx inserts one pending task. Dependencies and triggers must
// reference tasks that already exist: the runnable query treats a
// dangling dependency row as satisfied, so it is rejected here instead.
func (e Engine) createTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	for _, d := range t.DependsOn {
		if _, err := e.Repo.GetTaskTx(ctx, tx, d); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("dependency %s: %w", d, repo.ErrNotFound)
			}
			return err
		}
	}
	if t.TriggerTaskID != nil {
		if _, err := e.Repo.GetTaskTx(ctx, tx, *t.TriggerTaskID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("trigger task %s: %w", *t.TriggerTaskID, repo.ErrNotFound)
			}
			return err
		}
	}
	if err := e.Repo.CreateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.TypeTaskCreated, t.AppName, "task", t.ID, events.EventPayload{
		"kind":   string(t.Kind),
		"status": string(t.Status),
	})
}

// transitionTx applies one guarded status change and records it. The
// caller mutates outcome, reason and attempts on t before calling.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, t *domain.Task, to domain.TaskStatus, evtType string, extra events.EventPayload) error {
	from := t.Status
	if !validTransition(from, to) {
		return InvalidTransitionError{TaskID: t.ID, From: from, To: to}
	}
	t.Status = to
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskTx(ctx, tx, *t); err != nil {
		return err
	}
	payload := events.EventPayload{"from": string(from), "to": string(to)}
	for k, v := range extra {
		payload[k] = v
	}
	return e.Events.Append(ctx, tx, evtType, t.AppName, "task", t.ID, payload)
}

// UpdateTaskStatus applies one guarded transition, optionally attaching
// a result payload. Illegal moves return InvalidTransitionError and
// write nothing; unknown ids return repo.ErrNotFound.
func (e Engine) UpdateTaskStatus(ctx context.Context, id string, to domain.TaskStatus, resultJSON string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if resultJSON != "" {
		t.ResultJSON = &resultJSON
	}
	if err := e.transitionTx(ctx, tx, &t, to, events.TypeTaskTransition, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Claim moves a pending task to running on behalf of a worker. False
// means another worker won the claim or the task is no longer pending.
func (e Engine) Claim(ctx context.Context, id string) (bool, error) {
	claimed, err := e.Repo.ClaimTask(ctx, id, e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	if claimed {
		e.incr(ctx, metrics.CounterTasksDispatched, "", 1)
	}
	return claimed, nil
}

// Completion reports how one execution of a claimed task ended.
type Completion struct {
	Passed     bool
	Reason     domain.Reason
	ResultJSON string
}

// CompleteTask accounts one finished execution and settles the follow-on
// status. Success finalizes done. Failure settles per reason: permanent
// reasons finalize done immediately; retryable reasons park in retrying
// while attempts remain under the ceiling; a test failure at the ceiling
// finalizes done because the verdict is the result, not an orchestration
// fault; transient exhaustion stays in retrying for the requeue pass to
// abandon.
func (e Engine) CompleteTask(ctx context.Context, id string, c Completion) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	t.Attempts++
	if c.ResultJSON != "" {
		t.ResultJSON = &c.ResultJSON
	}
	if c.Passed {
		out := domain.OutcomeSucceeded
		t.Outcome = &out
		if c.Reason != "" {
			r := c.Reason
			t.Reason = &r
		}
		if err := e.transitionTx(ctx, tx, &t, domain.StatusSucceeded, events.TypeTaskTransition, events.EventPayload{"attempts": t.Attempts}); err != nil {
			return t, err
		}
		if err := e.transitionTx(ctx, tx, &t, domain.StatusDone, events.TypeTaskTransition, nil); err != nil {
			return t, err
		}
	} else {
		out := domain.OutcomeFailed
		t.Outcome = &out
		reason := c.Reason
		if reason == "" {
			reason = domain.ReasonTestFailure
		}
		t.Reason = &reason
		if err := e.transitionTx(ctx, tx, &t, domain.StatusFailed, events.TypeTaskTransition, events.EventPayload{"attempts": t.Attempts, "reason": string(reason)}); err != nil {
			return t, err
		}
		next := domain.StatusDone
		ceiling := e.Config.Dispatcher.RetryCeiling
		switch {
		case !reason.Retryable():
			next = domain.StatusDone
		case t.Attempts < ceiling:
			next = domain.StatusRetrying
		case reason == domain.ReasonTestFailure:
			next = domain.StatusDone
		default:
			next = domain.StatusRetrying
		}
		if err := e.transitionTx(ctx, tx, &t, next, events.TypeTaskTransition, nil); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	switch t.Status {
	case domain.StatusDone:
		e.incr(ctx, metrics.CounterTasksCompleted, string(*t.Outcome), 1)
	case domain.StatusRetrying:
		e.incr(ctx, metrics.CounterTasksRetried, "", 1)
	}
	return t, nil
}

// SkipTask settles a conditional task whose trigger condition did not
// hold. The callback never runs; the task finishes done with outcome
// skipped.
func (e Engine) SkipTask(ctx context.Context, id string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	out := domain.OutcomeSkipped
	r := domain.ReasonTriggerSatisfied
	t.Outcome = &out
	t.Reason = &r
	if err := e.transitionTx(ctx, tx, &t, domain.StatusDone, events.TypeTaskTransition, events.EventPayload{"skipped": true}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.incr(ctx, metrics.CounterTasksCompleted, string(domain.OutcomeSkipped), 1)
	return t, nil
}

// ShouldRun evaluates a task's trigger condition. Tasks without a
// trigger always run. run_on=failure runs the task only when the trigger
// finished with outcome failed; a succeeded or skipped trigger means the
// task is skipped too.
func (e Engine) ShouldRun(ctx context.Context, t domain.Task) (bool, error) {
	if t.TriggerTaskID == nil || t.RunOn == nil {
		return true, nil
	}
	trigger, err := e.Repo.GetTask(ctx, *t.TriggerTaskID)
	if err != nil {
		return false, err
	}
	switch *t.RunOn {
	case domain.RunOnFailure:
		return trigger.Outcome != nil && *trigger.Outcome == domain.OutcomeFailed, nil
	}
	return true, nil
}

// FollowUpOptions identify the deployment a follow-up chain verifies.
type FollowUpOptions struct {
	AppName      string
	AppPath      string
	DeploymentID string
	Environment  string
}

// followUpID derives a stable id from the deployment, the chain role and
// the chain generation, so a repeat generation attempt collides instead
// of duplicating.
func followUpID(deploymentID, role string, generation int) string {
	seed := fmt.Sprintf("appfleet|%s|%s|%d", deploymentID, role, generation)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// GenerateFollowUps creates the post-deployment chain: a smoke test,
// a health verification depending on it, and a rollback depending on the
// verification that runs only when the verification fails. Repeat calls
// for the same deployment return the existing chain unchanged while any
// of its tasks is not abandoned; a fully abandoned chain is replaced by
// the next generation.
func (e Engine) GenerateFollowUps(ctx context.Context, opts FollowUpOptions) ([]domain.Task, bool, error) {
	if opts.DeploymentID == "" {
		return nil, false, errors.New("deployment id is required")
	}
	if opts.AppName == "" {
		return nil, false, errors.New("app name is required")
	}
	existing, err := e.Repo.ListByDeployment(ctx, opts.DeploymentID)
	if err != nil {
		return nil, false, err
	}
	for _, t := range existing {
		if t.Status != domain.StatusAbandoned {
			return existing, false, nil
		}
	}

	generation := len(existing) / 3
	now := e.now().UTC().Format(time.RFC3339)
	smokeID := followUpID(opts.DeploymentID, "smoke", generation)
	verifyID := followUpID(opts.DeploymentID, "verify", generation)
	rollbackID := followUpID(opts.DeploymentID, "rollback", generation)
	base := func(id string, kind domain.TaskKind, deps []string) domain.Task {
		return domain.Task{
			ID:           id,
			Kind:         kind,
			AppName:      opts.AppName,
			AppPath:      optionalString(opts.AppPath),
			DeploymentID: &opts.DeploymentID,
			Environment:  optionalString(opts.Environment),
			Status:       domain.StatusPending,
			DependsOn:    deps,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	smoke := base(smokeID, domain.KindTest, nil)
	verify := base(verifyID, domain.KindHealthCheck, []string{smokeID})
	rollback := base(rollbackID, domain.KindRollback, []string{verifyID})
	runOn := domain.RunOnFailure
	rollback.TriggerTaskID = &verifyID
	rollback.RunOn = &runOn

	chain := []domain.Task{smoke, verify, rollback}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	for _, t := range chain {
		if err := e.createTaskTx(ctx, tx, t); err != nil {
			return nil, false, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeFollowUpsCreated, opts.AppName, "deployment", opts.DeploymentID, events.EventPayload{
		"task_ids":    []string{smokeID, verifyID, rollbackID},
		"environment": opts.Environment,
	}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return chain, true, nil
}

// RequeueStats summarizes one maintenance pass.
type RequeueStats struct {
	Requeued  int
	Abandoned int
}

// Requeue advances parked tasks: retrying tasks over the ceiling are
// abandoned, retrying tasks whose backoff elapsed return to pending, and
// pending tasks blocked by an abandoned dependency are abandoned so
// every chain still terminates.
func (e Engine) Requeue(ctx context.Context, now time.Time) (RequeueStats, error) {
	if e.Config == nil {
		return RequeueStats{}, errors.New("config not loaded")
	}
	var stats RequeueStats
	ceiling := e.Config.Dispatcher.RetryCeiling
	retrying, err := e.Repo.ListTasksByStatus(ctx, domain.StatusRetrying)
	if err != nil {
		return stats, err
	}
	for _, t := range retrying {
		if t.Attempts >= ceiling {
			abandoned, err := e.abandonTask(ctx, t, nil, events.EventPayload{"attempts": t.Attempts})
			if err != nil {
				return stats, err
			}
			if abandoned {
				stats.Abandoned++
			}
			continue
		}
		if !e.backoffElapsed(t, now) {
			continue
		}
		requeued, err := e.requeueTask(ctx, t)
		if err != nil {
			return stats, err
		}
		if requeued {
			stats.Requeued++
		}
	}
	blocked, err := e.Repo.ListBlockedByAbandoned(ctx)
	if err != nil {
		return stats, err
	}
	for _, t := range blocked {
		r := domain.ReasonDepAbandoned
		abandoned, err := e.abandonTask(ctx, t, &r, events.EventPayload{"reason": string(r)})
		if err != nil {
			return stats, err
		}
		if abandoned {
			stats.Abandoned++
		}
	}
	return stats, nil
}

// abandonTask moves one task to abandoned if it still holds the status
// it was listed with. Emits task.abandoned, the alert-worthy event.
func (e Engine) abandonTask(ctx context.Context, t domain.Task, reason *domain.Reason, extra events.EventPayload) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetTaskTx(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}
	if cur.Status != t.Status {
		return false, nil
	}
	if reason != nil {
		cur.Reason = reason
	}
	if err := e.transitionTx(ctx, tx, &cur, domain.StatusAbandoned, events.TypeTaskAbandoned, extra); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.incr(ctx, metrics.CounterTasksAbandoned, string(cur.Kind), 1)
	return true, nil
}

// requeueTask returns one retrying task to pending for another attempt.
// The last failure reason stays on the row; the outcome is cleared until
// the next execution settles it.
func (e Engine) requeueTask(ctx context.Context, t domain.Task) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetTaskTx(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}
	if cur.Status != domain.StatusRetrying {
		return false, nil
	}
	cur.Outcome = nil
	if err := e.transitionTx(ctx, tx, &cur, domain.StatusPending, events.TypeTaskTransition, events.EventPayload{"attempts": cur.Attempts}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// backoffElapsed reports whether the retry delay for a parked task has
// passed. The delay is derived from the persisted attempt count alone so
// restarts never reset the schedule.
func (e Engine) backoffElapsed(t domain.Task, now time.Time) bool {
	updated, err := time.Parse(time.RFC3339, t.UpdatedAt)
	if err != nil {
		return true
	}
	return !now.Before(updated.Add(e.backoffFor(t.Attempts)))
}

func (e Engine) backoffFor(attempts int) time.Duration {
	return Backoff(e.Config.Dispatcher.BackoffBase(), e.Config.Dispatcher.BackoffCap(), attempts)
}

// Backoff returns base << (attempts-1), capped at limit.
func Backoff(base, limit time.Duration, attempts int) time.Duration {
	if base > limit {
		base = limit
	}
	if attempts <= 1 {
		return base
	}
	shift := attempts - 1
	if shift > 30 {
		return limit
	}
	d := base << uint(shift)
	if d > limit || d <= 0 {
		return limit
	}
	return d
}

// RecoverStale sweeps tasks left running by a crashed process into
// retrying. The conditional update accounts the lost execution exactly
// once; a repeated sweep matches nothing.
func (e Engine) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	if e.Config == nil {
		return 0, errors.New("config not loaded")
	}
	cutoff := now.Add(-e.Config.Dispatcher.Staleness()).UTC().Format(time.RFC3339)
	nowStr := now.UTC().Format(time.RFC3339)
	stale, err := e.Repo.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, t := range stale {
		marked, err := e.recoverOne(ctx, t, cutoff, nowStr)
		if err != nil {
			return recovered, err
		}
		if marked {
			recovered++
		}
	}
	return recovered, nil
}

func (e Engine) recoverOne(ctx context.Context, t domain.Task, cutoff, now string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	marked, err := e.Repo.MarkStaleRetryingTx(ctx, tx, t.ID, cutoff, now)
	if err != nil || !marked {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskTransition, t.AppName, "task", t.ID, events.EventPayload{
		"from":   string(domain.StatusRunning),
		"to":     string(domain.StatusRetrying),
		"reason": string(domain.ReasonCrash),
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// BreachOptions describe a failure-streak threshold crossing.
type BreachOptions struct {
	AppName     string
	Environment string
	URL         string
	Streak      int
	ResultJSON  string
}

// RecordHealthBreachTx writes the audit trail for a threshold crossing:
// a health_check task born failed and finalized done in the caller's
// transaction, plus the alert-worthy event. The failed outcome is what
// any conditional task consulting this check will see.
func (e Engine) RecordHealthBreachTx(ctx context.Context, tx *sql.Tx, opts BreachOptions) (domain.Task, error) {
	now := e.now().UTC().Format(time.RFC3339)
	out := domain.OutcomeFailed
	t := domain.Task{
		ID:          uuid.New().String(),
		Kind:        domain.KindHealthCheck,
		AppName:     opts.AppName,
		Environment: optionalString(opts.Environment),
		Status:      domain.StatusFailed,
		Outcome:     &out,
		ResultJSON:  optionalString(opts.ResultJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.createTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.transitionTx(ctx, tx, &t, domain.StatusDone, events.TypeTaskTransition, nil); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeHealthBreach, opts.AppName, "health", opts.AppName, events.EventPayload{
		"streak":  opts.Streak,
		"url":     opts.URL,
		"task_id": t.ID,
	}); err != nil {
		return t, err
	}
	return t, nil
}

// RecordRegistryScan notes a completed registry scan in the event log.
func (e Engine) RecordRegistryScan(ctx context.Context, apps, diagnostics int) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Events.Append(ctx, tx, events.TypeRegistryScanned, "", "registry", "", events.EventPayload{
		"apps":        apps,
		"diagnostics": diagnostics,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
