package repo_test

import (
	"context"
	"errors"
	"testing"

	"appfleet/internal/db"
	"appfleet/internal/domain"
	"appfleet/internal/migrate"
	"appfleet/internal/repo"
)

const (
	t0 = "2024-05-01T12:00:00Z"
	t1 = "2024-05-01T12:00:01Z"
	t2 = "2024-05-01T12:00:02Z"
	t3 = "2024-05-01T12:00:03Z"
	t4 = "2024-05-01T12:00:04Z"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func mkTask(id string, status domain.TaskStatus, createdAt string) domain.Task {
	return domain.Task{
		ID:        id,
		Kind:      domain.KindTest,
		AppName:   "billing",
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func mustInsert(t *testing.T, r repo.Repo, ctx context.Context, task domain.Task) {
	t.Helper()
	if err := r.CreateTask(ctx, task); err != nil {
		t.Fatalf("create %s: %v", task.ID, err)
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	mustInsert(t, r, ctx, mkTask("dep-task", domain.StatusDone, t0))

	path := "apps/billing"
	depID := "dep-9"
	env := "staging"
	trig := "dep-task"
	raw := `{"passed":false}`
	out := domain.OutcomeFailed
	reason := domain.ReasonTimeout
	runOn := domain.RunOnFailure
	task := domain.Task{
		ID:            "task-1",
		Kind:          domain.KindRollback,
		AppName:       "billing",
		AppPath:       &path,
		DeploymentID:  &depID,
		Environment:   &env,
		Status:        domain.StatusPending,
		Outcome:       &out,
		Reason:        &reason,
		Attempts:      2,
		TriggerTaskID: &trig,
		RunOn:         &runOn,
		ResultJSON:    &raw,
		DependsOn:     []string{"dep-task"},
		CreatedAt:     t1,
		UpdatedAt:     t1,
	}
	mustInsert(t, r, ctx, task)

	got, err := r.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != domain.KindRollback || got.AppName != "billing" {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if got.AppPath == nil || *got.AppPath != path {
		t.Fatalf("app path mismatch")
	}
	if got.DeploymentID == nil || *got.DeploymentID != depID {
		t.Fatalf("deployment mismatch")
	}
	if got.Environment == nil || *got.Environment != env {
		t.Fatalf("environment mismatch")
	}
	if got.Outcome == nil || *got.Outcome != out || got.Reason == nil || *got.Reason != reason {
		t.Fatalf("outcome/reason mismatch: %+v", got)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts mismatch: %d", got.Attempts)
	}
	if got.TriggerTaskID == nil || *got.TriggerTaskID != trig {
		t.Fatalf("trigger mismatch")
	}
	if got.RunOn == nil || *got.RunOn != runOn {
		t.Fatalf("run_on mismatch")
	}
	if got.ResultJSON == nil || *got.ResultJSON != raw {
		t.Fatalf("result mismatch")
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "dep-task" {
		t.Fatalf("deps mismatch: %v", got.DependsOn)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, err := r.GetTask(ctx, "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimTaskOnce(t *testing.T) {
	r, ctx := newTestRepo(t)
	mustInsert(t, r, ctx, mkTask("task-1", domain.StatusPending, t0))

	claimed, err := r.ClaimTask(ctx, "task-1", t1)
	if err != nil || !claimed {
		t.Fatalf("first claim should win: claimed=%v err=%v", claimed, err)
	}
	claimed, err = r.ClaimTask(ctx, "task-1", t2)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatalf("second claim must lose")
	}
	got, err := r.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRunning || got.UpdatedAt != t1 {
		t.Fatalf("claim must stamp running at claim time: %+v", got)
	}
}

func TestListRunnableGating(t *testing.T) {
	r, ctx := newTestRepo(t)
	mustInsert(t, r, ctx, mkTask("dep-done", domain.StatusDone, t0))
	mustInsert(t, r, ctx, mkTask("dep-succeeded", domain.StatusSucceeded, t0))
	mustInsert(t, r, ctx, mkTask("dep-failed", domain.StatusFailed, t0))

	free := mkTask("a-free", domain.StatusPending, t1)
	mustInsert(t, r, ctx, free)
	okDone := mkTask("b-after-done", domain.StatusPending, t1)
	okDone.DependsOn = []string{"dep-done"}
	mustInsert(t, r, ctx, okDone)
	okSucceeded := mkTask("c-after-succeeded", domain.StatusPending, t1)
	okSucceeded.DependsOn = []string{"dep-succeeded"}
	mustInsert(t, r, ctx, okSucceeded)
	blocked := mkTask("d-after-failed", domain.StatusPending, t1)
	blocked.DependsOn = []string{"dep-failed"}
	mustInsert(t, r, ctx, blocked)
	mixed := mkTask("e-mixed", domain.StatusPending, t1)
	mixed.DependsOn = []string{"dep-succeeded", "dep-failed"}
	mustInsert(t, r, ctx, mixed)

	runnable, err := r.ListRunnable(ctx, 0)
	if err != nil {
		t.Fatalf("list runnable: %v", err)
	}
	var ids []string
	for _, task := range runnable {
		ids = append(ids, task.ID)
	}
	want := []string{"a-free", "b-after-done", "c-after-succeeded"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v in order, got %v", want, ids)
		}
	}
}

func TestListRunnableLimit(t *testing.T) {
	r, ctx := newTestRepo(t)
	mustInsert(t, r, ctx, mkTask("a", domain.StatusPending, t0))
	mustInsert(t, r, ctx, mkTask("b", domain.StatusPending, t1))
	runnable, err := r.ListRunnable(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runnable) != 1 || runnable[0].ID != "a" {
		t.Fatalf("expected oldest first with limit, got %+v", runnable)
	}
}

func TestListTasksFiltersAndCursor(t *testing.T) {
	r, ctx := newTestRepo(t)
	mustInsert(t, r, ctx, mkTask("t-a", domain.StatusPending, t0))
	mustInsert(t, r, ctx, mkTask("t-b", domain.StatusDone, t1))
	mustInsert(t, r, ctx, mkTask("t-c", domain.StatusPending, t2))
	other := mkTask("t-d", domain.StatusPending, t3)
	other.AppName = "frontend"
	mustInsert(t, r, ctx, other)

	byStatus, err := r.ListTasks(ctx, repo.TaskFilters{Status: "pending"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byStatus) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(byStatus))
	}
	if byStatus[0].ID != "t-d" {
		t.Fatalf("newest first, got %s", byStatus[0].ID)
	}

	byApp, err := r.ListTasks(ctx, repo.TaskFilters{AppName: "frontend"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byApp) != 1 || byApp[0].ID != "t-d" {
		t.Fatalf("app filter failed: %+v", byApp)
	}

	page, err := r.ListTasks(ctx, repo.TaskFilters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "t-d" || page[1].ID != "t-c" {
		t.Fatalf("first page wrong: %+v", page)
	}
	page, err = r.ListTasks(ctx, repo.TaskFilters{
		Limit:           2,
		CursorCreatedAt: page[1].CreatedAt,
		CursorID:        page[1].ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "t-b" || page[1].ID != "t-a" {
		t.Fatalf("second page wrong: %+v", page)
	}
}

func TestListTasksCursorBreaksCreatedAtTies(t *testing.T) {
	r, ctx := newTestRepo(t)
	mustInsert(t, r, ctx, mkTask("aa", domain.StatusPending, t0))
	mustInsert(t, r, ctx, mkTask("bb", domain.StatusPending, t0))

	page, err := r.ListTasks(ctx, repo.TaskFilters{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "bb" {
		t.Fatalf("tie should order by id desc, got %+v", page)
	}
	page, err = r.ListTasks(ctx, repo.TaskFilters{Limit: 1, CursorCreatedAt: t0, CursorID: "bb"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "aa" {
		t.Fatalf("cursor should step past the tie, got %+v", page)
	}
}

func TestListByDeploymentOldestFirst(t *testing.T) {
	r, ctx := newTestRepo(t)
	dep := "dep-9"
	for _, spec := range []struct{ id, at string }{
		{"late", t2}, {"early", t0}, {"mid", t1},
	} {
		task := mkTask(spec.id, domain.StatusPending, spec.at)
		task.DeploymentID = &dep
		mustInsert(t, r, ctx, task)
	}
	got, err := r.ListByDeployment(ctx, dep)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	if len(ids) != 3 || ids[0] != "early" || ids[1] != "mid" || ids[2] != "late" {
		t.Fatalf("expected creation order, got %v", ids)
	}
}

func TestUpdateTaskTxNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.UpdateTaskTx(ctx, tx, mkTask("ghost", domain.StatusRunning, t0))
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCountTasksByStatus(t *testing.T) {
	r, ctx := newTestRepo(t)
	mustInsert(t, r, ctx, mkTask("a", domain.StatusPending, t0))
	mustInsert(t, r, ctx, mkTask("b", domain.StatusPending, t1))
	mustInsert(t, r, ctx, mkTask("c", domain.StatusDone, t2))
	counts, err := r.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["pending"] != 2 || counts["done"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestCounterUpsert(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.IncrCounter(ctx, "tasks_completed_total", "succeeded", 1); err != nil {
		t.Fatal(err)
	}
	if err := r.IncrCounter(ctx, "tasks_completed_total", "succeeded", 2); err != nil {
		t.Fatal(err)
	}
	if err := r.IncrCounter(ctx, "tasks_completed_total", "failed", 5); err != nil {
		t.Fatal(err)
	}
	counters, err := r.ListCounters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counters) != 2 {
		t.Fatalf("expected 2 counter rows, got %+v", counters)
	}
	// sorted by name then label
	if counters[0].Label != "failed" || counters[0].Value != 5 {
		t.Fatalf("unexpected first row: %+v", counters[0])
	}
	if counters[1].Label != "succeeded" || counters[1].Value != 3 {
		t.Fatalf("increments must accumulate: %+v", counters[1])
	}
}

func TestGaugeUpsert(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.SetGauge(ctx, "health_failure_streak", "billing", 2, t0); err != nil {
		t.Fatal(err)
	}
	if err := r.SetGauge(ctx, "health_failure_streak", "billing", 0, t1); err != nil {
		t.Fatal(err)
	}
	gauges, err := r.ListGauges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(gauges) != 1 || gauges[0].Value != 0 {
		t.Fatalf("gauge must overwrite, got %+v", gauges)
	}
}

func TestHealthRecordUpsert(t *testing.T) {
	r, ctx := newTestRepo(t)
	rec := domain.HealthRecord{
		AppName:       "billing",
		URL:           "http://127.0.0.1:9000/health",
		Status:        domain.HealthHealthy,
		LastCheckedAt: t0,
		LastLatencyMS: 12,
	}
	if err := r.UpsertHealthRecord(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.Status = domain.HealthUnhealthy
	rec.ConsecutiveFailures = 2
	rec.LastError = "connection refused"
	rec.LastCheckedAt = t1
	if err := r.UpsertHealthRecord(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetHealthRecord(ctx, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.HealthUnhealthy || got.ConsecutiveFailures != 2 {
		t.Fatalf("upsert must overwrite: %+v", got)
	}
	if got.LastError != "connection refused" || got.LastCheckedAt != t1 {
		t.Fatalf("diagnostics must persist: %+v", got)
	}
	if _, err := r.GetHealthRecord(ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
