package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"appfleet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskCols = `id,kind,app_name,app_path,deployment_id,environment,status,outcome,reason,attempts,trigger_task_id,run_on,result_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var appPath, deploymentID, environment, outcome, reason, triggerID, runOn, resultJSON sql.NullString
	err := s.Scan(&t.ID, &t.Kind, &t.AppName, &appPath, &deploymentID, &environment, &t.Status,
		&outcome, &reason, &t.Attempts, &triggerID, &runOn, &resultJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if appPath.Valid {
		t.AppPath = &appPath.String
	}
	if deploymentID.Valid {
		t.DeploymentID = &deploymentID.String
	}
	if environment.Valid {
		t.Environment = &environment.String
	}
	if outcome.Valid {
		o := domain.Outcome(outcome.String)
		t.Outcome = &o
	}
	if reason.Valid {
		rs := domain.Reason(reason.String)
		t.Reason = &rs
	}
	if triggerID.Valid {
		t.TriggerTaskID = &triggerID.String
	}
	if runOn.Valid {
		rc := domain.RunCondition(runOn.String)
		t.RunOn = &rc
	}
	if resultJSON.Valid {
		t.ResultJSON = &resultJSON.String
	}
	return t, nil
}

func (r Repo) CreateTask(ctx context.Context, t domain.Task) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.CreateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) CreateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Kind, t.AppName, nullableStringPtr(t.AppPath), nullableStringPtr(t.DeploymentID), nullableStringPtr(t.Environment),
		t.Status, nullableOutcome(t.Outcome), nullableReason(t.Reason), t.Attempts,
		nullableStringPtr(t.TriggerTaskID), nullableRunOn(t.RunOn), nullableStringPtr(t.ResultJSON), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	return r.AddDependenciesTx(ctx, tx, t.ID, t.DependsOn)
}

// UpdateTaskTx writes the mutable task fields. Callers are expected to
// have read the task inside the same transaction.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, outcome=?, reason=?, attempts=?, result_json=?, updated_at=? WHERE id=?`,
		t.Status, nullableOutcome(t.Outcome), nullableReason(t.Reason), t.Attempts, nullableStringPtr(t.ResultJSON), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependencies(ctx, t.ID)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	deps, err := r.ListTaskDependenciesTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

type TaskFilters struct {
	Status          string
	Kind            string
	AppName         string
	DeploymentID    string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.AppName != "" {
		clauses = append(clauses, "app_name=?")
		args = append(args, f.AppName)
	}
	if f.DeploymentID != "" {
		clauses = append(clauses, "deployment_id=?")
		args = append(args, f.DeploymentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListByDeployment returns every task correlated with one deployment,
// oldest first so the follow-up chain reads in creation order.
func (r Repo) ListByDeployment(ctx context.Context, deploymentID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE deployment_id=? ORDER BY created_at ASC, id ASC`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListRunnable returns pending tasks whose dependencies have all reached
// succeeded or done, oldest first.
func (r Repo) ListRunnable(ctx context.Context, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks
WHERE status='pending' AND NOT EXISTS (
	SELECT 1 FROM task_deps d
	JOIN tasks dep ON dep.id=d.depends_on_task_id
	WHERE d.task_id=tasks.id AND dep.status NOT IN ('succeeded','done')
)
ORDER BY created_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTask moves a pending task to running. The conditional update is
// the claim: a second caller sees zero affected rows and backs off.
func (r Repo) ClaimTask(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='running', updated_at=? WHERE id=? AND status='pending'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkStaleRetryingTx recovers one task abandoned by a crashed run: still
// running, untouched since before the cutoff. The lost execution is
// accounted by the attempts increment; a repeat scan matches nothing.
func (r Repo) MarkStaleRetryingTx(ctx context.Context, tx *sql.Tx, id, cutoff, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='retrying', reason='crash', attempts=attempts+1, updated_at=?
WHERE id=? AND status='running' AND updated_at < ?`, now, id, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListStaleRunning(ctx context.Context, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE status='running' AND updated_at < ? ORDER BY updated_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE status=? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListBlockedByAbandoned returns pending tasks that can never become
// runnable because a dependency ended abandoned.
func (r Repo) ListBlockedByAbandoned(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks
WHERE status='pending' AND EXISTS (
	SELECT 1 FROM task_deps d
	JOIN tasks dep ON dep.id=d.depends_on_task_id
	WHERE d.task_id=tasks.id AND dep.status='abandoned'
)
ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) ListTaskDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableOutcome(v *domain.Outcome) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullableReason(v *domain.Reason) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullableRunOn(v *domain.RunCondition) any {
	if v == nil {
		return nil
	}
	return string(*v)
}
