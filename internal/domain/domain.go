package domain

type TaskKind string

const (
	KindTest        TaskKind = "test"
	KindFollowUp    TaskKind = "follow_up"
	KindHealthCheck TaskKind = "health_check"
	KindRollback    TaskKind = "rollback"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusRetrying  TaskStatus = "retrying"
	StatusDone      TaskStatus = "done"
	StatusAbandoned TaskStatus = "abandoned"
)

// Terminal reports whether no further transition can leave the status.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusAbandoned
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

type Reason string

const (
	ReasonTimeout          Reason = "timeout"
	ReasonTestFailure      Reason = "test_failure"
	ReasonDependencyError  Reason = "dependency_error"
	ReasonManifestMissing  Reason = "manifest_missing"
	ReasonCrash            Reason = "crash"
	ReasonDepAbandoned     Reason = "dependency_abandoned"
	ReasonTriggerSatisfied Reason = "trigger_satisfied"
	ReasonNoTestCommand    Reason = "no_test_command"
	ReasonUnsupportedKind  Reason = "unsupported_kind"
)

// Retryable reports whether a failure tagged with the reason may be
// attempted again. Manifest absence is a stable fact about the app
// directory; retrying cannot change it.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonTimeout, ReasonDependencyError, ReasonTestFailure, ReasonCrash:
		return true
	}
	return false
}

type RunCondition string

const (
	RunOnFailure RunCondition = "failure"
)

type Task struct {
	ID            string        `json:"id"`
	Kind          TaskKind      `json:"kind" enum:"test,follow_up,health_check,rollback"`
	AppName       string        `json:"app_name"`
	AppPath       *string       `json:"app_path,omitempty"`
	DeploymentID  *string       `json:"deployment_id,omitempty"`
	Environment   *string       `json:"environment,omitempty"`
	Status        TaskStatus    `json:"status" enum:"pending,running,succeeded,failed,retrying,done,abandoned"`
	Outcome       *Outcome      `json:"outcome,omitempty" enum:"succeeded,failed,skipped"`
	Reason        *Reason       `json:"reason,omitempty"`
	Attempts      int           `json:"attempts"`
	TriggerTaskID *string       `json:"trigger_task_id,omitempty"`
	RunOn         *RunCondition `json:"run_on,omitempty" enum:"failure"`
	ResultJSON    *string       `json:"result_json,omitempty"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
}

type AppDescriptor struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	HasManifest bool     `json:"has_manifest"`
	TestCommand string   `json:"test_command,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Frameworks  []string `json:"frameworks,omitempty"`
	Complexity  string   `json:"complexity,omitempty" enum:"simple,moderate,complex"`
	HasTests    bool     `json:"has_tests"`
	HasDocker   bool     `json:"has_docker"`
}

type Diagnostic struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

type HealthRecord struct {
	AppName             string       `json:"app_name"`
	URL                 string       `json:"url"`
	Status              HealthStatus `json:"status" enum:"healthy,unhealthy,unknown"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastCheckedAt       string       `json:"last_checked_at,omitempty" format:"date-time"`
	LastLatencyMS       int64        `json:"last_latency_ms"`
	LastError           string       `json:"last_error,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AppName    string `json:"app_name,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
