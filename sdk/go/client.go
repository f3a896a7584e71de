package appfleetsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Appfleet HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	AppName       string         `json:"app_name"`
	AppPath       string         `json:"app_path,omitempty"`
	DeploymentID  string         `json:"deployment_id,omitempty"`
	Environment   string         `json:"environment,omitempty"`
	Status        string         `json:"status"`
	Outcome       string         `json:"outcome,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Attempts      int            `json:"attempts"`
	TriggerTaskID string         `json:"trigger_task_id,omitempty"`
	RunOn         string         `json:"run_on,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// App represents one registered app.
type App struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	HasManifest bool     `json:"has_manifest"`
	TestCommand string   `json:"test_command,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Frameworks  []string `json:"frameworks,omitempty"`
	Complexity  string   `json:"complexity,omitempty"`
	HasTests    bool     `json:"has_tests"`
	HasDocker   bool     `json:"has_docker"`
}

// AppList is the registry export as served by the API.
type AppList struct {
	GeneratedAt string `json:"generated_at,omitempty"`
	Count       int    `json:"count"`
	Apps        []App  `json:"apps"`
}

// FollowUpSet is the smoke, verify, rollback chain for a deployment.
type FollowUpSet struct {
	DeploymentID string `json:"deployment_id"`
	Created      bool   `json:"created"`
	Tasks        []Task `json:"tasks"`
}

// HealthRecord represents one app's probe state.
type HealthRecord struct {
	AppName             string `json:"app_name"`
	URL                 string `json:"url,omitempty"`
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastCheckedAt       string `json:"last_checked_at,omitempty"`
	LastLatencyMS       int64  `json:"last_latency_ms"`
	LastError           string `json:"last_error,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	AppName    string         `json:"app_name,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Metric is one named counter or gauge value.
type Metric struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Value int64  `json:"value"`
}

// Status is the fleet rollup.
type Status struct {
	Fleet      string         `json:"fleet,omitempty"`
	TaskCounts map[string]int `json:"task_counts"`
	Counters   []Metric       `json:"counters"`
	Gauges     []Metric       `json:"gauges"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with a cursor.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor,omitempty"`
}

// TaskListOptions filter the Tasks listing. Zero values are omitted.
type TaskListOptions struct {
	Status       string
	Kind         string
	AppName      string
	DeploymentID string
	Limit        int
	Cursor       string
}

// EventListOptions filter the EventsPage listing. Zero values are omitted.
type EventListOptions struct {
	Type    string
	AppName string
	Limit   int
	Cursor  int64
}

// Health checks the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, apiPath("health"), nil, nil)
}

// Apps returns the app registry export.
func (c *Client) Apps(ctx context.Context) (AppList, error) {
	var resp AppList
	err := c.do(ctx, http.MethodGet, apiPath("apps"), nil, &resp)
	return resp, err
}

// Tasks returns a filtered, paginated task listing.
func (c *Client) Tasks(ctx context.Context, opts TaskListOptions) (PaginatedTasks, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Kind != "" {
		q.Set("kind", opts.Kind)
	}
	if opts.AppName != "" {
		q.Set("app_name", opts.AppName)
	}
	if opts.DeploymentID != "" {
		q.Set("deployment_id", opts.DeploymentID)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, withQuery(apiPath("tasks"), q), nil, &resp)
	return resp, err
}

// Task fetches one task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := apiPath(fmt.Sprintf("tasks/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateTaskStatus transitions a task and optionally attaches a result payload.
func (c *Client) UpdateTaskStatus(ctx context.Context, id, status string, result map[string]any) (Task, error) {
	body := map[string]any{"status": status}
	if result != nil {
		body["result"] = result
	}
	var resp Task
	endpoint := apiPath(fmt.Sprintf("tasks/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// CreateFollowUps generates the follow-up chain for a deployment. The call is
// idempotent: a chain that already exists comes back with Created false.
func (c *Client) CreateFollowUps(ctx context.Context, deploymentID, appName, appPath, environment string) (FollowUpSet, error) {
	body := map[string]any{
		"app_name": appName,
	}
	if appPath != "" {
		body["app_path"] = appPath
	}
	if environment != "" {
		body["environment"] = environment
	}
	var resp FollowUpSet
	endpoint := apiPath(fmt.Sprintf("deployments/%s/followups", url.PathEscape(deploymentID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DeploymentTasks returns every task tied to a deployment, oldest first.
func (c *Client) DeploymentTasks(ctx context.Context, deploymentID string) ([]Task, error) {
	var resp []Task
	endpoint := apiPath(fmt.Sprintf("deployments/%s/tasks", url.PathEscape(deploymentID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// HealthRecords returns per-app probe state.
func (c *Client) HealthRecords(ctx context.Context) ([]HealthRecord, error) {
	var resp []HealthRecord
	err := c.do(ctx, http.MethodGet, apiPath("health-records"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, EventListOptions{Limit: limit})
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, opts EventListOptions) (PaginatedEvents, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.AppName != "" {
		q.Set("app_name", opts.AppName)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", opts.Cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(apiPath("events"), q), nil, &resp)
	return resp, err
}

// Status returns the fleet rollup.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, apiPath("status"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
