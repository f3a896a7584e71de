package server

import (
	"encoding/json"

	"appfleet/internal/domain"
	"appfleet/internal/registry"
)

// Request payloads

type CreateFollowUpsRequest struct {
	AppName     string `json:"app_name"`
	AppPath     string `json:"app_path,omitempty"`
	Environment string `json:"environment,omitempty"`
}

type UpdateTaskStatusRequest struct {
	Status string         `json:"status" enum:"pending,running,succeeded,failed,retrying,done,abandoned"`
	Result map[string]any `json:"result,omitempty"`
}

// Response payloads

type AppListResponse struct {
	GeneratedAt string                 `json:"generated_at,omitempty" format:"date-time"`
	Count       int                    `json:"count"`
	Apps        []domain.AppDescriptor `json:"apps"`
}

type TaskResponse struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind" enum:"test,follow_up,health_check,rollback"`
	AppName       string         `json:"app_name"`
	AppPath       *string        `json:"app_path,omitempty"`
	DeploymentID  *string        `json:"deployment_id,omitempty"`
	Environment   *string        `json:"environment,omitempty"`
	Status        string         `json:"status" enum:"pending,running,succeeded,failed,retrying,done,abandoned"`
	Outcome       *string        `json:"outcome,omitempty" enum:"succeeded,failed,skipped"`
	Reason        *string        `json:"reason,omitempty"`
	Attempts      int            `json:"attempts"`
	TriggerTaskID *string        `json:"trigger_task_id,omitempty"`
	RunOn         *string        `json:"run_on,omitempty" enum:"failure"`
	Result        map[string]any `json:"result,omitempty"`
	DependsOn     []string       `json:"depends_on"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type FollowUpSetResponse struct {
	DeploymentID string         `json:"deployment_id"`
	Created      bool           `json:"created"`
	Tasks        []TaskResponse `json:"tasks"`
}

type followUpsOutput struct {
	Status int
	Body   FollowUpSetResponse `json:"body"`
}

type HealthRecordResponse struct {
	AppName             string `json:"app_name"`
	URL                 string `json:"url,omitempty"`
	Status              string `json:"status" enum:"healthy,unhealthy,unknown"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastCheckedAt       string `json:"last_checked_at,omitempty" format:"date-time"`
	LastLatencyMS       int64  `json:"last_latency_ms"`
	LastError           string `json:"last_error,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	AppName    string         `json:"app_name,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type MetricResponse struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Value int64  `json:"value"`
}

type StatusResponse struct {
	Fleet      string           `json:"fleet,omitempty"`
	TaskCounts map[string]int   `json:"task_counts"`
	Counters   []MetricResponse `json:"counters"`
	Gauges     []MetricResponse `json:"gauges"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

// Conversion helpers

func appListResponse(export registry.Export) AppListResponse {
	return AppListResponse{
		GeneratedAt: export.GeneratedAt,
		Count:       export.Count,
		Apps:        nonNilSlice(export.Apps),
	}
}

func taskResponse(t domain.Task) TaskResponse {
	res := TaskResponse{
		ID:            t.ID,
		Kind:          string(t.Kind),
		AppName:       t.AppName,
		AppPath:       t.AppPath,
		DeploymentID:  t.DeploymentID,
		Environment:   t.Environment,
		Status:        string(t.Status),
		Attempts:      t.Attempts,
		TriggerTaskID: t.TriggerTaskID,
		DependsOn:     nonNilSlice(t.DependsOn),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.Outcome != nil {
		s := string(*t.Outcome)
		res.Outcome = &s
	}
	if t.Reason != nil {
		s := string(*t.Reason)
		res.Reason = &s
	}
	if t.RunOn != nil {
		s := string(*t.RunOn)
		res.RunOn = &s
	}
	if t.ResultJSON != nil {
		res.Result = decodeJSONMap(*t.ResultJSON)
	}
	return res
}

func healthRecordResponse(rec domain.HealthRecord) HealthRecordResponse {
	return HealthRecordResponse{
		AppName:             rec.AppName,
		URL:                 rec.URL,
		Status:              string(rec.Status),
		ConsecutiveFailures: rec.ConsecutiveFailures,
		LastCheckedAt:       rec.LastCheckedAt,
		LastLatencyMS:       rec.LastLatencyMS,
		LastError:           rec.LastError,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		AppName:    e.AppName,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
