package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"appfleet/internal/db"
	"appfleet/internal/domain"
	"appfleet/internal/engine"
	"appfleet/internal/registry"
	"appfleet/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Workspace string
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Appfleet API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Appfleet API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerApps(group, cfg)
	registerTasks(group, cfg.Engine)
	registerDeployments(group, cfg.Engine)
	registerHealthRecords(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerStatus(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(ite.From),
			"to":   string(ite.To),
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerApps(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-apps",
		Method:      http.MethodGet,
		Path:        "/apps",
		Summary:     "List apps from the latest registry export",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AppListResponse `json:"body"`
	}, error) {
		export, err := registry.ReadExport(db.RegistryExportPath(cfg.Workspace))
		if err != nil {
			if os.IsNotExist(err) {
				return &struct {
					Body AppListResponse `json:"body"`
				}{Body: AppListResponse{Apps: []domain.AppDescriptor{}}}, nil
			}
			return nil, handleError(err)
		}
		return &struct {
			Body AppListResponse `json:"body"`
		}{Body: appListResponse(export)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"pending,running,succeeded,failed,retrying,done,abandoned"`
		Kind         string `query:"kind" enum:"test,follow_up,health_check,rollback"`
		AppName      string `query:"app_name"`
		DeploymentID string `query:"deployment_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status:          input.Status,
			Kind:            input.Kind,
			AppName:         input.AppName,
			DeploymentID:    input.DeploymentID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(tasks) > limit {
			tasks = tasks[:limit]
			last := tasks[len(tasks)-1]
			next = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: paginatedTasks{Items: mapTasks(tasks), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		result := ""
		if input.Body.Result != nil {
			b, err := json.Marshal(input.Body.Result)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid result", map[string]any{"error": err.Error()})
			}
			result = string(b)
		}
		t, err := e.UpdateTaskStatus(ctx, input.TaskID, domain.TaskStatus(input.Body.Status), result)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerDeployments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-followups",
		Method:        http.MethodPost,
		Path:          "/deployments/{deployment_id}/followups",
		Summary:       "Generate the follow-up chain for a deployment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DeploymentID string                 `path:"deployment_id"`
		Body         CreateFollowUpsRequest `json:"body"`
	}) (*followUpsOutput, error) {
		if input.Body.AppName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "app_name is required", nil)
		}
		tasks, created, err := e.GenerateFollowUps(ctx, engine.FollowUpOptions{
			AppName:      input.Body.AppName,
			AppPath:      input.Body.AppPath,
			DeploymentID: input.DeploymentID,
			Environment:  input.Body.Environment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &followUpsOutput{Body: FollowUpSetResponse{
			DeploymentID: input.DeploymentID,
			Created:      created,
			Tasks:        mapTasks(tasks),
		}}
		if !created {
			out.Status = http.StatusOK
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deployment-tasks",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}/tasks",
		Summary:     "List tasks for a deployment",
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListByDeployment(ctx, input.DeploymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})
}

func registerHealthRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-health-records",
		Method:      http.MethodGet,
		Path:        "/health-records",
		Summary:     "List health records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []HealthRecordResponse `json:"body"`
	}, error) {
		records, err := e.Repo.ListHealthRecords(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]HealthRecordResponse, 0, len(records))
		for _, rec := range records {
			res = append(res, healthRecordResponse(rec))
		}
		return &struct {
			Body []HealthRecordResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		AppName string `query:"app_name"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:    input.Type,
			AppName: input.AppName,
			Limit:   limit + 1,
			Cursor:  input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		var next int64
		if len(events) > limit {
			events = events[:limit]
			next = events[len(events)-1].ID
		}
		res := make([]EventResponse, 0, len(events))
		for _, evt := range events {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: res, NextCursor: next}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counters, err := e.Repo.ListCounters(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		gauges, err := e.Repo.ListGauges(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Fleet:      fleetName(e),
			TaskCounts: counts,
			Counters:   mapMetrics(counters),
			Gauges:     mapMetrics(gauges),
		}}, nil
	})
}

func fleetName(e engine.Engine) string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Fleet.Name
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapMetrics(items []repo.MetricValue) []MetricResponse {
	res := make([]MetricResponse, 0, len(items))
	for _, m := range items {
		res = append(res, MetricResponse(m))
	}
	return res
}
