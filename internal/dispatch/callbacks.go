package dispatch

import (
	"context"
	"encoding/json"

	"appfleet/internal/domain"
	"appfleet/internal/engine"
	"appfleet/internal/registry"
	"appfleet/internal/testrunner"
)

// TestCallback returns the executor for test kind tasks. The descriptor
// is re-derived from the app directory at execution time so the run sees
// the manifest as it is now, not as it was when scanned.
func TestCallback(scanner registry.Scanner, runner testrunner.Runner) Callback {
	return func(ctx context.Context, t domain.Task) (engine.Completion, error) {
		if t.AppPath == nil || *t.AppPath == "" {
			detail, _ := json.Marshal(map[string]any{"error": "task has no app path"})
			return engine.Completion{Passed: false, Reason: domain.ReasonManifestMissing, ResultJSON: string(detail)}, nil
		}
		desc, err := scanner.Describe(*t.AppPath)
		if err != nil {
			return engine.Completion{}, err
		}
		res, err := runner.Run(ctx, desc)
		if err != nil {
			return engine.Completion{}, err
		}
		payload, _ := json.Marshal(res)
		return engine.Completion{Passed: res.Passed, Reason: res.Reason, ResultJSON: string(payload)}, nil
	}
}

// RollbackCallback records the rollback directive for a deployment.
// Compute lifecycle stays external; the task is the audit record hooks
// and operators react to.
func RollbackCallback() Callback {
	return func(ctx context.Context, t domain.Task) (engine.Completion, error) {
		payload, _ := json.Marshal(map[string]any{
			"action":        "rollback",
			"app_name":      t.AppName,
			"deployment_id": stringValue(t.DeploymentID),
			"environment":   stringValue(t.Environment),
		})
		return engine.Completion{Passed: true, ResultJSON: string(payload)}, nil
	}
}

// AcknowledgeCallback settles operator-created follow_up tasks: the
// tracked work itself lives outside the engine, so running the task just
// acknowledges it into the audit trail.
func AcknowledgeCallback() Callback {
	return func(ctx context.Context, t domain.Task) (engine.Completion, error) {
		payload, _ := json.Marshal(map[string]any{"note": "follow-up acknowledged"})
		return engine.Completion{Passed: true, ResultJSON: string(payload)}, nil
	}
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
