package testrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"appfleet/internal/domain"
)

// Runner validates one app in isolation: resolve declared dependencies,
// then execute the declared test command, both under bounded timeouts.
type Runner struct {
	Manifest          string
	DependencyCommand []string
	DependencyTimeout time.Duration
	Timeout           time.Duration
	OutputLimit       int
	Scratch           string
	Now               func() time.Time
}

type Result struct {
	Passed     bool          `json:"passed"`
	Reason     domain.Reason `json:"reason,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Log        string        `json:"log,omitempty"`
	DurationMS int64         `json:"duration_ms"`
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run reports the verdict for one descriptor. The returned error is
// reserved for environment failures; a failing app is a Result, not an
// error.
func (r Runner) Run(ctx context.Context, desc domain.AppDescriptor) (Result, error) {
	start := r.now()
	if !desc.HasManifest {
		manifest := r.Manifest
		if manifest == "" {
			manifest = "requirements.txt"
		}
		return Result{
			Passed:   false,
			Reason:   domain.ReasonManifestMissing,
			ExitCode: -1,
			Log:      fmt.Sprintf("%s not found in %s", manifest, desc.Path),
		}, nil
	}

	scratch, err := os.MkdirTemp(r.Scratch, "appfleet-run-")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	var combined []byte
	if len(r.DependencyCommand) > 0 {
		out, code, reason := r.execute(ctx, desc.Path, scratch, r.DependencyTimeout, r.DependencyCommand[0], r.DependencyCommand[1:]...)
		combined = append(combined, out...)
		if reason != "" {
			if reason == domain.ReasonTestFailure {
				reason = domain.ReasonDependencyError
			}
			return r.finish(Result{Passed: false, Reason: reason, ExitCode: code}, combined, start), nil
		}
	}

	if desc.TestCommand == "" {
		res := Result{Passed: true, Reason: domain.ReasonNoTestCommand, ExitCode: 0}
		return r.finish(res, append(combined, []byte("no test command declared\n")...), start), nil
	}

	out, code, reason := r.execute(ctx, desc.Path, scratch, r.Timeout, "sh", "-c", desc.TestCommand)
	combined = append(combined, out...)
	res := Result{Passed: reason == "", Reason: reason, ExitCode: code}
	return r.finish(res, combined, start), nil
}

// execute runs one command in the app dir with the scratch dir isolating
// caches and temp files from sibling runs. A deadline hit tags timeout;
// any other nonzero exit tags test_failure for the caller to map.
func (r Runner) execute(ctx context.Context, dir, scratch string, timeout time.Duration, name string, args ...string) ([]byte, int, domain.Reason) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"TMPDIR="+scratch,
		"PIP_CACHE_DIR="+filepath.Join(scratch, "pip-cache"),
		"PYTHONPYCACHEPREFIX="+filepath.Join(scratch, "pycache"),
	)
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		out = append(out, []byte(fmt.Sprintf("\ncommand timed out after %s\n", timeout))...)
		return out, -1, domain.ReasonTimeout
	}
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			out = append(out, []byte(err.Error()+"\n")...)
		}
		return out, code, domain.ReasonTestFailure
	}
	return out, 0, ""
}

func (r Runner) finish(res Result, out []byte, start time.Time) Result {
	res.Log = truncate(out, r.OutputLimit)
	res.DurationMS = r.now().Sub(start).Milliseconds()
	return res
}

func truncate(out []byte, limit int) string {
	if limit <= 0 {
		limit = 8192
	}
	if len(out) <= limit {
		return string(out)
	}
	return string(out[:limit]) + "\n... [output truncated]"
}
