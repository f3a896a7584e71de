package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"appfleet/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Fleet.Name != "appfleet" {
		t.Fatalf("fleet name: %q", cfg.Fleet.Name)
	}
	if len(cfg.Roots) != 1 || cfg.Roots[0] != "apps" {
		t.Fatalf("roots: %v", cfg.Roots)
	}
	if cfg.Runner.DefaultTestCommand != "pytest -q" {
		t.Fatalf("default test command: %q", cfg.Runner.DefaultTestCommand)
	}
	if cfg.Dispatcher.RetryCeiling != 3 {
		t.Fatalf("retry ceiling: %d", cfg.Dispatcher.RetryCeiling)
	}
	if cfg.Environments["staging"].PortStart != 9000 {
		t.Fatalf("staging port: %d", cfg.Environments["staging"].PortStart)
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("payments")))
	if err != nil {
		t.Fatalf("generated config must parse: %v", err)
	}
	if cfg.Fleet.Name != "payments" {
		t.Fatalf("fleet name: %q", cfg.Fleet.Name)
	}
	if cfg.Manifest != "requirements.txt" {
		t.Fatalf("manifest: %q", cfg.Manifest)
	}
	if cfg.Dispatcher.Workers != 4 || cfg.Dispatcher.BackoffCapSeconds != 300 {
		t.Fatalf("dispatcher block drifted: %+v", cfg.Dispatcher)
	}
	if cfg.Server.Addr != ":8484" {
		t.Fatalf("server addr: %q", cfg.Server.Addr)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
fleet:
  name: custom
runner:
  timeout_seconds: 30
environments:
  qa:
    port_start: 11000
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Fleet.Name != "custom" {
		t.Fatalf("fleet name: %q", cfg.Fleet.Name)
	}
	if cfg.Runner.TimeoutSeconds != 30 {
		t.Fatalf("timeout override lost: %d", cfg.Runner.TimeoutSeconds)
	}
	if cfg.Runner.DependencyTimeoutSeconds != 60 {
		t.Fatalf("unset runner field must keep its default: %d", cfg.Runner.DependencyTimeoutSeconds)
	}
	if len(cfg.Roots) != 1 || cfg.Roots[0] != "apps" {
		t.Fatalf("unset roots must keep their default: %v", cfg.Roots)
	}
	if cfg.Environments["qa"].PortStart != 11000 {
		t.Fatalf("qa environment missing: %v", cfg.Environments)
	}
	if cfg.Environments["production"].PortStart != 8000 {
		t.Fatalf("default environments must survive an overlay: %v", cfg.Environments)
	}
}

func TestFromYAMLRejectsBadYAML(t *testing.T) {
	_, err := config.FromYAML([]byte("fleet: ["))
	if err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func TestValidateRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"no roots", func(c *config.Config) { c.Roots = nil }, "at least one scan root"},
		{"blank root", func(c *config.Config) { c.Roots = []string{""} }, "roots[0] is empty"},
		{"no manifest", func(c *config.Config) { c.Manifest = "" }, "manifest is required"},
		{"zero workers", func(c *config.Config) { c.Dispatcher.Workers = 0 }, "workers must be >= 1"},
		{"negative ceiling", func(c *config.Config) { c.Dispatcher.RetryCeiling = -1 }, "retry_ceiling"},
		{"zero poll", func(c *config.Config) { c.Dispatcher.PollIntervalSeconds = 0 }, "poll_interval_seconds"},
		{"cap below base", func(c *config.Config) { c.Dispatcher.BackoffCapSeconds = 1 }, "backoff_cap_seconds"},
		{"tiny output limit", func(c *config.Config) { c.Runner.OutputLimitBytes = 100 }, "output_limit_bytes"},
		{"zero threshold", func(c *config.Config) { c.Monitoring.FailureThreshold = 0 }, "failure_threshold"},
		{"target without url", func(c *config.Config) {
			c.Monitoring.Targets = []config.Target{{App: "billing"}}
		}, "targets[0].url"},
		{"port out of range", func(c *config.Config) {
			c.Environments["qa"] = config.Environment{PortStart: 70000}
		}, "port_start out of range"},
		{"webhook without url", func(c *config.Config) {
			c.Webhooks = []config.WebhookConfig{{}}
		}, "webhooks[0].url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestPath(t *testing.T) {
	if got := config.Path(""); got != "appfleet.yml" {
		t.Fatalf("empty workspace: %q", got)
	}
	if got := config.Path("/srv/fleet"); got != filepath.Join("/srv/fleet", "appfleet.yml") {
		t.Fatalf("workspace path: %q", got)
	}
}

func TestLoadMissingConfig(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "run af initialize first") {
		t.Fatalf("expected guidance error, got %v", err)
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("missing file is not an error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %+v", cfg)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	path := config.Path(dir)
	if err := os.WriteFile(path, []byte(config.GenerateDefault("ops")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fleet.Name != "ops" {
		t.Fatalf("fleet name: %q", cfg.Fleet.Name)
	}
	also, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if also.Fleet.Name != "ops" {
		t.Fatalf("from file fleet name: %q", also.Fleet.Name)
	}
}
