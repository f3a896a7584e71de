package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"appfleet/internal/app"
	"appfleet/internal/config"
	"appfleet/internal/domain"
	"appfleet/internal/engine"
)

func TestOpenPreparesWorkspace(t *testing.T) {
	dir := t.TempDir()
	ac, err := app.Open(app.Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ac.Close()

	if _, err := os.Stat(filepath.Join(dir, ".appfleet", "appfleet.db")); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	if ac.Config.Fleet.Name != "appfleet" {
		t.Fatalf("expected built-in defaults, got fleet %q", ac.Config.Fleet.Name)
	}
	// migrations must have run: the engine is usable right away
	task, err := ac.Engine.CreateTask(context.Background(), engine.TaskCreateOptions{AppName: "billing"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != domain.StatusPending {
		t.Fatalf("task status: %s", task.Status)
	}
}

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("ops")), 0o644); err != nil {
		t.Fatal(err)
	}
	ac, err := app.Open(app.Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ac.Close()
	if ac.Config.Fleet.Name != "ops" {
		t.Fatalf("workspace config not picked up: %q", ac.Config.Fleet.Name)
	}
}

func TestOpenExplicitConfigWins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("ops")), 0o644); err != nil {
		t.Fatal(err)
	}
	override := filepath.Join(t.TempDir(), "other.yml")
	if err := os.WriteFile(override, []byte(config.GenerateDefault("override")), 0o644); err != nil {
		t.Fatal(err)
	}
	ac, err := app.Open(app.Options{Workspace: dir, ConfigFile: override})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ac.Close()
	if ac.Config.Fleet.Name != "override" {
		t.Fatalf("explicit config file must win: %q", ac.Config.Fleet.Name)
	}
}

func TestNewScannerCarriesOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Apps = map[string]config.AppOverride{
		"billing": {TestCommand: "make check"},
		"plain":   {},
	}
	s := app.NewScanner(cfg)
	if s.Manifest != "requirements.txt" || s.DefaultTestCommand != "pytest -q" {
		t.Fatalf("scanner defaults drifted: %+v", s)
	}
	if s.TestCommands["billing"] != "make check" {
		t.Fatalf("override lost: %v", s.TestCommands)
	}
	if _, ok := s.TestCommands["plain"]; ok {
		t.Fatalf("empty override must not register a command")
	}
}

func TestNewDispatcherCoversEveryKind(t *testing.T) {
	ac, err := app.Open(app.Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ac.Close()
	d := ac.NewDispatcher()
	for _, kind := range []domain.TaskKind{
		domain.KindTest,
		domain.KindHealthCheck,
		domain.KindRollback,
		domain.KindFollowUp,
	} {
		if _, ok := d.Callbacks[kind]; !ok {
			t.Fatalf("no callback for kind %s", kind)
		}
	}
}
