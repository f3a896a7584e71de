package registry_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"appfleet/internal/registry"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fixtureRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "billing", "requirements.txt"), "fastapi==0.110\nuvicorn\n")
	writeFile(t, filepath.Join(root, "billing", "tests", "test_api.py"), "def test_ok():\n    assert True\n")
	writeFile(t, filepath.Join(root, "billing", "Dockerfile"), "FROM python:3.12\n")
	writeFile(t, filepath.Join(root, "billing", "README.md"), "# Billing API\n\nHandles invoices and payment collection.\n")
	writeFile(t, filepath.Join(root, "zeta", "test_main.py"), "def test_main():\n    pass\n")
	writeFile(t, filepath.Join(root, "alpha", "requirements.txt"), "requests\n")
	writeFile(t, filepath.Join(root, "notes.txt"), "not an app\n")
	return root
}

func TestScanFindsAppsSorted(t *testing.T) {
	root := fixtureRoot(t)
	s := registry.Scanner{Manifest: "requirements.txt", DefaultTestCommand: "pytest -q"}
	apps, diags := s.Scan([]string{root})
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}
	if len(apps) != 3 {
		t.Fatalf("expected 3 apps, got %d", len(apps))
	}
	for i, want := range []string{"alpha", "billing", "zeta"} {
		if apps[i].Name != want {
			t.Fatalf("apps not sorted by path: got %s at %d", apps[i].Name, i)
		}
	}

	billing := apps[1]
	if !billing.HasManifest {
		t.Fatalf("billing must have a manifest")
	}
	if len(billing.Frameworks) != 1 || billing.Frameworks[0] != "fastapi" {
		t.Fatalf("expected fastapi framework, got %v", billing.Frameworks)
	}
	if !billing.HasTests || !billing.HasDocker {
		t.Fatalf("billing must have tests and docker: %+v", billing)
	}
	if billing.Title != "Billing API" {
		t.Fatalf("expected README title, got %q", billing.Title)
	}
	if billing.Description != "Handles invoices and payment collection." {
		t.Fatalf("expected README description, got %q", billing.Description)
	}
	if billing.TestCommand != "pytest -q" {
		t.Fatalf("expected default test command, got %q", billing.TestCommand)
	}

	zeta := apps[2]
	if zeta.HasManifest {
		t.Fatalf("zeta has no manifest")
	}
	if !zeta.HasTests {
		t.Fatalf("zeta has test_*.py files, expected HasTests")
	}

	alpha := apps[0]
	if alpha.HasTests {
		t.Fatalf("alpha has no tests")
	}
	if alpha.TestCommand != "" {
		t.Fatalf("no tests means no test command, got %q", alpha.TestCommand)
	}
	if alpha.Complexity != "simple" {
		t.Fatalf("expected simple complexity, got %q", alpha.Complexity)
	}
}

func TestScanRecordsDiagnosticsAndContinues(t *testing.T) {
	root := fixtureRoot(t)
	missing := filepath.Join(t.TempDir(), "nope")
	s := registry.Scanner{Manifest: "requirements.txt"}
	apps, diags := s.Scan([]string{missing, root})
	if len(diags) != 1 {
		t.Fatalf("expected 1 diagnostic, got %+v", diags)
	}
	if diags[0].Path != missing {
		t.Fatalf("diagnostic should name the bad root, got %q", diags[0].Path)
	}
	if len(apps) != 3 {
		t.Fatalf("good roots must still scan, got %d apps", len(apps))
	}
}

func TestTestCommandOverride(t *testing.T) {
	root := fixtureRoot(t)
	s := registry.Scanner{
		Manifest:           "requirements.txt",
		DefaultTestCommand: "pytest -q",
		TestCommands:       map[string]string{"billing": "make check"},
	}
	apps, _ := s.Scan([]string{root})
	for _, a := range apps {
		if a.Name == "billing" && a.TestCommand != "make check" {
			t.Fatalf("override must win, got %q", a.TestCommand)
		}
	}
}

func TestDescribeDerivesNameFromPath(t *testing.T) {
	root := fixtureRoot(t)
	s := registry.Scanner{Manifest: "requirements.txt"}
	desc, err := s.Describe(filepath.Join(root, "billing") + string(os.PathSeparator))
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if desc.Name != "billing" {
		t.Fatalf("expected name from directory base, got %q", desc.Name)
	}
}

func TestComplexityFromSourceLines(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "mid", "app.py"), strings.Repeat("x = 1\n", 150))
	writeFile(t, filepath.Join(root, "big", "app.py"), strings.Repeat("x = 1\n", 600))
	s := registry.Scanner{}
	apps, _ := s.Scan([]string{root})
	if len(apps) != 2 {
		t.Fatalf("expected 2 apps, got %d", len(apps))
	}
	byName := map[string]string{}
	for _, a := range apps {
		byName[a.Name] = a.Complexity
	}
	if byName["mid"] != "moderate" {
		t.Fatalf("expected moderate, got %q", byName["mid"])
	}
	if byName["big"] != "complex" {
		t.Fatalf("expected complex, got %q", byName["big"])
	}
}

func TestExportRoundTrip(t *testing.T) {
	root := fixtureRoot(t)
	s := registry.Scanner{Manifest: "requirements.txt", DefaultTestCommand: "pytest -q"}
	apps, _ := s.Scan([]string{root})

	path := filepath.Join(t.TempDir(), ".appfleet", "app_registry.json")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := registry.WriteExport(path, apps, now); err != nil {
		t.Fatalf("write export: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file must not survive the rename")
	}
	export, err := registry.ReadExport(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if export.GeneratedAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected generated_at %q", export.GeneratedAt)
	}
	if export.Count != len(apps) || len(export.Apps) != len(apps) {
		t.Fatalf("count mismatch: %d vs %d", export.Count, len(apps))
	}
	if export.Apps[1].Name != "billing" {
		t.Fatalf("apps must round-trip in order, got %q", export.Apps[1].Name)
	}
}
