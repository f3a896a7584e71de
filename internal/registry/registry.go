package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"appfleet/internal/domain"
)

// frameworkKeywords are matched against the manifest contents to tag the
// stacks an app builds on.
var frameworkKeywords = []string{
	"anthropic", "django", "fastapi", "flask", "gradio",
	"langchain", "openai", "streamlit",
}

type Scanner struct {
	Manifest           string
	DefaultTestCommand string
	TestCommands       map[string]string
}

// Scan walks each root one directory level deep. A subdirectory is an app
// candidate; manifest presence is recorded, never required. Unreadable
// entries yield a diagnostic instead of aborting the scan.
func (s Scanner) Scan(roots []string) ([]domain.AppDescriptor, []domain.Diagnostic) {
	var apps []domain.AppDescriptor
	var diags []domain.Diagnostic
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			diags = append(diags, domain.Diagnostic{Path: root, Message: fmt.Sprintf("read root: %v", err)})
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(root, entry.Name())
			desc, err := s.describe(entry.Name(), path)
			if err != nil {
				diags = append(diags, domain.Diagnostic{Path: path, Message: err.Error()})
				continue
			}
			apps = append(apps, desc)
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Path < apps[j].Path })
	return apps, diags
}

// Describe builds the descriptor for one app directory, deriving the
// app name from the directory base.
func (s Scanner) Describe(path string) (domain.AppDescriptor, error) {
	return s.describe(filepath.Base(filepath.Clean(path)), path)
}

func (s Scanner) describe(name, path string) (domain.AppDescriptor, error) {
	desc := domain.AppDescriptor{Name: name, Path: path}
	manifest := s.Manifest
	if manifest == "" {
		manifest = "requirements.txt"
	}
	if _, err := os.Stat(filepath.Join(path, manifest)); err == nil {
		desc.HasManifest = true
	} else if !os.IsNotExist(err) {
		return desc, fmt.Errorf("stat manifest: %v", err)
	}
	s.analyze(&desc, manifest)
	desc.TestCommand = s.testCommand(desc)
	return desc, nil
}

// analyze fills the descriptor's catalog fields. Every probe fails soft:
// a missing or unreadable file just leaves its field empty.
func (s Scanner) analyze(desc *domain.AppDescriptor, manifest string) {
	if desc.HasManifest {
		if data, err := os.ReadFile(filepath.Join(desc.Path, manifest)); err == nil {
			lower := strings.ToLower(string(data))
			for _, kw := range frameworkKeywords {
				if strings.Contains(lower, kw) {
					desc.Frameworks = append(desc.Frameworks, kw)
				}
			}
		}
	}
	desc.Complexity = complexity(sourceLines(desc.Path))
	if info, err := os.Stat(filepath.Join(desc.Path, "tests")); err == nil && info.IsDir() {
		desc.HasTests = true
	} else if matches, err := filepath.Glob(filepath.Join(desc.Path, "test_*.py")); err == nil && len(matches) > 0 {
		desc.HasTests = true
	}
	if _, err := os.Stat(filepath.Join(desc.Path, "Dockerfile")); err == nil {
		desc.HasDocker = true
	}
	if data, err := os.ReadFile(filepath.Join(desc.Path, "README.md")); err == nil {
		desc.Title, desc.Description = readmeSummary(data)
	}
}

func (s Scanner) testCommand(desc domain.AppDescriptor) string {
	if cmd, ok := s.TestCommands[desc.Name]; ok {
		return cmd
	}
	if desc.HasTests {
		return s.DefaultTestCommand
	}
	return ""
}

func sourceLines(path string) int {
	total := 0
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(p, ".py") {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		total += bytes.Count(data, []byte("\n"))
		return nil
	})
	return total
}

func complexity(lines int) string {
	switch {
	case lines < 100:
		return "simple"
	case lines < 500:
		return "moderate"
	default:
		return "complex"
	}
}

// readmeSummary extracts the first level-1 heading and the first paragraph
// from README markdown.
func readmeSummary(src []byte) (title, description string) {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 1 && title == "" {
				title = nodeText(node, src)
			}
		case *ast.Paragraph:
			if description == "" {
				description = nodeText(node, src)
			}
		}
		if title != "" && description != "" {
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return title, description
}

func nodeText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(src))
		}
	}
	return strings.TrimSpace(buf.String())
}

type Export struct {
	GeneratedAt string                 `json:"generated_at"`
	Count       int                    `json:"count"`
	Apps        []domain.AppDescriptor `json:"apps"`
}

// WriteExport writes the catalog JSON atomically via temp file + rename.
func WriteExport(path string, apps []domain.AppDescriptor, now time.Time) error {
	export := Export{
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Count:       len(apps),
		Apps:        apps,
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadExport loads a previously written catalog JSON.
func ReadExport(path string) (Export, error) {
	var export Export
	data, err := os.ReadFile(path)
	if err != nil {
		return export, err
	}
	if err := json.Unmarshal(data, &export); err != nil {
		return export, fmt.Errorf("parse registry export: %w", err)
	}
	return export, nil
}
