package harness

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	full := `name: marketing-site
initial_prompt: |
  Build a marketing site for {{spec}}.
continuation_prompt: Keep going.
allowed_commands:
  - ls
  - cat
  - npm
feature_list_path: /workspace/pages.json
`
	if err := os.WriteFile(filepath.Join(dir, "marketing.yaml"), []byte(full), 0o644); err != nil {
		t.Fatal(err)
	}
	// name defaults from the filename
	if err := os.WriteFile(filepath.Join(dir, "api-only.yaml"), []byte("continuation_prompt: Next endpoint.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// invalid definitions are skipped, not fatal
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(":\n\t- ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	harnesses, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(harnesses) != 2 {
		t.Fatalf("expected 2 harnesses, got %d", len(harnesses))
	}

	byName := make(map[string]*Custom)
	for _, h := range harnesses {
		byName[h.HarnessName] = h
	}

	m, ok := byName["marketing-site"]
	if !ok {
		t.Fatal("expected marketing-site harness")
	}
	if m.ListPath != "/workspace/pages.json" {
		t.Errorf("unexpected list path %q", m.ListPath)
	}
	if got := m.InitialPrompt("acme corp"); got != "Build a marketing site for acme corp.\n" {
		t.Errorf("unexpected rendered prompt %q", got)
	}
	if len(m.AllowedCommands()) != 3 {
		t.Errorf("expected 3 allowed commands, got %v", m.AllowedCommands())
	}

	a, ok := byName["api-only"]
	if !ok {
		t.Fatal("expected api-only harness named from its filename")
	}
	if a.ContinuationPrompt() != "Next endpoint." {
		t.Errorf("unexpected continuation prompt %q", a.ContinuationPrompt())
	}
}

func TestLoadDir_MissingDir(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for a missing directory")
	}
}
