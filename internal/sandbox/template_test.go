package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadTemplate(t *testing.T) {
	dir := t.TempDir()
	content := `
image = "node22-dev"
provider = "local"
timeout_minutes = 45
`
	if err := os.WriteFile(filepath.Join(dir, "coding.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tmpl, err := LoadTemplate(dir, "coding")
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.Name != "coding" {
		t.Errorf("expected name from filename, got %s", tmpl.Name)
	}
	if tmpl.Image != "node22-dev" {
		t.Errorf("expected image node22-dev, got %s", tmpl.Image)
	}
	if tmpl.Timeout() != 45*time.Minute {
		t.Errorf("expected 45m timeout, got %s", tmpl.Timeout())
	}
}

func TestLoadTemplate_NotFound(t *testing.T) {
	if _, err := LoadTemplate(t.TempDir(), "missing"); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestLoadTemplate_BadName(t *testing.T) {
	for _, name := range []string{"", "../escape", "a/b", `a\b`} {
		if _, err := LoadTemplate(t.TempDir(), name); err == nil {
			t.Errorf("expected name %q to be rejected", name)
		}
	}
}

func TestTemplate_TimeoutDefault(t *testing.T) {
	tmpl := &Template{Name: "x"}
	if tmpl.Timeout() != DefaultTimeout {
		t.Errorf("expected default timeout, got %s", tmpl.Timeout())
	}
}

func TestListTemplates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.toml"), []byte(`image = "img-a"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.toml"), []byte(`image = "img-b"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	templates, err := ListTemplates(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(templates) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(templates))
	}
}
