package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultTimeout caps sandbox lifetime when a template does not set one.
const DefaultTimeout = time.Hour

// Template describes how to provision a sandbox.
type Template struct {
	Name           string `toml:"name"`
	Image          string `toml:"image"`
	Provider       string `toml:"provider"`
	TimeoutMinutes int    `toml:"timeout_minutes"`
}

// Timeout returns the template's lifetime ceiling.
func (t *Template) Timeout() time.Duration {
	if t.TimeoutMinutes <= 0 {
		return DefaultTimeout
	}
	return time.Duration(t.TimeoutMinutes) * time.Minute
}

// Validate checks the template for obvious misconfiguration.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if t.TimeoutMinutes < 0 {
		return fmt.Errorf("template %s: negative timeout", t.Name)
	}
	return nil
}

// DefaultTemplate is used when no templates directory is configured.
func DefaultTemplate() *Template {
	return &Template{
		Name:           "coding",
		Image:          "node22-dev",
		TimeoutMinutes: 60,
	}
}

// LoadTemplate reads a TOML template by name from dir.
func LoadTemplate(dir, name string) (*Template, error) {
	path, err := templatePath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}

	var t Template
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	if t.Name == "" {
		t.Name = name
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates returns every valid template in dir.
func ListTemplates(dir string) ([]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates directory: %w", err)
	}

	var templates []*Template
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".toml")
		t, err := LoadTemplate(dir, name)
		if err != nil {
			continue
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// templatePath validates the name and resolves it inside dir. Names must not
// escape the templates directory.
func templatePath(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid template name %q", name)
	}
	return filepath.Join(dir, name+".toml"), nil
}
