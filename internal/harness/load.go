package harness

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// definition is the YAML shape of a harness file.
type definition struct {
	Name               string   `yaml:"name"`
	InitialPrompt      string   `yaml:"initial_prompt"`
	ContinuationPrompt string   `yaml:"continuation_prompt"`
	AllowedCommands    []string `yaml:"allowed_commands"`
	FeatureListPath    string   `yaml:"feature_list_path"`
}

// LoadDir reads *.yaml harness definitions from dir into Custom harnesses.
// A file that fails to parse is skipped with a log line so one bad
// definition does not take the daemon down.
func LoadDir(dir string) ([]*Custom, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read harness dir: %w", err)
	}

	var out []*Custom
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			slog.Warn("skipping unreadable harness definition", "file", e.Name(), "error", err)
			continue
		}
		var def definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			slog.Warn("skipping invalid harness definition", "file", e.Name(), "error", err)
			continue
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(e.Name(), ".yaml")
		}
		out = append(out, &Custom{
			HarnessName:      def.Name,
			InitialTemplate:  def.InitialPrompt,
			ContinuationText: def.ContinuationPrompt,
			Commands:         def.AllowedCommands,
			ListPath:         def.FeatureListPath,
		})
	}
	return out, nil
}
