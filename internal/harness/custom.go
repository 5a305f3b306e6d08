package harness

import (
	"context"
	"strings"

	"github.com/user/appforge/internal/agent"
	"github.com/user/appforge/internal/policy"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
)

const specPlaceholder = "{{spec}}"

// Custom assembles a Harness from parts. Unset parts fall back to coding
// harness behavior, so a definition only overrides what it names.
type Custom struct {
	HarnessName      string
	InitialTemplate  string
	ContinuationText string
	Commands         []string
	Tools            []agent.Tool

	// ListPath is the feature list location when the default checks are
	// used. Empty means the coding harness path.
	ListPath string

	// CompleteFn and ProgressFn replace the feature list checks entirely
	// when set.
	CompleteFn func(context.Context, sandbox.Sandbox) (bool, error)
	ProgressFn func(context.Context, sandbox.Sandbox) (types.Progress, error)
}

func (c *Custom) Name() string { return c.HarnessName }

// InitialPrompt substitutes the spec for the {{spec}} placeholder, or
// appends it when the template carries none.
func (c *Custom) InitialPrompt(spec string) string {
	if c.InitialTemplate == "" {
		return (&Coding{}).InitialPrompt(spec)
	}
	if strings.Contains(c.InitialTemplate, specPlaceholder) {
		return strings.ReplaceAll(c.InitialTemplate, specPlaceholder, spec)
	}
	return c.InitialTemplate + "\n\n## Specification\n\n" + spec
}

func (c *Custom) ContinuationPrompt() string {
	if c.ContinuationText == "" {
		return (&Coding{}).ContinuationPrompt()
	}
	return c.ContinuationText
}

func (c *Custom) AllowedCommands() []string {
	if len(c.Commands) == 0 {
		return policy.DefaultAllowed()
	}
	out := make([]string, len(c.Commands))
	copy(out, c.Commands)
	return out
}

func (c *Custom) ToolServers() []agent.Tool { return c.Tools }

func (c *Custom) IsComplete(ctx context.Context, sb sandbox.Sandbox) (bool, error) {
	if c.CompleteFn != nil {
		return c.CompleteFn(ctx, sb)
	}
	return listComplete(ctx, sb, c.FeatureListPath())
}

func (c *Custom) Progress(ctx context.Context, sb sandbox.Sandbox) (types.Progress, error) {
	if c.ProgressFn != nil {
		return c.ProgressFn(ctx, sb)
	}
	return listProgress(ctx, sb, c.FeatureListPath())
}

func (c *Custom) FeatureListPath() string {
	if c.ListPath == "" {
		return DefaultFeatureListPath
	}
	return c.ListPath
}

func (c *Custom) DesignDocPath() string { return DefaultDesignDocPath }
