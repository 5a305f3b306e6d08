package harness

import (
	"context"

	"github.com/user/appforge/internal/agent"
	"github.com/user/appforge/internal/feature"
	"github.com/user/appforge/internal/policy"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
)

// Fixed workspace paths the coding harness works against.
const (
	DefaultFeatureListPath = sandbox.WorkDir + "/features.json"
	DefaultDesignDocPath   = sandbox.WorkDir + "/design.md"
)

const codingInitialPrompt = `You are an autonomous software engineer. Build the web application described in the specification below, working inside /workspace.

Ground rules:
- The project lives in /workspace; tool paths are relative to it.
- Use the provided tools for every action. Shell commands pass an allowlist; when one is blocked, take an allowed route instead of retrying it.
- This is a Node.js environment. Scaffold with npm, run the app with npm start on port 3000.

Work in this order:
1. Write design.md: a short technical design covering stack, pages and data model.
2. Write features.json: every feature the specification asks for, as a JSON array of objects {"category": "functional" or "style", "description": ..., "steps": [...], "passes": false}.
3. Implement features one at a time. Verify each one by running the app or the relevant commands and reading the output, and only then set its "passes" to true in features.json.
4. Keep features.json accurate at all times; it is the single source of truth for progress.

Never mark a feature passing without verifying it first.`

const codingContinuationPrompt = `Continue building the application in /workspace.

Read features.json, pick the next feature with "passes": false whose dependencies are met, implement it, verify it by running the app or its tests, and update features.json. If every feature already passes, reply with a short summary instead of calling tools.`

// Coding is the default harness: build a working application, tracking
// progress through a feature list file in the workspace.
type Coding struct{}

func (*Coding) Name() string { return DefaultName }

func (*Coding) InitialPrompt(spec string) string {
	return codingInitialPrompt + "\n\n## Specification\n\n" + spec
}

func (*Coding) ContinuationPrompt() string {
	return codingContinuationPrompt
}

func (*Coding) AllowedCommands() []string {
	return policy.DefaultAllowed()
}

func (*Coding) ToolServers() []agent.Tool { return nil }

func (*Coding) IsComplete(ctx context.Context, sb sandbox.Sandbox) (bool, error) {
	return listComplete(ctx, sb, DefaultFeatureListPath)
}

func (*Coding) Progress(ctx context.Context, sb sandbox.Sandbox) (types.Progress, error) {
	return listProgress(ctx, sb, DefaultFeatureListPath)
}

func (*Coding) FeatureListPath() string { return DefaultFeatureListPath }

func (*Coding) DesignDocPath() string { return DefaultDesignDocPath }

// listComplete judges completion from a feature list file. A missing file
// means the first session has not produced one yet, which is simply "not
// complete". A malformed file is an error the loop reports.
func listComplete(ctx context.Context, sb sandbox.Sandbox, path string) (bool, error) {
	data, err := sb.ReadFile(ctx, path)
	if err != nil {
		return false, nil
	}
	items, err := feature.Parse(data)
	if err != nil {
		return false, err
	}
	return feature.Complete(items), nil
}

func listProgress(ctx context.Context, sb sandbox.Sandbox, path string) (types.Progress, error) {
	data, err := sb.ReadFile(ctx, path)
	if err != nil {
		return types.Progress{}, nil
	}
	items, err := feature.Parse(data)
	if err != nil {
		return types.Progress{}, err
	}
	return feature.Progress(items), nil
}
