// Package harness defines what an agent works toward during a build: the
// prompts it receives, the commands it may run, the extra tools it gets,
// and how completion and progress are judged. The orchestrator is harness
// agnostic; swapping the harness changes the kind of build.
package harness

import (
	"context"
	"sort"

	"github.com/user/appforge/internal/agent"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
)

// DefaultName is the harness used when a build names none.
const DefaultName = "coding"

// Harness is one build discipline.
type Harness interface {
	Name() string

	// InitialPrompt renders the first session's prompt from the user's
	// application spec.
	InitialPrompt(spec string) string
	// ContinuationPrompt is the prompt for every later session.
	ContinuationPrompt() string

	// AllowedCommands is the command allowlist for this harness's builds.
	AllowedCommands() []string
	// ToolServers are extra tools registered alongside the sandbox set.
	ToolServers() []agent.Tool

	// IsComplete reports whether the build's goal is reached.
	IsComplete(ctx context.Context, sb sandbox.Sandbox) (bool, error)
	// Progress reports completed/total toward the goal.
	Progress(ctx context.Context, sb sandbox.Sandbox) (types.Progress, error)
}

// FeatureListCarrier is implemented by harnesses that track progress in an
// editable feature list file. The feature review gate writes approved
// content to this path.
type FeatureListCarrier interface {
	FeatureListPath() string
}

// DesignDocCarrier is implemented by harnesses that produce a reviewable
// design document. The design review gate watches and writes this path.
type DesignDocCarrier interface {
	DesignDocPath() string
}

// Registry resolves harnesses by name. Register at startup; lookups are
// read-only afterwards.
type Registry struct {
	harnesses map[string]Harness
}

// NewRegistry creates a registry pre-seeded with the coding harness.
func NewRegistry() *Registry {
	r := &Registry{harnesses: make(map[string]Harness)}
	r.Register(&Coding{})
	return r
}

// Register adds a harness, replacing any existing one with the same name.
func (r *Registry) Register(h Harness) {
	r.harnesses[h.Name()] = h
}

// Get returns the harness for name. An empty name resolves to the default.
func (r *Registry) Get(name string) (Harness, bool) {
	if name == "" {
		name = DefaultName
	}
	h, ok := r.harnesses[name]
	return h, ok
}

// Names returns the registered harness names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.harnesses))
	for name := range r.harnesses {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
