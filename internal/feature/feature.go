// Package feature parses the agent's persisted feature list and derives
// build progress from it. The list lives as a JSON file inside the sandbox
// and is the single source of truth for how much of a build is done; the
// orchestrator recomputes progress from it instead of keeping a counter.
package feature

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/user/appforge/internal/types"
)

// Item categories.
const (
	CategoryFunctional = "functional"
	CategoryStyle      = "style"
)

// Item is one testable requirement the agent maintains for itself.
type Item struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Steps       []string `json:"steps,omitempty"`
	Passes      bool     `json:"passes"`
	Blocking    bool     `json:"blocking,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
}

// Parse decodes feature-list content. Agents write either a bare JSON array
// or an object with a "features" key; both are accepted. Anything else is an
// error the caller turns into a parse-error event, never a crash.
func Parse(data []byte) ([]Item, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("feature list is empty")
	}

	if strings.HasPrefix(trimmed, "[") {
		var items []Item
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, fmt.Errorf("parse feature list: %w", err)
		}
		return items, nil
	}

	var wrapped struct {
		Features []Item `json:"features"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err != nil {
		return nil, fmt.Errorf("parse feature list: %w", err)
	}
	if wrapped.Features == nil {
		return nil, fmt.Errorf("feature list has no features key")
	}
	return wrapped.Features, nil
}

// Progress counts passing items. {0, 0} until the agent materializes a list.
func Progress(items []Item) types.Progress {
	p := types.Progress{Total: len(items)}
	for _, it := range items {
		if it.Passes {
			p.Completed++
		}
	}
	return p
}

// BlockersCleared reports whether every blocking item passes. Non-blocking
// work is not supposed to proceed ahead of a failing blocker.
func BlockersCleared(items []Item) bool {
	for _, it := range items {
		if it.Blocking && !it.Passes {
			return false
		}
	}
	return true
}

// Equal reports whether two lists carry the same items in the same order.
func Equal(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Category != b[i].Category ||
			a[i].Description != b[i].Description ||
			a[i].Passes != b[i].Passes ||
			a[i].Blocking != b[i].Blocking ||
			!slices.Equal(a[i].Steps, b[i].Steps) ||
			!slices.Equal(a[i].DependsOn, b[i].DependsOn) {
			return false
		}
	}
	return true
}

// Complete reports whether the list is non-empty and every item passes.
func Complete(items []Item) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !it.Passes {
			return false
		}
	}
	return true
}
