// Package notify tells build owners about terminal outcomes. Targets are
// strings with a channel prefix ("telegram:123456"); handlers are
// registered per prefix and users subscribe targets through configuration.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/appforge/internal/types"
)

// Handler delivers one message to a target, given the part after the
// channel prefix.
type Handler func(target, message string) error

// Registry routes notification targets to channel handlers by prefix and
// remembers which targets each user subscribed. It implements the
// orchestrator's Notifier.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	targets  map[types.UserID][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		targets:  make(map[types.UserID][]string),
	}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Subscribe adds a delivery target for a user.
func (r *Registry) Subscribe(userID types.UserID, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[userID] = append(r.targets[userID], target)
}

// Deliver routes one message to the handler matching the target's prefix.
func (r *Registry) Deliver(target, message string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if rest, ok := strings.CutPrefix(target, prefix); ok {
			return handler(rest, message)
		}
	}
	return fmt.Errorf("no notification handler for target %s", target)
}

// BuildFinished notifies every target the build's owner subscribed.
// Delivery failures are logged, never propagated: a down chat API must not
// affect build state.
func (r *Registry) BuildFinished(ctx context.Context, b *types.Build) {
	r.mu.RLock()
	targets := append([]string(nil), r.targets[b.UserID]...)
	r.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	message := Message(b)
	for _, target := range targets {
		if err := r.Deliver(target, message); err != nil {
			slog.Warn("notification delivery failed",
				"build_id", b.ID,
				"target", target,
				"error", err)
		}
	}
}

// Message renders the notification text for a finished build.
func Message(b *types.Build) string {
	switch b.Status {
	case types.StatusCompleted:
		return fmt.Sprintf("Build %s completed: %d of %d features passing. Artifacts are saved and ready to preview.",
			b.ID, b.Progress.Completed, b.Progress.Total)
	case types.StatusFailed:
		return fmt.Sprintf("Build %s failed: %s", b.ID, b.Error)
	default:
		return fmt.Sprintf("Build %s is now %s.", b.ID, b.Status)
	}
}
