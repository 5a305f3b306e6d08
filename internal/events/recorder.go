package events

import (
	"context"
	"log/slog"

	"github.com/user/appforge/internal/types"
)

// Sink accepts build activity events. The agent and orchestrator emit
// through this so tests can capture events without a store.
type Sink interface {
	Record(ctx context.Context, ev *types.BuildEvent)
}

// Recorder persists events and then broadcasts them. An event that fails
// to persist is not broadcast at all, so subscribers never see state the
// store cannot replay.
type Recorder struct {
	store     types.EventStore
	bus       *Bus
	publisher *Publisher
}

// NewRecorder wires a recorder. bus and publisher may be nil when only
// persistence is wanted.
func NewRecorder(store types.EventStore, bus *Bus, publisher *Publisher) *Recorder {
	return &Recorder{store: store, bus: bus, publisher: publisher}
}

// Record appends the event to the store and fans it out. Failures are
// logged rather than returned: event emission must never abort a build
// loop mid-iteration.
func (r *Recorder) Record(ctx context.Context, ev *types.BuildEvent) {
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		slog.Error("failed to persist build event",
			"buildId", ev.BuildID,
			"type", ev.Type,
			"error", err)
		return
	}

	if r.bus != nil {
		r.bus.Publish(ev)
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			slog.Error("failed to publish build event",
				"buildId", ev.BuildID,
				"type", ev.Type,
				"error", err)
		}
	}
}
