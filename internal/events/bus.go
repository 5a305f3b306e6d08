// Package events carries build activity from the agent loop to everyone
// watching: the event store, in-process stream subscribers, and optionally
// an AMQP exchange. Persistence always happens before broadcast so a
// streamed event is never ahead of what a poll would return.
package events

import (
	"sync"

	"github.com/user/appforge/internal/types"
)

// subscriber channels are buffered; a slow consumer loses events rather
// than stalling the loop. The store remains the source of truth and polling
// with after_seq catches any gap.
const subscriberBuffer = 64

// Bus fans build events out to in-process subscribers keyed by build id.
type Bus struct {
	mu   sync.RWMutex
	subs map[types.BuildID]map[chan *types.BuildEvent]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[types.BuildID]map[chan *types.BuildEvent]struct{})}
}

// Subscribe registers interest in one build's events. The returned cancel
// function must be called to release the subscription; the channel is
// closed by it.
func (b *Bus) Subscribe(buildID types.BuildID) (<-chan *types.BuildEvent, func()) {
	ch := make(chan *types.BuildEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[buildID] == nil {
		b.subs[buildID] = make(map[chan *types.BuildEvent]struct{})
	}
	b.subs[buildID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[buildID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, buildID)
				}
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to the build's subscribers without blocking.
func (b *Bus) Publish(ev *types.BuildEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.BuildID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
