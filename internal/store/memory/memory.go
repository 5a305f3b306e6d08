// Package memory is the in-memory Store used by tests and dev mode. Every
// read and write copies, so callers can never mutate shared state through a
// returned pointer.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/user/appforge/internal/types"
)

// Store implements types.Store over maps.
type Store struct {
	mu       sync.RWMutex
	builds   map[types.BuildID]*types.Build
	events   map[types.BuildID][]*types.BuildEvent
	seq      map[types.BuildID]int64
	previews map[types.BuildID]*types.PreviewSession
}

// New creates an empty store.
func New() *Store {
	return &Store{
		builds:   make(map[types.BuildID]*types.Build),
		events:   make(map[types.BuildID][]*types.BuildEvent),
		seq:      make(map[types.BuildID]int64),
		previews: make(map[types.BuildID]*types.PreviewSession),
	}
}

func (s *Store) CreateBuild(ctx context.Context, b *types.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.builds[b.ID]; exists {
		return fmt.Errorf("build %s: %w", b.ID, types.ErrConflict)
	}
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	s.builds[b.ID] = cloneBuild(b)
	return nil
}

func (s *Store) GetBuild(ctx context.Context, id types.BuildID) (*types.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, fmt.Errorf("build %s: %w", id, types.ErrNotFound)
	}
	return cloneBuild(b), nil
}

func (s *Store) UpdateBuild(ctx context.Context, b *types.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[b.ID]; !ok {
		return fmt.Errorf("build %s: %w", b.ID, types.ErrNotFound)
	}
	b.UpdatedAt = time.Now()
	s.builds[b.ID] = cloneBuild(b)
	return nil
}

// DeleteBuild removes the build and cascades to its events and preview
// record, matching the relational schema's foreign keys.
func (s *Store) DeleteBuild(ctx context.Context, id types.BuildID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[id]; !ok {
		return fmt.Errorf("build %s: %w", id, types.ErrNotFound)
	}
	delete(s.builds, id)
	delete(s.events, id)
	delete(s.seq, id)
	delete(s.previews, id)
	return nil
}

func (s *Store) ListBuilds(ctx context.Context, userID types.UserID) ([]*types.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Build
	for _, b := range s.builds {
		if b.UserID == userID {
			out = append(out, cloneBuild(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListActiveBuilds(ctx context.Context) ([]*types.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Build
	for _, b := range s.builds {
		if b.Status.IsActive() {
			out = append(out, cloneBuild(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountActive(ctx context.Context, userID types.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.builds {
		if b.UserID == userID && b.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *types.BuildEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[e.BuildID]++
	e.Seq = s.seq[e.BuildID]
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.events[e.BuildID] = append(s.events[e.BuildID], cloneEvent(e))
	return nil
}

func (s *Store) ListEvents(ctx context.Context, buildID types.BuildID, afterSeq int64, limit int) ([]*types.BuildEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.BuildEvent
	for _, e := range s.events[buildID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, cloneEvent(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteEvents(ctx context.Context, buildID types.BuildID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, buildID)
	delete(s.seq, buildID)
	return nil
}

func (s *Store) SavePreview(ctx context.Context, p *types.PreviewSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[p.BuildID] = clonePreview(p)
	return nil
}

func (s *Store) GetPreview(ctx context.Context, buildID types.BuildID) (*types.PreviewSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.previews[buildID]
	if !ok {
		return nil, fmt.Errorf("preview for build %s: %w", buildID, types.ErrNotFound)
	}
	return clonePreview(p), nil
}

func (s *Store) UpdatePreview(ctx context.Context, p *types.PreviewSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.previews[p.BuildID]; !ok {
		return fmt.Errorf("preview for build %s: %w", p.BuildID, types.ErrNotFound)
	}
	s.previews[p.BuildID] = clonePreview(p)
	return nil
}

func (s *Store) ListRunningPreviews(ctx context.Context) ([]*types.PreviewSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.PreviewSession
	for _, p := range s.previews {
		if p.Status == types.PreviewRunning {
			out = append(out, clonePreview(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func cloneBuild(b *types.Build) *types.Build {
	out := *b
	if b.History != nil {
		out.History = append([]types.Turn(nil), b.History...)
	}
	if b.Checkpoint != nil {
		cp := *b.Checkpoint
		if b.Checkpoint.History != nil {
			cp.History = append([]types.Turn(nil), b.Checkpoint.History...)
		}
		if b.Checkpoint.HarnessState != nil {
			cp.HarnessState = append(json.RawMessage(nil), b.Checkpoint.HarnessState...)
		}
		out.Checkpoint = &cp
	}
	out.DesignApprovedAt = cloneTime(b.DesignApprovedAt)
	out.FeaturesApprovedAt = cloneTime(b.FeaturesApprovedAt)
	out.PausedAt = cloneTime(b.PausedAt)
	return &out
}

func cloneEvent(e *types.BuildEvent) *types.BuildEvent {
	out := *e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &out
}

func clonePreview(p *types.PreviewSession) *types.PreviewSession {
	out := *p
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
