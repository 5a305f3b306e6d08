package types

import (
	"context"
	"errors"
)

// Error kinds shared across layers. Stores and the orchestrator wrap these
// with context; the HTTP layer maps them to status classes.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrInvalid   = errors.New("invalid")
	ErrForbidden = errors.New("forbidden")
)

type BuildStore interface {
	CreateBuild(ctx context.Context, b *Build) error
	GetBuild(ctx context.Context, id BuildID) (*Build, error)
	UpdateBuild(ctx context.Context, b *Build) error
	DeleteBuild(ctx context.Context, id BuildID) error
	ListBuilds(ctx context.Context, userID UserID) ([]*Build, error)
	// ListActiveBuilds returns builds whose loops should be live: everything
	// except terminal and paused states. Used by the startup sweep.
	ListActiveBuilds(ctx context.Context) ([]*Build, error)
	CountActive(ctx context.Context, userID UserID) (int, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, e *BuildEvent) error
	ListEvents(ctx context.Context, buildID BuildID, afterSeq int64, limit int) ([]*BuildEvent, error)
	DeleteEvents(ctx context.Context, buildID BuildID) error
}

type PreviewStore interface {
	// SavePreview upserts: a build has at most one preview record.
	SavePreview(ctx context.Context, p *PreviewSession) error
	GetPreview(ctx context.Context, buildID BuildID) (*PreviewSession, error)
	UpdatePreview(ctx context.Context, p *PreviewSession) error
	// ListRunningPreviews returns previews whose persisted status is
	// running. The expiry sweep re-verifies them against reality.
	ListRunningPreviews(ctx context.Context) ([]*PreviewSession, error)
}

// Store is the full persistence surface the orchestrator consumes. The
// relational schema behind it is not this package's concern.
type Store interface {
	BuildStore
	EventStore
	PreviewStore
}
