package types

import (
	"github.com/google/uuid"
)

type BuildID string
type UserID string
type ProjectID string
type SandboxID string
type EventID string
type PreviewID string
type SnapshotID string

func NewBuildID() BuildID {
	return BuildID(uuid.New().String())
}

func NewSandboxID() SandboxID {
	return SandboxID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewPreviewID() PreviewID {
	return PreviewID(uuid.New().String())
}

func NewSnapshotID() SnapshotID {
	return SnapshotID(uuid.New().String())
}
