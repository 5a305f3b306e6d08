package types

import (
	"time"
)

// Status is the lifecycle state of a build.
type Status string

const (
	StatusPending               Status = "pending"
	StatusInitializing          Status = "initializing"
	StatusRunning               Status = "running"
	StatusAwaitingDesignReview  Status = "awaiting_design_review"
	StatusAwaitingFeatureReview Status = "awaiting_feature_review"
	StatusPaused                Status = "paused"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
)

var statuses = map[Status]struct{}{
	StatusPending:               {},
	StatusInitializing:          {},
	StatusRunning:               {},
	StatusAwaitingDesignReview:  {},
	StatusAwaitingFeatureReview: {},
	StatusPaused:                {},
	StatusCompleted:             {},
	StatusFailed:                {},
	StatusCancelled:             {},
}

// StatusFromString converts a string to a Status and reports whether it is a
// known status.
func StatusFromString(s string) (status Status, known bool) {
	status = Status(s)
	_, known = statuses[status]
	return status, known
}

// statusTransitions is the set of legal status transitions. Restart may mark
// any non-terminal build cancelled; resume takes paused, failed and cancelled
// builds (with artifacts) back to running.
var statusTransitions = map[Status][]Status{
	StatusPending:               {StatusInitializing, StatusFailed, StatusCancelled},
	StatusInitializing:          {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:               {StatusAwaitingDesignReview, StatusAwaitingFeatureReview, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingDesignReview:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusAwaitingFeatureReview: {StatusRunning, StatusFailed, StatusCancelled},
	StatusPaused:                {StatusRunning, StatusCancelled},
	StatusFailed:                {StatusRunning, StatusCancelled},
	StatusCancelled:             {StatusRunning},
	StatusCompleted:             {},
}

// CanTransition reports whether moving a build from one status to another is
// legal.
func CanTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends the build's loop. Terminal does
// not mean final: failed and cancelled builds with artifacts can be resumed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a build in this status occupies an agent loop
// slot. Paused builds gave their slot up; terminal builds are done.
func (s Status) IsActive() bool {
	return !s.IsTerminal() && s != StatusPaused
}

// Progress is the feature-list-derived completion count. It is recomputed
// from the persisted feature list, never incremented independently.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Turn is one prior exchange in the agent conversation, persisted so a
// resumed build can continue coherently.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Build is one attempted construction of an application from a specification.
type Build struct {
	ID        BuildID   `json:"id"`
	UserID    UserID    `json:"user_id"`
	ProjectID ProjectID `json:"project_id,omitempty"`

	Spec           string `json:"spec"`
	HarnessName    string `json:"harness"`
	Provider       string `json:"provider"`
	Tier           string `json:"tier,omitempty"`
	TargetFeatures int    `json:"target_features,omitempty"`
	ReviewGates    bool   `json:"review_gates"`

	Status      Status      `json:"status"`
	SandboxID   SandboxID   `json:"sandbox_id,omitempty"`
	Progress    Progress    `json:"progress"`
	Checkpoint  *Checkpoint `json:"checkpoint,omitempty"`
	History     []Turn      `json:"history,omitempty"`
	ArtifactKey string      `json:"artifact_key,omitempty"`
	Error       string      `json:"error,omitempty"`

	DesignApprovedAt   *time.Time `json:"design_approved_at,omitempty"`
	FeaturesApprovedAt *time.Time `json:"features_approved_at,omitempty"`
	PausedAt           *time.Time `json:"paused_at,omitempty"`
	PauseReason        string     `json:"pause_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CloneConfig returns a fresh pending build carrying over the original's
// configuration but none of its runtime state. Restart uses it to start over
// without touching the source build's history.
func (b *Build) CloneConfig() *Build {
	now := time.Now()
	return &Build{
		ID:             NewBuildID(),
		UserID:         b.UserID,
		ProjectID:      b.ProjectID,
		Spec:           b.Spec,
		HarnessName:    b.HarnessName,
		Provider:       b.Provider,
		Tier:           b.Tier,
		TargetFeatures: b.TargetFeatures,
		ReviewGates:    b.ReviewGates,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
