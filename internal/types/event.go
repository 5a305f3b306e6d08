package types

import (
	"encoding/json"
	"time"
)

// EventType tags a build activity event. The set is closed: consumers switch
// on it and unknown types are a bug, not an extension point.
type EventType string

const (
	EventPhase           EventType = "phase"
	EventFeatureStart    EventType = "feature_start"
	EventFeatureProgress EventType = "feature_progress"
	EventFeatureComplete EventType = "feature_complete"
	EventToolStart       EventType = "tool_start"
	EventToolEnd         EventType = "tool_end"
	EventCommand         EventType = "command"
	EventFileCreated     EventType = "file_created"
	EventFileModified    EventType = "file_modified"
	EventFileDeleted     EventType = "file_deleted"
	EventTestRun         EventType = "test_run"
	EventError           EventType = "error"
	EventProgress        EventType = "progress"
	EventFeatureList     EventType = "feature_list"
)

// BuildEvent is an immutable, append-only fact about one build's activity.
// Seq is assigned by the event store and orders events within a build.
type BuildEvent struct {
	ID        EventID         `json:"id"`
	BuildID   BuildID         `json:"build_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewBuildEvent constructs an event with a fresh ID and the current time.
// Payloads that fail to marshal degrade to a raw string payload rather than
// dropping the event.
func NewBuildEvent(buildID BuildID, typ EventType, payload any) *BuildEvent {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"unencodable": err.Error()})
	}
	return &BuildEvent{
		ID:        NewEventID(),
		BuildID:   buildID,
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Now(),
	}
}

type PhasePayload struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Detail string `json:"detail,omitempty"`
}

type ToolPayload struct {
	Tool     string `json:"tool"`
	Input    string `json:"input,omitempty"`
	Output   string `json:"output,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
}

type CommandPayload struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Blocked  bool   `json:"blocked,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type FilePayload struct {
	Path string `json:"path"`
}

// TestRunPayload records one execution of the project's test suite.
type TestRunPayload struct {
	Command string `json:"command"`
	Passed  bool   `json:"passed"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

type ProgressPayload struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type FeaturePayload struct {
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	Passes      bool   `json:"passes,omitempty"`
}

// FeatureListPayload is the full list snapshot emitted whenever the agent's
// feature list changes.
type FeatureListPayload struct {
	Features  []FeaturePayload `json:"features"`
	Completed int              `json:"completed"`
	Total     int              `json:"total"`
}
