package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// CheckpointVersion is the current checkpoint schema version. Resume refuses
// checkpoints from a future version instead of guessing at their layout.
const CheckpointVersion = 1

// Checkpoint is a serializable snapshot of in-flight build state, captured on
// pause and consulted on resume. HarnessState is opaque to the orchestrator;
// only the harness that wrote it interprets it.
type Checkpoint struct {
	Version      int             `json:"version"`
	History      []Turn          `json:"history,omitempty"`
	ArtifactKey  string          `json:"artifact_key,omitempty"`
	HarnessState json.RawMessage `json:"harness_state,omitempty"`
	CapturedAt   time.Time       `json:"captured_at"`
}

// NewCheckpoint captures the given state under the current schema version.
func NewCheckpoint(history []Turn, artifactKey string, harnessState json.RawMessage) *Checkpoint {
	return &Checkpoint{
		Version:      CheckpointVersion,
		History:      history,
		ArtifactKey:  artifactKey,
		HarnessState: harnessState,
		CapturedAt:   time.Now(),
	}
}

// Validate checks that the checkpoint can be interpreted by this version of
// the code.
func (c *Checkpoint) Validate() error {
	if c == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if c.Version < 1 {
		return fmt.Errorf("checkpoint has no version")
	}
	if c.Version > CheckpointVersion {
		return fmt.Errorf("checkpoint version %d is newer than supported version %d", c.Version, CheckpointVersion)
	}
	return nil
}
