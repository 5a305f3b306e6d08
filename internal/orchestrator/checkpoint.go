package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/user/appforge/internal/harness"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
	"github.com/user/appforge/pkg/llm"
)

// captureCheckpoint snapshots everything resume needs: a fresh artifact
// upload from the live sandbox, the harness's state file, and the trimmed
// conversation history. Snapshot failure degrades to the last known artifact
// key rather than blocking the pause.
func (o *Orchestrator) captureCheckpoint(ctx context.Context, b *types.Build, sb sandbox.Sandbox) {
	if sb != nil {
		key, err := o.manager.Snapshot(ctx, sb, b.ID)
		if err != nil {
			slog.Warn("checkpoint snapshot failed, keeping last artifact key",
				"build_id", b.ID, "artifact_key", b.ArtifactKey, "error", err)
			o.record(ctx, types.NewBuildEvent(b.ID, types.EventError, types.ErrorPayload{
				Message: "checkpoint snapshot failed: " + err.Error(),
			}))
		} else {
			b.ArtifactKey = key
		}
	}

	b.History = o.trimTurns(b.History)
	b.Checkpoint = types.NewCheckpoint(b.History, b.ArtifactKey, o.harnessState(ctx, b, sb))
}

// harnessState reads the harness's state file (the feature list for list
// carriers) out of the sandbox so resume can reconstruct it even on a fresh
// sandbox. Only well-formed JSON is kept.
func (o *Orchestrator) harnessState(ctx context.Context, b *types.Build, sb sandbox.Sandbox) json.RawMessage {
	if sb == nil {
		return nil
	}
	hns, ok := o.harnesses.Get(b.HarnessName)
	if !ok {
		return nil
	}
	carrier, ok := hns.(harness.FeatureListCarrier)
	if !ok {
		return nil
	}
	data, err := sb.ReadFile(ctx, carrier.FeatureListPath())
	if err != nil || !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}

// restoreHarnessState writes the checkpointed harness state back into the
// sandbox when the artifact restore did not bring it along, so a resumed
// build keeps its feature progress instead of looking like a first run.
func (o *Orchestrator) restoreHarnessState(ctx context.Context, b *types.Build, hns harness.Harness, sb sandbox.Sandbox) {
	if b.Checkpoint == nil || len(b.Checkpoint.HarnessState) == 0 {
		return
	}
	carrier, ok := hns.(harness.FeatureListCarrier)
	if !ok {
		return
	}
	if _, err := sb.ReadFile(ctx, carrier.FeatureListPath()); err == nil {
		return
	}
	if err := sb.WriteFile(ctx, carrier.FeatureListPath(), b.Checkpoint.HarnessState); err != nil {
		slog.Warn("restore harness state", "build_id", b.ID, "error", err)
	}
}

// trimTurns bounds persisted history to the checkpoint token budget, keeping
// the newest turns.
func (o *Orchestrator) trimTurns(turns []types.Turn) []types.Turn {
	if o.trimmer == nil || len(turns) == 0 {
		return turns
	}
	trimmed := o.trimmer.Trim(turnsToMessages(turns))
	return messagesToTurns(trimmed)
}

// turnsToMessages expands persisted turns into provider messages.
func turnsToMessages(turns []types.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// messagesToTurns keeps the textual conversation: user and assistant
// messages with content. Tool transcripts already live in the event log and
// are not replayed across sessions.
func messagesToTurns(messages []llm.Message) []types.Turn {
	var out []types.Turn
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if m.Content == "" {
			continue
		}
		out = append(out, types.Turn{Role: m.Role, Content: m.Content})
	}
	return out
}
