//go:build integration

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/appforge/internal/agent"
	"github.com/user/appforge/internal/artifact"
	"github.com/user/appforge/internal/events"
	"github.com/user/appforge/internal/harness"
	"github.com/user/appforge/internal/orchestrator"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/sandbox/local"
	"github.com/user/appforge/internal/store/memory"
	"github.com/user/appforge/internal/types"
	"github.com/user/appforge/pkg/llm"
)

// scriptedRunner stands in for the LLM. Each session writes the feature
// list the loop steers by; sessions only mark every feature passing once
// allowCompletion has been called.
type scriptedRunner struct {
	mu       sync.Mutex
	calls    int
	complete bool
}

func (r *scriptedRunner) allowCompletion() {
	r.mu.Lock()
	r.complete = true
	r.mu.Unlock()
}

func (r *scriptedRunner) RunSession(ctx context.Context, sb sandbox.Sandbox, params agent.SessionParams) (*agent.SessionResult, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	passing := r.complete
	r.mu.Unlock()

	items := []map[string]any{
		{"category": "functional", "description": "add todo items", "passes": true},
		{"category": "functional", "description": "delete todo items", "passes": passing},
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	if err := sb.WriteFile(ctx, sandbox.WorkDir+"/features.json", data); err != nil {
		return nil, err
	}
	if err := sb.WriteFile(ctx, sandbox.WorkDir+"/index.js", []byte("console.log('todo app')\n")); err != nil {
		return nil, err
	}

	history := append(params.History,
		llm.Message{Role: "user", Content: params.Prompt},
		llm.Message{Role: "assistant", Content: fmt.Sprintf("session %d done", call)},
	)
	return &agent.SessionResult{
		FinalText: "progress made",
		History:   history,
		Rounds:    1,
	}, nil
}

type rig struct {
	store     *memory.Store
	artifacts *artifact.FS
	orch      *orchestrator.Orchestrator
	runner    *scriptedRunner
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()

	st := memory.New()
	artifacts := artifact.NewFS(filepath.Join(dir, "artifacts"))
	bus := events.NewBus()
	recorder := events.NewRecorder(st, bus, nil)

	manager := sandbox.NewManager(st, artifacts, "")
	manager.RegisterProvider(local.New(filepath.Join(dir, "workspaces")))

	harnesses := harness.NewRegistry()
	harnesses.Register(&harness.Coding{})

	runner := &scriptedRunner{}
	orch := orchestrator.New(st, recorder, manager, harnesses, runner, nil, orchestrator.Options{
		DefaultProvider:    "local",
		MaxConcurrent:      5,
		MaxIterations:      20,
		MaxSessionFailures: 3,
		AutoContinueDelay:  10 * time.Millisecond,
		CreateLimit:        -1,
		SpecLimit:          1 << 20,
		CheckpointTokens:   48000,
		Model:              "gpt-4o",
	})
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	return &rig{store: st, artifacts: artifacts, orch: orch, runner: runner}
}

// waitStatus polls until the build reaches want. A failed build aborts the
// test immediately with its recorded error.
func waitStatus(t *testing.T, r *rig, user types.UserID, id types.BuildID, want types.Status) *types.Build {
	t.Helper()
	deadline := time.After(15 * time.Second)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			b, _ := r.orch.Get(context.Background(), user, id)
			t.Fatalf("build never reached %s, status=%s error=%q", want, b.Status, b.Error)
		case <-ticker.C:
			b, err := r.orch.Get(context.Background(), user, id)
			if err != nil {
				t.Fatal(err)
			}
			if b.Status == want {
				return b
			}
			if b.Status == types.StatusFailed && want != types.StatusFailed {
				t.Fatalf("build failed: %s", b.Error)
			}
		}
	}
}

func TestBuildCompletesAndPreviews(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	user := types.UserID("u-int")

	r.runner.allowCompletion()
	b, err := r.orch.Create(ctx, orchestrator.CreateParams{
		UserID: user,
		Spec:   "build a todo list app with add and delete",
	})
	if err != nil {
		t.Fatal(err)
	}

	final := waitStatus(t, r, user, b.ID, types.StatusCompleted)
	if final.Progress.Completed != 2 || final.Progress.Total != 2 {
		t.Errorf("expected progress 2/2, got %d/%d", final.Progress.Completed, final.Progress.Total)
	}
	if final.ArtifactKey == "" {
		t.Fatal("expected artifact key on completed build")
	}
	ok, err := r.artifacts.Exists(ctx, final.ArtifactKey)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("artifact %s not found in storage", final.ArtifactKey)
	}

	// The event feed tells the whole story in order.
	evs, err := r.orch.Events(ctx, user, b.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var phases []types.Status
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, ev.Seq)
		}
		if ev.Type != types.EventPhase {
			continue
		}
		var p types.PhasePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatal(err)
		}
		phases = append(phases, p.To)
	}
	want := []types.Status{types.StatusPending, types.StatusInitializing, types.StatusRunning, types.StatusCompleted}
	if len(phases) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, phases)
		}
	}

	// Preview restores the snapshot into a fresh sandbox.
	p, err := r.orch.StartPreview(ctx, user, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != types.PreviewRunning {
		t.Fatalf("expected preview running, got %s", p.Status)
	}
	if p.URL == "" {
		t.Error("expected a preview URL")
	}

	status, err := r.orch.PreviewStatus(ctx, user, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != types.PreviewRunning {
		t.Fatalf("expected verified preview running, got %s", status.Status)
	}

	ext, err := r.orch.ExtendPreview(ctx, user, b.ID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !ext.ExpiresAt.After(p.ExpiresAt) {
		t.Errorf("expected extended expiry after %v, got %v", p.ExpiresAt, ext.ExpiresAt)
	}

	stopped, err := r.orch.StopPreview(ctx, user, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != types.PreviewStopped {
		t.Fatalf("expected preview stopped, got %s", stopped.Status)
	}
}

func TestPauseResumeCarriesHistory(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	user := types.UserID("u-int")

	b, err := r.orch.Create(ctx, orchestrator.CreateParams{
		UserID: user,
		Spec:   "build a todo list app with add and delete",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the first session to land before pausing, so the pause hits
	// a running build with recorded history.
	deadline := time.After(15 * time.Second)
	for {
		cur, err := r.orch.Get(ctx, user, b.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.Status == types.StatusRunning && cur.Progress.Total == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first iteration never landed, status=%s", cur.Status)
		case <-time.After(25 * time.Millisecond):
		}
	}

	paused, err := r.orch.Pause(ctx, user, b.ID, "reviewing direction")
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != types.StatusPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}
	if paused.PausedAt == nil || paused.PauseReason != "reviewing direction" {
		t.Errorf("expected pause metadata, got at=%v reason=%q", paused.PausedAt, paused.PauseReason)
	}
	if len(paused.History) == 0 {
		t.Fatal("expected history persisted before pause")
	}

	resumed, err := r.orch.Resume(ctx, user, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != types.StatusRunning {
		t.Fatalf("expected running after resume, got %s", resumed.Status)
	}

	r.runner.allowCompletion()
	final := waitStatus(t, r, user, b.ID, types.StatusCompleted)

	// Two sessions minimum, each adding a user and an assistant turn, and
	// the pre-pause turns still present.
	if len(final.History) < 4 {
		t.Errorf("expected at least 4 history turns across pause, got %d", len(final.History))
	}
	if final.History[0].Role != "user" {
		t.Errorf("expected first turn from user, got %s", final.History[0].Role)
	}
}
