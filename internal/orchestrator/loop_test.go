package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/user/appforge/internal/agent"
	"github.com/user/appforge/internal/feature"
	"github.com/user/appforge/internal/harness"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
)

func phaseSequence(t *testing.T, evs []*types.BuildEvent) []types.Status {
	t.Helper()
	var out []types.Status
	for _, ev := range evs {
		if ev.Type != types.EventPhase {
			continue
		}
		var p types.PhasePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("decode phase payload: %v", err)
		}
		out = append(out, p.To)
	}
	return out
}

func countEvents(evs []*types.BuildEvent, typ types.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestLoop_BuildCompletes(t *testing.T) {
	r := newRig(t, Options{}, writeFeatures(true, true))
	ctx := context.Background()

	b := r.create(t)
	if b.Status != types.StatusPending {
		t.Fatalf("create returned status %s, want pending", b.Status)
	}

	done := waitStatus(t, r.store, b.ID, types.StatusCompleted)
	if done.ArtifactKey == "" {
		t.Fatal("completed build has no artifact key")
	}
	if done.Progress.Completed != 2 || done.Progress.Total != 2 {
		t.Fatalf("progress = %+v, want 2/2", done.Progress)
	}
	if len(done.History) == 0 {
		t.Fatal("conversation history not persisted")
	}
	if done.SandboxID == "" {
		t.Fatal("sandbox id not recorded")
	}

	waitCond(t, "completion notification", func() bool { return r.notified.count() == 1 })
	if nb := r.notified.last(); nb.Status != types.StatusCompleted {
		t.Fatalf("notified with status %s, want completed", nb.Status)
	}

	evs, err := r.store.ListEvents(ctx, b.ID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	phases := phaseSequence(t, evs)
	want := []types.Status{types.StatusPending, types.StatusInitializing, types.StatusRunning, types.StatusCompleted}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Fatalf("phase sequence = %v, want %v", phases, want)
	}
	if n := countEvents(evs, types.EventProgress); n != 1 {
		t.Fatalf("progress events = %d, want 1", n)
	}
	if n := countEvents(evs, types.EventFeatureComplete); n != 2 {
		t.Fatalf("feature complete events = %d, want 2", n)
	}
}

func TestLoop_PromptSelection(t *testing.T) {
	r := newRig(t, Options{AutoContinueDelay: time.Millisecond},
		writeFeatures(false),
		writeFeatures(true),
	)

	b := r.create(t)
	waitStatus(t, r.store, b.ID, types.StatusCompleted)

	if n := r.runner.callCount(); n != 2 {
		t.Fatalf("sessions run = %d, want 2", n)
	}
	first := r.runner.params(0)
	if !strings.Contains(first.Prompt, "todo list app") {
		t.Fatalf("first prompt %q does not carry the spec", first.Prompt)
	}
	if len(first.History) != 0 {
		t.Fatalf("first session started with %d history messages", len(first.History))
	}
	if first.SystemPrompt == "" {
		t.Fatal("sessions need a system prompt")
	}

	second := r.runner.params(1)
	if second.Prompt != (&harness.Coding{}).ContinuationPrompt() {
		t.Fatalf("second prompt %q, want the continuation prompt", second.Prompt)
	}
	if len(second.History) < 2 {
		t.Fatalf("second session got %d history messages, want the first session's turns", len(second.History))
	}
}

func TestLoop_SessionFailureCap(t *testing.T) {
	r := newRig(t, Options{MaxSessionFailures: 2, AutoContinueDelay: time.Millisecond})
	r.runner.fallback = failingStep("llm exploded")
	ctx := context.Background()

	b := r.create(t)
	failed := waitStatus(t, r.store, b.ID, types.StatusFailed)
	if !strings.Contains(failed.Error, "2 times") || !strings.Contains(failed.Error, "llm exploded") {
		t.Fatalf("failure reason %q should name the count and cause", failed.Error)
	}

	waitCond(t, "failure notification", func() bool { return r.notified.count() == 1 })

	evs, err := r.store.ListEvents(ctx, b.ID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var errPayloads []types.ErrorPayload
	for _, ev := range evs {
		if ev.Type != types.EventError {
			continue
		}
		var p types.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("decode error payload: %v", err)
		}
		errPayloads = append(errPayloads, p)
	}
	if len(errPayloads) != 3 {
		t.Fatalf("error events = %d, want 2 session failures plus the fatal one", len(errPayloads))
	}
	if !errPayloads[len(errPayloads)-1].Fatal {
		t.Fatal("final error event should be fatal")
	}
}

func TestLoop_SandboxAcquisitionFailure(t *testing.T) {
	r := newRig(t, Options{MaxSessionFailures: 2, AutoContinueDelay: time.Millisecond})
	r.provider.createErr = errors.New("quota exhausted")
	ctx := context.Background()

	b := r.create(t)
	failed := waitStatus(t, r.store, b.ID, types.StatusFailed)
	if !strings.Contains(failed.Error, "sandbox acquisition failed") {
		t.Fatalf("failure reason %q should name acquisition", failed.Error)
	}
	if n := r.runner.callCount(); n != 0 {
		t.Fatalf("%d sessions ran without a sandbox", n)
	}

	evs, err := r.store.ListEvents(ctx, b.ID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	phases := phaseSequence(t, evs)
	want := []types.Status{types.StatusPending, types.StatusInitializing, types.StatusFailed}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Fatalf("phase sequence = %v, want %v", phases, want)
	}
}

func TestLoop_ReviewGates(t *testing.T) {
	writeDesign := func(ctx context.Context, sb sandbox.Sandbox, params agent.SessionParams) (*agent.SessionResult, error) {
		if err := sb.WriteFile(ctx, harness.DefaultDesignDocPath, []byte("# design\n")); err != nil {
			return nil, err
		}
		return sessionReply(params, "drafted the design"), nil
	}
	r := newRig(t, Options{},
		writeDesign,
		writeFeatures(false, false),
		writeFeatures(true, true),
	)
	ctx := context.Background()

	b, err := r.orch.Create(ctx, CreateParams{
		UserID:      testUser,
		Spec:        "build a todo list app with add and delete",
		ReviewGates: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	parked := waitStatus(t, r.store, b.ID, types.StatusAwaitingDesignReview)
	waitLoopGone(t, r.orch, b.ID)
	if parked.DesignApprovedAt != nil {
		t.Fatal("design approved before review")
	}

	revised := "# revised design\n"
	approved, err := r.orch.Approve(ctx, testUser, b.ID, GateDesign, revised)
	if err != nil {
		t.Fatalf("approve design: %v", err)
	}
	if approved.DesignApprovedAt == nil || approved.Status != types.StatusRunning {
		t.Fatalf("design approval left build %s with approval %v", approved.Status, approved.DesignApprovedAt)
	}
	box := r.provider.sandbox(parked.SandboxID)
	if got := box.file(harness.DefaultDesignDocPath); string(got) != revised {
		t.Fatalf("design doc = %q, want reviewer's edit", got)
	}

	parked = waitStatus(t, r.store, b.ID, types.StatusAwaitingFeatureReview)
	waitLoopGone(t, r.orch, b.ID)
	if got := box.file(harness.DefaultFeatureListPath); string(got) != string(featureList(false, false)) {
		t.Fatalf("feature list = %q before approval", got)
	}

	if _, err := r.orch.Approve(ctx, testUser, b.ID, GateFeatures, ""); err != nil {
		t.Fatalf("approve features: %v", err)
	}

	done := waitStatus(t, r.store, b.ID, types.StatusCompleted)
	if done.FeaturesApprovedAt == nil {
		t.Fatal("features approval timestamp not set")
	}

	evs, err := r.store.ListEvents(ctx, b.ID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	phases := phaseSequence(t, evs)
	want := []types.Status{
		types.StatusPending,
		types.StatusInitializing,
		types.StatusRunning,
		types.StatusAwaitingDesignReview,
		types.StatusRunning,
		types.StatusAwaitingFeatureReview,
		types.StatusRunning,
		types.StatusCompleted,
	}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Fatalf("phase sequence = %v, want %v", phases, want)
	}
}

func TestLoop_PauseCheckpointResume(t *testing.T) {
	r := newRig(t, Options{},
		writeFeatures(true, false),
		writeFeatures(true, true),
	)
	ctx := context.Background()

	b := r.create(t)
	waitCond(t, "first session persisted", func() bool {
		cur, err := r.store.GetBuild(ctx, b.ID)
		return err == nil && len(cur.History) > 0
	})

	paused, err := r.orch.Pause(ctx, testUser, b.ID, "need a coffee")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != types.StatusPaused || paused.PauseReason != "need a coffee" || paused.PausedAt == nil {
		t.Fatalf("pause state = %s (%q, %v)", paused.Status, paused.PauseReason, paused.PausedAt)
	}
	if paused.ArtifactKey == "" {
		t.Fatal("pause did not snapshot artifacts")
	}
	cp := paused.Checkpoint
	if cp == nil {
		t.Fatal("pause did not capture a checkpoint")
	}
	if err := cp.Validate(); err != nil {
		t.Fatalf("checkpoint invalid: %v", err)
	}
	if cp.ArtifactKey != paused.ArtifactKey {
		t.Fatalf("checkpoint key %q != build key %q", cp.ArtifactKey, paused.ArtifactKey)
	}
	if len(cp.History) != 2 {
		t.Fatalf("checkpoint history = %d turns, want 2", len(cp.History))
	}
	if string(cp.HarnessState) != string(featureList(true, false)) {
		t.Fatalf("checkpoint harness state = %s", cp.HarnessState)
	}

	waitLoopGone(t, r.orch, b.ID)

	resumed, err := r.orch.Resume(ctx, testUser, b.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != types.StatusRunning || resumed.PausedAt != nil || resumed.PauseReason != "" {
		t.Fatalf("resume state = %s (%q, %v)", resumed.Status, resumed.PauseReason, resumed.PausedAt)
	}

	waitStatus(t, r.store, b.ID, types.StatusCompleted)
	if n := r.runner.callCount(); n != 2 {
		t.Fatalf("sessions run = %d, want 2", n)
	}
	hist := r.runner.params(1).History
	if len(hist) < 2 {
		t.Fatalf("resumed session got %d history messages", len(hist))
	}
	if last := hist[len(hist)-1]; last.Role != "assistant" || last.Content != "updated feature list" {
		t.Fatalf("resumed history tail = %s %q, want the pre-pause assistant turn", last.Role, last.Content)
	}
}

func TestLoop_ResumeRestoresDeadSandbox(t *testing.T) {
	r := newRig(t, Options{},
		writeFeatures(true, false),
		writeFeatures(true, true),
	)
	ctx := context.Background()

	b := r.create(t)
	waitCond(t, "first session persisted", func() bool {
		cur, err := r.store.GetBuild(ctx, b.ID)
		return err == nil && len(cur.History) > 0
	})
	paused, err := r.orch.Pause(ctx, testUser, b.ID, "")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitLoopGone(t, r.orch, b.ID)

	r.provider.sandbox(paused.SandboxID).kill()

	if _, err := r.orch.Resume(ctx, testUser, b.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	done := waitStatus(t, r.store, b.ID, types.StatusCompleted)
	if done.SandboxID == paused.SandboxID {
		t.Fatal("dead sandbox was reused")
	}
	if n := r.provider.count(); n != 2 {
		t.Fatalf("sandboxes created = %d, want a replacement", n)
	}

	replacement := r.provider.sandbox(done.SandboxID)
	if got := replacement.file(harness.DefaultFeatureListPath); string(got) != string(featureList(true, true)) {
		t.Fatalf("replacement sandbox feature list = %q", got)
	}
	if second := r.runner.params(1); second.Prompt != (&harness.Coding{}).ContinuationPrompt() {
		t.Fatalf("restored build re-ran the initial prompt: %q", second.Prompt)
	}
}

func TestEmitFeatureEvents_StartProgressComplete(t *testing.T) {
	r := newRig(t, Options{})
	ctx := context.Background()
	id := types.BuildID("b-events")

	enumerated := []feature.Item{{
		Category:    feature.CategoryFunctional,
		Description: "add todos",
		Steps:       []string{"open app"},
	}}
	r.orch.emitFeatureEvents(ctx, id, nil, enumerated)

	progressed := []feature.Item{{
		Category:    feature.CategoryFunctional,
		Description: "add todos",
		Steps:       []string{"open app", "type a todo"},
	}}
	r.orch.emitFeatureEvents(ctx, id, enumerated, progressed)

	done := []feature.Item{{
		Category:    feature.CategoryFunctional,
		Description: "add todos",
		Steps:       progressed[0].Steps,
		Passes:      true,
	}}
	r.orch.emitFeatureEvents(ctx, id, progressed, done)

	// Unchanged list: nothing new to report.
	r.orch.emitFeatureEvents(ctx, id, done, done)

	evs, err := r.store.ListEvents(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for typ, want := range map[types.EventType]int{
		types.EventFeatureStart:    1,
		types.EventFeatureProgress: 1,
		types.EventFeatureComplete: 1,
	} {
		if n := countEvents(evs, typ); n != want {
			t.Errorf("%s events = %d, want %d", typ, n, want)
		}
	}
}

func TestLoop_ResumeRestoresHarnessStateFromCheckpoint(t *testing.T) {
	r := newRig(t, Options{},
		writeFeatures(true, false),
		writeFeatures(true, true),
	)
	ctx := context.Background()

	b := r.create(t)
	waitCond(t, "first session persisted", func() bool {
		cur, err := r.store.GetBuild(ctx, b.ID)
		return err == nil && len(cur.History) > 0
	})
	paused, err := r.orch.Pause(ctx, testUser, b.ID, "")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if len(paused.Checkpoint.HarnessState) == 0 {
		t.Fatal("pause did not capture harness state")
	}
	waitLoopGone(t, r.orch, b.ID)

	// The feature list vanishes from the still-live sandbox. Without the
	// checkpointed copy written back, resume would misread this as a first
	// run and replay the initial prompt.
	box := r.provider.sandbox(paused.SandboxID)
	box.mu.Lock()
	delete(box.files, harness.DefaultFeatureListPath)
	box.mu.Unlock()

	if _, err := r.orch.Resume(ctx, testUser, b.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, r.store, b.ID, types.StatusCompleted)

	if second := r.runner.params(1); second.Prompt != (&harness.Coding{}).ContinuationPrompt() {
		t.Fatalf("resumed build re-ran the initial prompt: %q", second.Prompt)
	}
}

func TestLoop_IterationCapParks(t *testing.T) {
	r := newRig(t, Options{MaxIterations: 1, AutoContinueDelay: time.Millisecond},
		writeFeatures(true, false),
		writeFeatures(true, true),
	)
	ctx := context.Background()

	b := r.create(t)
	parked := waitStatus(t, r.store, b.ID, types.StatusPaused)
	if parked.PauseReason != "iteration limit reached" {
		t.Fatalf("pause reason = %q", parked.PauseReason)
	}
	if parked.ArtifactKey == "" || parked.Checkpoint == nil {
		t.Fatal("iteration cap should checkpoint before parking")
	}
	waitLoopGone(t, r.orch, b.ID)

	if _, err := r.orch.Resume(ctx, testUser, b.ID); err != nil {
		t.Fatalf("Resume after iteration cap: %v", err)
	}
	waitStatus(t, r.store, b.ID, types.StatusCompleted)
	if n := r.runner.callCount(); n != 2 {
		t.Fatalf("sessions run = %d, want 2", n)
	}
}

func TestLoop_SingleWriter(t *testing.T) {
	gate := make(chan struct{})
	r := newRig(t, Options{}, blockUntil(gate))

	b := r.create(t)
	waitStatus(t, r.store, b.ID, types.StatusRunning)

	if err := r.orch.startLoop(b.ID); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("second loop for one build error = %v, want ErrConflict", err)
	}

	close(gate)
	waitStatus(t, r.store, b.ID, types.StatusCompleted)
}
