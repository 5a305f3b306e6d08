package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/user/appforge/internal/agent"
	"github.com/user/appforge/internal/feature"
	"github.com/user/appforge/internal/harness"
	"github.com/user/appforge/internal/policy"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
)

const systemPrompt = "You are an autonomous software engineer working inside an isolated sandbox. " +
	"Use the provided tools for every file change and command, keep the project under /workspace, " +
	"and keep your tracking files up to date as you work."

// loopHandle controls one build's background loop. stopCh is a cooperative
// signal polled between iterations; cancel aborts in-flight work and is
// reserved for delete, restart, and shutdown. done closes when the loop has
// fully exited.
type loopHandle struct {
	buildID types.BuildID
	cancel  context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func (h *loopHandle) signalStop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *loopHandle) stopRequested() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

// startLoop registers a loop for the build and launches it. A build with a
// live loop is refused: one writer per build.
func (o *Orchestrator) startLoop(id types.BuildID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.loops[id]; exists {
		return fmt.Errorf("build %s already has a live loop: %w", id, types.ErrConflict)
	}
	base := o.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	h := &loopHandle{
		buildID: id,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	o.loops[id] = h
	o.wg.Add(1)
	go o.runLoop(ctx, h)
	return nil
}

func (o *Orchestrator) removeLoop(h *loopHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loops[h.buildID] == h {
		delete(o.loops, h.buildID)
	}
}

func (o *Orchestrator) loopFor(id types.BuildID) (*loopHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.loops[id]
	return h, ok
}

// stopLoop signals the build's loop to stop; hard also cancels in-flight
// work. The returned channel closes when the loop has exited. Nil means no
// loop was live.
func (o *Orchestrator) stopLoop(id types.BuildID, hard bool) <-chan struct{} {
	h, ok := o.loopFor(id)
	if !ok {
		return nil
	}
	h.signalStop()
	if hard {
		h.cancel()
	}
	return h.done
}

func (o *Orchestrator) runLoop(ctx context.Context, h *loopHandle) {
	defer o.wg.Done()
	defer close(h.done)
	defer o.removeLoop(h)
	defer h.cancel()

	b, err := o.store.GetBuild(ctx, h.buildID)
	if err != nil {
		slog.Error("build loop: load build", "build_id", h.buildID, "error", err)
		return
	}
	hns, ok := o.harnesses.Get(b.HarnessName)
	if !ok {
		o.fail(ctx, b, fmt.Sprintf("unknown harness %q", b.HarnessName))
		return
	}

	sb := o.ensureSandbox(ctx, h, b)
	if sb == nil {
		return
	}
	o.restoreHarnessState(ctx, b, hns, sb)

	o.iterate(ctx, h, b, hns, sb)
}

// ensureSandbox gets the build a working sandbox: fresh acquisition for new
// builds, reconnect-or-restore for relaunched ones. Returns nil after
// failing the build or when asked to stop.
func (o *Orchestrator) ensureSandbox(ctx context.Context, h *loopHandle, b *types.Build) sandbox.Sandbox {
	if b.SandboxID == "" {
		if err := o.transition(ctx, b, types.StatusInitializing, "acquiring sandbox"); err != nil {
			slog.Warn("build loop: initialize", "build_id", b.ID, "error", err)
			return nil
		}

		var sb sandbox.Sandbox
		var err error
		for attempt := 0; attempt < o.opts.MaxSessionFailures; attempt++ {
			sb, err = o.manager.AcquireNew(ctx, b.Provider, b.Tier, nil)
			if err == nil {
				break
			}
			o.record(ctx, types.NewBuildEvent(b.ID, types.EventError, types.ErrorPayload{
				Message: fmt.Sprintf("sandbox acquisition failed (attempt %d): %v", attempt+1, err),
			}))
			if !o.sleep(ctx, h) {
				return nil
			}
		}
		if err != nil {
			o.fail(ctx, b, "sandbox acquisition failed: "+err.Error())
			return nil
		}

		b.SandboxID = sb.ID()
		if err := o.transition(ctx, b, types.StatusRunning, "sandbox ready"); err != nil {
			slog.Warn("build loop: start running", "build_id", b.ID, "error", err)
			if derr := sb.Destroy(ctx); derr != nil {
				slog.Warn("destroy unused sandbox", "sandbox_id", sb.ID(), "error", derr)
			}
			return nil
		}
		return sb
	}

	sb, fresh, err := o.manager.Reconnect(ctx, b.Provider, b.SandboxID, b.ArtifactKey)
	if err != nil {
		o.fail(ctx, b, "sandbox unrecoverable: "+err.Error())
		return nil
	}
	if fresh {
		b.SandboxID = sb.ID()
		if err := o.persistLoopFields(ctx, b); err != nil {
			slog.Error("build loop: persist replacement sandbox", "build_id", b.ID, "error", err)
		}
	}
	return sb
}

// iterate runs agent sessions until the build completes, fails, parks at a
// review gate, or is told to stop. One session per iteration; consecutive
// session failures up to the cap, then the build fails.
func (o *Orchestrator) iterate(ctx context.Context, h *loopHandle, b *types.Build, hns harness.Harness, sb sandbox.Sandbox) {
	pol := policy.New(hns.AllowedCommands())
	failures := 0
	var lastItems []feature.Item

	for iteration := 0; ; iteration++ {
		if h.stopRequested() || ctx.Err() != nil {
			return
		}
		if o.opts.MaxIterations > 0 && iteration >= o.opts.MaxIterations {
			o.parkAtIterationCap(ctx, b, sb)
			return
		}

		cur, err := o.store.GetBuild(ctx, b.ID)
		if err != nil {
			slog.Warn("build loop: reload build", "build_id", b.ID, "error", err)
			return
		}
		b = cur
		if b.Status != types.StatusRunning {
			return
		}

		prompt := hns.ContinuationPrompt()
		if o.firstRun(ctx, b, hns, sb) {
			prompt = hns.InitialPrompt(b.Spec)
		}

		result, err := o.runner.RunSession(ctx, sb, agent.SessionParams{
			BuildID:      b.ID,
			SystemPrompt: systemPrompt,
			Prompt:       prompt,
			History:      turnsToMessages(b.History),
			Policy:       pol,
			Tools:        hns.ToolServers(),
			Sink:         o.recorder,
			MaxRounds:    o.opts.MaxRounds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			o.record(ctx, types.NewBuildEvent(b.ID, types.EventError, types.ErrorPayload{
				Message: fmt.Sprintf("agent session failed (%d of %d): %v", failures, o.opts.MaxSessionFailures, err),
			}))
			if failures >= o.opts.MaxSessionFailures {
				o.fail(ctx, b, fmt.Sprintf("agent session failed %d times, last error: %v", failures, err))
				return
			}
			if !o.sleep(ctx, h) {
				return
			}
			continue
		}
		failures = 0

		b.History = o.trimTurns(messagesToTurns(result.History))
		prevProgress := b.Progress
		prog, perr := hns.Progress(ctx, sb)
		if perr != nil {
			o.record(ctx, types.NewBuildEvent(b.ID, types.EventError, types.ErrorPayload{
				Message: "progress check failed: " + perr.Error(),
			}))
		} else {
			b.Progress = prog
		}

		if err := o.persistLoopFields(ctx, b); err != nil {
			slog.Warn("build loop: persist iteration", "build_id", b.ID, "error", err)
			if errors.Is(err, types.ErrNotFound) {
				return
			}
		}
		if perr == nil && b.Progress != prevProgress {
			o.record(ctx, types.NewBuildEvent(b.ID, types.EventProgress, types.ProgressPayload{
				Completed: b.Progress.Completed,
				Total:     b.Progress.Total,
			}))
		}
		items := o.readFeatures(ctx, hns, sb)
		o.emitFeatureEvents(ctx, b.ID, lastItems, items)
		lastItems = items

		if b.Status != types.StatusRunning {
			return
		}
		if o.gateParked(ctx, b, hns, sb) {
			return
		}

		done, err := hns.IsComplete(ctx, sb)
		if err != nil {
			o.record(ctx, types.NewBuildEvent(b.ID, types.EventError, types.ErrorPayload{
				Message: "completion check failed: " + err.Error(),
			}))
		}
		if done {
			o.finalize(ctx, h, b, sb)
			return
		}

		if !o.sleep(ctx, h) {
			return
		}
	}
}

// persistLoopFields writes the fields the loop owns (history, progress,
// sandbox id) onto the freshest stored row, so a concurrent pause or cancel
// is never overwritten with a stale status. b is replaced with the merged
// row.
func (o *Orchestrator) persistLoopFields(ctx context.Context, b *types.Build) error {
	cur, err := o.store.GetBuild(ctx, b.ID)
	if err != nil {
		return err
	}
	cur.History = b.History
	cur.Progress = b.Progress
	cur.SandboxID = b.SandboxID
	*b = *cur
	return o.store.UpdateBuild(ctx, b)
}

// firstRun reports whether the agent has yet to produce its tracking file.
// Harnesses without a feature list fall back to history emptiness.
func (o *Orchestrator) firstRun(ctx context.Context, b *types.Build, hns harness.Harness, sb sandbox.Sandbox) bool {
	if carrier, ok := hns.(harness.FeatureListCarrier); ok {
		return !o.fileExists(ctx, sb, carrier.FeatureListPath())
	}
	return len(b.History) == 0
}

func (o *Orchestrator) fileExists(ctx context.Context, sb sandbox.Sandbox, path string) bool {
	data, err := sb.ReadFile(ctx, path)
	return err == nil && len(data) > 0
}

func (o *Orchestrator) readFeatures(ctx context.Context, hns harness.Harness, sb sandbox.Sandbox) []feature.Item {
	carrier, ok := hns.(harness.FeatureListCarrier)
	if !ok {
		return nil
	}
	data, err := sb.ReadFile(ctx, carrier.FeatureListPath())
	if err != nil {
		return nil
	}
	items, err := feature.Parse(data)
	if err != nil {
		return nil
	}
	return items
}

// emitFeatureEvents diffs the feature list against the previous iteration:
// a start event for each newly enumerated feature, a progress event when a
// pending feature's steps changed, a complete event when one flipped to
// passing, then a full list snapshot whenever the list changed at all.
func (o *Orchestrator) emitFeatureEvents(ctx context.Context, id types.BuildID, prev, cur []feature.Item) {
	if len(cur) == 0 {
		return
	}
	before := make(map[string]feature.Item, len(prev))
	for _, it := range prev {
		before[it.Description] = it
	}
	for _, it := range cur {
		old, known := before[it.Description]
		if !known {
			o.record(ctx, types.NewBuildEvent(id, types.EventFeatureStart, types.FeaturePayload{
				Description: it.Description,
				Category:    it.Category,
			}))
		}
		switch {
		case it.Passes && (!known || !old.Passes):
			o.record(ctx, types.NewBuildEvent(id, types.EventFeatureComplete, types.FeaturePayload{
				Description: it.Description,
				Category:    it.Category,
				Passes:      true,
			}))
		case !it.Passes && known && !slices.Equal(old.Steps, it.Steps):
			o.record(ctx, types.NewBuildEvent(id, types.EventFeatureProgress, types.FeaturePayload{
				Description: it.Description,
				Category:    it.Category,
			}))
		}
	}

	if feature.Equal(prev, cur) {
		return
	}
	snapshot := types.FeatureListPayload{Total: len(cur)}
	for _, it := range cur {
		if it.Passes {
			snapshot.Completed++
		}
		snapshot.Features = append(snapshot.Features, types.FeaturePayload{
			Description: it.Description,
			Category:    it.Category,
			Passes:      it.Passes,
		})
	}
	o.record(ctx, types.NewBuildEvent(id, types.EventFeatureList, snapshot))
}

// gateParked moves the build into a review state when an enabled gate's
// document has appeared and is not yet approved. The loop exits; Approve
// relaunches it.
func (o *Orchestrator) gateParked(ctx context.Context, b *types.Build, hns harness.Harness, sb sandbox.Sandbox) bool {
	if !b.ReviewGates {
		return false
	}
	if b.DesignApprovedAt == nil {
		if carrier, ok := hns.(harness.DesignDocCarrier); ok && o.fileExists(ctx, sb, carrier.DesignDocPath()) {
			if err := o.transition(ctx, b, types.StatusAwaitingDesignReview, "design document ready for review"); err != nil {
				slog.Warn("build loop: design gate", "build_id", b.ID, "error", err)
			}
			return true
		}
	}
	if b.FeaturesApprovedAt == nil {
		if carrier, ok := hns.(harness.FeatureListCarrier); ok && o.fileExists(ctx, sb, carrier.FeatureListPath()) {
			if err := o.transition(ctx, b, types.StatusAwaitingFeatureReview, "feature list ready for review"); err != nil {
				slog.Warn("build loop: feature gate", "build_id", b.ID, "error", err)
			}
			return true
		}
	}
	return false
}

// parkAtIterationCap checkpoints and pauses a build that used up its
// iteration budget for this launch. Not terminal: resume picks it back up.
func (o *Orchestrator) parkAtIterationCap(ctx context.Context, b *types.Build, sb sandbox.Sandbox) {
	o.captureCheckpoint(ctx, b, sb)
	now := time.Now()
	b.PausedAt = &now
	b.PauseReason = "iteration limit reached"
	if err := o.transition(ctx, b, types.StatusPaused, b.PauseReason); err != nil {
		slog.Warn("build loop: iteration cap", "build_id", b.ID, "error", err)
	}
}

// finalize snapshots the finished tree and completes the build. The upload
// gets the same bounded retry as other transient infrastructure.
func (o *Orchestrator) finalize(ctx context.Context, h *loopHandle, b *types.Build, sb sandbox.Sandbox) {
	var key string
	var err error
	for attempt := 0; attempt < o.opts.MaxSessionFailures; attempt++ {
		key, err = o.manager.Snapshot(ctx, sb, b.ID)
		if err == nil {
			break
		}
		o.record(ctx, types.NewBuildEvent(b.ID, types.EventError, types.ErrorPayload{
			Message: fmt.Sprintf("artifact upload failed (attempt %d): %v", attempt+1, err),
		}))
		if !o.sleep(ctx, h) {
			return
		}
	}
	if err != nil {
		o.fail(ctx, b, "artifact upload failed: "+err.Error())
		return
	}

	b.ArtifactKey = key
	if err := o.transition(ctx, b, types.StatusCompleted, "all features passing"); err != nil {
		slog.Warn("build loop: complete", "build_id", b.ID, "error", err)
		return
	}
	o.notify(ctx, b)
	slog.Info("build completed",
		"build_id", b.ID,
		"artifact_key", key,
		"completed", b.Progress.Completed,
		"total", b.Progress.Total)
}

// fail marks a build failed with a persisted, human-readable reason.
func (o *Orchestrator) fail(ctx context.Context, b *types.Build, reason string) {
	b.Error = reason
	o.record(ctx, types.NewBuildEvent(b.ID, types.EventError, types.ErrorPayload{
		Message: reason,
		Fatal:   true,
	}))
	if err := o.transition(ctx, b, types.StatusFailed, reason); err != nil {
		slog.Error("mark build failed", "build_id", b.ID, "reason", reason, "error", err)
		return
	}
	o.notify(ctx, b)
}

// sleep waits out the auto-continue delay. False means the loop should exit
// instead of continuing.
func (o *Orchestrator) sleep(ctx context.Context, h *loopHandle) bool {
	select {
	case <-time.After(o.opts.AutoContinueDelay):
		return true
	case <-h.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
