// Package orchestrator owns the build lifecycle: it validates and persists
// builds, runs one background agent loop per active build, moves builds
// through their status machine, and enforces per-user capacity. All writes
// to a build row go through either its single loop or a synchronous
// operation that has stopped the loop first.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/appforge/internal/agent"
	"github.com/user/appforge/internal/events"
	"github.com/user/appforge/internal/feature"
	"github.com/user/appforge/internal/harness"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
)

// Review gate names accepted by Approve.
const (
	GateDesign   = "design"
	GateFeatures = "features"
)

// Notifier is told when a build reaches a terminal outcome. Implementations
// live in internal/notify; nil disables notification.
type Notifier interface {
	BuildFinished(ctx context.Context, b *types.Build)
}

// Options tune the orchestrator. Zero values take defaults.
type Options struct {
	// DefaultProvider is the sandbox provider for builds that name none.
	DefaultProvider string
	// MaxConcurrent caps simultaneously active builds per user.
	MaxConcurrent int
	// MaxIterations bounds loop iterations per launch. Zero is unbounded.
	MaxIterations int
	// MaxRounds bounds tool rounds per agent session. Zero takes the
	// runner's default.
	MaxRounds int
	// MaxSessionFailures is how many consecutive session errors fail a
	// build. The same bound retries sandbox acquisition and snapshots.
	MaxSessionFailures int
	// AutoContinueDelay is the pause between loop iterations.
	AutoContinueDelay time.Duration
	// CreateLimit caps build creations per user per rate window. Negative
	// disables the limit.
	CreateLimit int
	// SpecLimit is the largest accepted specification, in bytes.
	SpecLimit int
	// CheckpointTokens budgets persisted conversation history.
	CheckpointTokens int
	// Model names the tokenizer encoding used for that budget.
	Model string
}

const (
	defaultProvider           = "local"
	defaultMaxConcurrent      = 5
	defaultMaxSessionFailures = 3
	defaultAutoContinueDelay  = 3 * time.Second
	defaultCreateLimit        = 20
	defaultSpecLimit          = 256 << 10
	defaultCheckpointTokens   = 48000
	defaultModel              = "gpt-4o"
)

func (opts Options) withDefaults() Options {
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = defaultProvider
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.MaxSessionFailures <= 0 {
		opts.MaxSessionFailures = defaultMaxSessionFailures
	}
	if opts.AutoContinueDelay <= 0 {
		opts.AutoContinueDelay = defaultAutoContinueDelay
	}
	if opts.CreateLimit == 0 {
		opts.CreateLimit = defaultCreateLimit
	}
	if opts.SpecLimit <= 0 {
		opts.SpecLimit = defaultSpecLimit
	}
	if opts.CheckpointTokens <= 0 {
		opts.CheckpointTokens = defaultCheckpointTokens
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	return opts
}

type Orchestrator struct {
	store     types.Store
	recorder  events.Sink
	manager   *sandbox.Manager
	harnesses *harness.Registry
	runner    agent.Runner
	notifier  Notifier
	limiter   *RateLimiter
	trimmer   *agent.History
	opts      Options

	mu      sync.Mutex
	loops   map[types.BuildID]*loopHandle
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New wires an orchestrator. notifier may be nil. A tokenizer that cannot
// be loaded disables history trimming rather than failing startup.
func New(store types.Store, recorder events.Sink, manager *sandbox.Manager, harnesses *harness.Registry, runner agent.Runner, notifier Notifier, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	trimmer, err := agent.NewHistory(opts.Model, opts.CheckpointTokens)
	if err != nil {
		slog.Warn("history trimming disabled", "model", opts.Model, "error", err)
		trimmer = nil
	}
	return &Orchestrator{
		store:     store,
		recorder:  recorder,
		manager:   manager,
		harnesses: harnesses,
		runner:    runner,
		notifier:  notifier,
		limiter:   NewRateLimiter(opts.CreateLimit),
		trimmer:   trimmer,
		opts:      opts,
		loops:     make(map[types.BuildID]*loopHandle),
	}
}

// Start fixes the context build loops run under. Call once, before the
// first build operation.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx, o.cancel = context.WithCancel(ctx)
}

// Stop signals every live loop, aborts their in-flight work, and waits for
// them to drain. Interrupted builds are repaired by SweepOrphans on the
// next start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	for _, h := range o.loops {
		h.signalStop()
	}
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// CreateParams is the configuration for a new build.
type CreateParams struct {
	UserID         types.UserID
	ProjectID      types.ProjectID
	Spec           string
	Harness        string
	Provider       string
	Tier           string
	TargetFeatures int
	ReviewGates    bool
}

// Create validates, persists, and launches a new build. The build is
// returned as created, in pending; the loop advances it in the background.
func (o *Orchestrator) Create(ctx context.Context, params CreateParams) (*types.Build, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("user id is required: %w", types.ErrInvalid)
	}
	if strings.TrimSpace(params.Spec) == "" {
		return nil, fmt.Errorf("spec is required: %w", types.ErrInvalid)
	}
	if len(params.Spec) > o.opts.SpecLimit {
		return nil, fmt.Errorf("spec exceeds %d bytes: %w", o.opts.SpecLimit, types.ErrInvalid)
	}
	hns, ok := o.harnesses.Get(params.Harness)
	if !ok {
		return nil, fmt.Errorf("unknown harness %q: %w", params.Harness, types.ErrInvalid)
	}
	if !o.limiter.Allow(params.UserID) {
		return nil, fmt.Errorf("build creation limit reached for user %s: %w", params.UserID, ErrRateLimited)
	}
	if err := o.checkCapacity(ctx, params.UserID, 0); err != nil {
		return nil, err
	}

	provider := params.Provider
	if provider == "" {
		provider = o.opts.DefaultProvider
	}
	now := time.Now()
	b := &types.Build{
		ID:             types.NewBuildID(),
		UserID:         params.UserID,
		ProjectID:      params.ProjectID,
		Spec:           params.Spec,
		HarnessName:    hns.Name(),
		Provider:       provider,
		Tier:           params.Tier,
		TargetFeatures: params.TargetFeatures,
		ReviewGates:    params.ReviewGates,
		Status:         types.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateBuild(ctx, b); err != nil {
		return nil, err
	}
	o.recordPhase(ctx, b.ID, "", types.StatusPending, "build created")

	if err := o.startLoop(b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// Get returns a build after checking ownership.
func (o *Orchestrator) Get(ctx context.Context, userID types.UserID, id types.BuildID) (*types.Build, error) {
	b, err := o.store.GetBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, fmt.Errorf("build %s belongs to another user: %w", id, types.ErrForbidden)
	}
	return b, nil
}

// List returns the user's builds, newest first.
func (o *Orchestrator) List(ctx context.Context, userID types.UserID) ([]*types.Build, error) {
	return o.store.ListBuilds(ctx, userID)
}

// Events lists a build's activity after the given sequence number. A
// non-positive limit means no limit.
func (o *Orchestrator) Events(ctx context.Context, userID types.UserID, id types.BuildID, afterSeq int64, limit int) ([]*types.BuildEvent, error) {
	if _, err := o.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return o.store.ListEvents(ctx, id, afterSeq, limit)
}

// Delete stops the build's loop, tears down its sandbox and preview, and
// removes the build with its events.
func (o *Orchestrator) Delete(ctx context.Context, userID types.UserID, id types.BuildID) error {
	b, err := o.Get(ctx, userID, id)
	if err != nil {
		return err
	}

	if done := o.stopLoop(id, true); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.destroySandbox(ctx, b)
	if _, err := o.manager.StopPreview(ctx, b.Provider, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		slog.Warn("stop preview for deleted build", "build_id", id, "error", err)
	}
	return o.store.DeleteBuild(ctx, id)
}

// Pause stops a running build at the next iteration boundary and persists a
// checkpoint before reporting success. The sandbox is kept; artifacts are
// snapshotted so the build stays resumable even if the sandbox later dies.
func (o *Orchestrator) Pause(ctx context.Context, userID types.UserID, id types.BuildID, reason string) (*types.Build, error) {
	b, err := o.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if b.Status != types.StatusRunning {
		return nil, fmt.Errorf("build %s is %s, only running builds pause: %w", id, b.Status, types.ErrConflict)
	}

	o.stopLoop(id, false)

	var sb sandbox.Sandbox
	if b.SandboxID != "" {
		live, _, err := o.manager.Reconnect(ctx, b.Provider, b.SandboxID, "")
		if err != nil {
			slog.Warn("pause: sandbox unreachable, keeping last artifacts", "build_id", id, "error", err)
		} else {
			sb = live
		}
	}
	o.captureCheckpoint(ctx, b, sb)

	if reason == "" {
		reason = "paused by user"
	}
	now := time.Now()
	b.PausedAt = &now
	b.PauseReason = reason
	if err := o.transition(ctx, b, types.StatusPaused, reason); err != nil {
		return nil, err
	}
	return b, nil
}

// Resume takes a paused, failed, or cancelled build back to running from
// its last checkpoint. Restoration needs saved artifacts; a build without
// any must be restarted instead.
func (o *Orchestrator) Resume(ctx context.Context, userID types.UserID, id types.BuildID) (*types.Build, error) {
	b, err := o.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case types.StatusPaused, types.StatusFailed, types.StatusCancelled:
	default:
		return nil, fmt.Errorf("build %s is %s and cannot be resumed: %w", id, b.Status, types.ErrConflict)
	}
	if b.ArtifactKey == "" {
		return nil, fmt.Errorf("build %s has no saved artifacts, restart it instead: %w", id, types.ErrConflict)
	}
	if b.Checkpoint != nil {
		if err := b.Checkpoint.Validate(); err != nil {
			return nil, fmt.Errorf("build %s checkpoint: %v: %w", id, err, types.ErrInvalid)
		}
	}
	if err := o.checkCapacity(ctx, userID, 0); err != nil {
		return nil, err
	}

	b.Error = ""
	b.PausedAt = nil
	b.PauseReason = ""
	if err := o.transition(ctx, b, types.StatusRunning, "resumed"); err != nil {
		return nil, err
	}
	if err := o.startLoop(b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// Restart cancels the current attempt and starts a brand-new build with the
// same configuration. The original keeps its history; its sandbox is
// destroyed. The replaced build does not count against capacity.
func (o *Orchestrator) Restart(ctx context.Context, userID types.UserID, id types.BuildID) (*types.Build, error) {
	b, err := o.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	discount := 0
	if b.Status.IsActive() {
		discount = 1
	}
	if err := o.checkCapacity(ctx, userID, discount); err != nil {
		return nil, err
	}

	if !b.Status.IsTerminal() {
		if done := o.stopLoop(id, true); done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		o.destroySandbox(ctx, b)
		b, err = o.store.GetBuild(ctx, id)
		if err != nil {
			return nil, err
		}
		if !b.Status.IsTerminal() {
			if err := o.transition(ctx, b, types.StatusCancelled, "restarted"); err != nil {
				return nil, err
			}
		}
	}

	clone := b.CloneConfig()
	if err := o.store.CreateBuild(ctx, clone); err != nil {
		return nil, err
	}
	o.recordPhase(ctx, clone.ID, "", types.StatusPending, "restarted from "+string(id))

	if err := o.startLoop(clone.ID); err != nil {
		return nil, err
	}
	return clone, nil
}

// Approve resolves a review gate. The gate must match the build's awaiting
// state; edited content, when supplied, is written back into the sandbox so
// the agent continues from the reviewed version.
func (o *Orchestrator) Approve(ctx context.Context, userID types.UserID, id types.BuildID, gate, content string) (*types.Build, error) {
	b, err := o.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	var want types.Status
	switch gate {
	case GateDesign:
		want = types.StatusAwaitingDesignReview
	case GateFeatures:
		want = types.StatusAwaitingFeatureReview
	default:
		return nil, fmt.Errorf("unknown review gate %q: %w", gate, types.ErrInvalid)
	}
	if b.Status != want {
		return nil, fmt.Errorf("build %s is %s, not awaiting %s review: %w", id, b.Status, gate, types.ErrConflict)
	}

	hns, ok := o.harnesses.Get(b.HarnessName)
	if !ok {
		return nil, fmt.Errorf("unknown harness %q: %w", b.HarnessName, types.ErrInvalid)
	}
	path := ""
	switch gate {
	case GateDesign:
		if carrier, ok := hns.(harness.DesignDocCarrier); ok {
			path = carrier.DesignDocPath()
		}
	case GateFeatures:
		if carrier, ok := hns.(harness.FeatureListCarrier); ok {
			path = carrier.FeatureListPath()
		}
		if content != "" {
			if _, err := feature.Parse([]byte(content)); err != nil {
				return nil, fmt.Errorf("edited feature list: %v: %w", err, types.ErrInvalid)
			}
		}
	}

	if content != "" && path != "" {
		sb, _, err := o.manager.Reconnect(ctx, b.Provider, b.SandboxID, b.ArtifactKey)
		if err != nil {
			return nil, fmt.Errorf("reach sandbox to apply review edits: %w", err)
		}
		if err := sb.WriteFile(ctx, path, []byte(content)); err != nil {
			return nil, fmt.Errorf("write reviewed %s: %w", gate, err)
		}
	}

	now := time.Now()
	switch gate {
	case GateDesign:
		b.DesignApprovedAt = &now
	case GateFeatures:
		b.FeaturesApprovedAt = &now
	}
	if err := o.transition(ctx, b, types.StatusRunning, gate+" approved"); err != nil {
		return nil, err
	}
	if err := o.startLoop(b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// StartPreview boots a preview of a completed build's artifacts.
func (o *Orchestrator) StartPreview(ctx context.Context, userID types.UserID, id types.BuildID) (*types.PreviewSession, error) {
	b, err := o.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if b.Status != types.StatusCompleted {
		return nil, fmt.Errorf("build %s is %s, previews need a completed build: %w", id, b.Status, types.ErrConflict)
	}
	if b.ArtifactKey == "" {
		return nil, fmt.Errorf("build %s has no artifacts to preview: %w", id, types.ErrConflict)
	}
	return o.manager.StartPreview(ctx, b)
}

// PreviewStatus reports the build's preview, verified against the live
// sandbox.
func (o *Orchestrator) PreviewStatus(ctx context.Context, userID types.UserID, id types.BuildID) (*types.PreviewSession, error) {
	b, err := o.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return o.manager.PreviewStatus(ctx, b.Provider, id)
}

// ExtendPreview pushes the preview's expiry out by d.
func (o *Orchestrator) ExtendPreview(ctx context.Context, userID types.UserID, id types.BuildID, d time.Duration) (*types.PreviewSession, error) {
	b, err := o.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return o.manager.ExtendPreview(ctx, b.Provider, id, d)
}

// StopPreview tears the preview down early.
func (o *Orchestrator) StopPreview(ctx context.Context, userID types.UserID, id types.BuildID) (*types.PreviewSession, error) {
	b, err := o.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return o.manager.StopPreview(ctx, b.Provider, id)
}

// SweepOrphans reconciles stored state with live loops after a restart.
// Builds recorded as advancing but with no loop in this process were
// interrupted: running ones park as paused and stay resumable, ones caught
// before their sandbox existed fail with a restart hint. Builds awaiting
// review are parked by design and stay put.
func (o *Orchestrator) SweepOrphans(ctx context.Context) error {
	builds, err := o.store.ListActiveBuilds(ctx)
	if err != nil {
		return fmt.Errorf("sweep orphans: %w", err)
	}
	for _, b := range builds {
		if _, live := o.loopFor(b.ID); live {
			continue
		}
		switch b.Status {
		case types.StatusRunning:
			now := time.Now()
			b.PausedAt = &now
			b.PauseReason = "orchestrator restarted"
			if err := o.transition(ctx, b, types.StatusPaused, b.PauseReason); err != nil {
				slog.Error("park orphaned build", "build_id", b.ID, "error", err)
			}
		case types.StatusPending, types.StatusInitializing:
			o.fail(ctx, b, "interrupted during initialization, restart the build")
		}
	}
	return nil
}

// ResetCreateWindow opens a fresh rate limit window. The server wires it to
// a periodic sweep.
func (o *Orchestrator) ResetCreateWindow() {
	o.limiter.Reset()
}

// transition re-reads the build, confirms its status is still what the
// caller saw, and persists the move. Concurrent operations lose cleanly
// instead of clobbering each other's writes.
func (o *Orchestrator) transition(ctx context.Context, b *types.Build, to types.Status, detail string) error {
	cur, err := o.store.GetBuild(ctx, b.ID)
	if err != nil {
		return err
	}
	if cur.Status != b.Status {
		return fmt.Errorf("build %s moved to %s concurrently: %w", b.ID, cur.Status, types.ErrConflict)
	}
	if !types.CanTransition(b.Status, to) {
		return fmt.Errorf("build %s cannot go from %s to %s: %w", b.ID, b.Status, to, types.ErrConflict)
	}

	from := b.Status
	b.Status = to
	if err := o.store.UpdateBuild(ctx, b); err != nil {
		b.Status = from
		return err
	}
	o.recordPhase(ctx, b.ID, from, to, detail)
	return nil
}

// destroySandbox tears down the build's sandbox, best effort.
func (o *Orchestrator) destroySandbox(ctx context.Context, b *types.Build) {
	if b.SandboxID == "" {
		return
	}
	sb, _, err := o.manager.Reconnect(ctx, b.Provider, b.SandboxID, "")
	if err != nil {
		return
	}
	if err := sb.Destroy(ctx); err != nil {
		slog.Warn("destroy sandbox", "build_id", b.ID, "sandbox_id", b.SandboxID, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, ev *types.BuildEvent) {
	if o.recorder != nil {
		o.recorder.Record(ctx, ev)
	}
}

func (o *Orchestrator) recordPhase(ctx context.Context, id types.BuildID, from, to types.Status, detail string) {
	o.record(ctx, types.NewBuildEvent(id, types.EventPhase, types.PhasePayload{
		From:   from,
		To:     to,
		Detail: detail,
	}))
}

func (o *Orchestrator) notify(ctx context.Context, b *types.Build) {
	if o.notifier != nil {
		o.notifier.BuildFinished(ctx, b)
	}
}
