package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/appforge/internal/types"
)

// StartPreview runs a completed build's artifacts in a disposable sandbox.
// A persisted "running" preview is never trusted as-is: its sandbox is
// probed first, and a dead one is marked expired before a replacement is
// created. Calling StartPreview while a verified preview is live returns
// that preview.
func (m *Manager) StartPreview(ctx context.Context, build *types.Build) (*types.PreviewSession, error) {
	existing, err := m.previews.GetPreview(ctx, build.ID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == types.PreviewRunning {
		if live := m.verifyPreview(ctx, build.Provider, existing); live != nil {
			return live, nil
		}
	}

	if build.ArtifactKey == "" {
		return nil, fmt.Errorf("build %s has no artifacts to preview", build.ID)
	}

	sb, err := m.AcquireNew(ctx, build.Provider, "", func(ctx context.Context, sb Sandbox) error {
		if err := m.Restore(ctx, sb, build.ArtifactKey); err != nil {
			return err
		}
		if _, err := sb.Exec(ctx, "cd "+WorkDir+" && "+previewStart); err != nil {
			return fmt.Errorf("start preview app: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &types.PreviewSession{
		ID:        types.NewPreviewID(),
		BuildID:   build.ID,
		SandboxID: sb.ID(),
		Status:    types.PreviewRunning,
		URL:       sb.Host(m.PreviewPort),
		StartedAt: now,
		ExpiresAt: now.Add(m.PreviewTTL),
	}
	if err := m.previews.SavePreview(ctx, session); err != nil {
		if derr := sb.Destroy(ctx); derr != nil {
			slog.Error("destroy preview sandbox after failed save", "sandbox_id", sb.ID(), "error", derr)
		}
		return nil, err
	}
	slog.Info("preview started", "build_id", build.ID, "sandbox_id", sb.ID(), "url", session.URL)
	return session, nil
}

// PreviewStatus reports the preview's real state: a running record whose
// sandbox died or whose clock ran out is marked expired on the way through.
func (m *Manager) PreviewStatus(ctx context.Context, providerName string, buildID types.BuildID) (*types.PreviewSession, error) {
	session, err := m.previews.GetPreview(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if session.Status != types.PreviewRunning {
		return session, nil
	}
	if live := m.verifyPreview(ctx, providerName, session); live != nil {
		return live, nil
	}
	return session, nil
}

// ExtendPreview pushes the expiry out. If the sandbox has meanwhile died,
// the record is marked expired and returned rather than erroring.
func (m *Manager) ExtendPreview(ctx context.Context, providerName string, buildID types.BuildID, d time.Duration) (*types.PreviewSession, error) {
	session, err := m.previews.GetPreview(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if session.Status != types.PreviewRunning {
		return nil, fmt.Errorf("preview for build %s is %s: %w", buildID, session.Status, types.ErrConflict)
	}
	live := m.verifyPreview(ctx, providerName, session)
	if live == nil {
		return session, nil
	}
	if d <= 0 {
		d = m.PreviewTTL
	}
	live.ExpiresAt = time.Now().Add(d)
	if err := m.previews.UpdatePreview(ctx, live); err != nil {
		return nil, err
	}
	return live, nil
}

// StopPreview destroys the preview sandbox when it is still reachable and
// marks the record stopped either way.
func (m *Manager) StopPreview(ctx context.Context, providerName string, buildID types.BuildID) (*types.PreviewSession, error) {
	session, err := m.previews.GetPreview(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if session.Status != types.PreviewRunning {
		return session, nil
	}

	m.destroyPreviewSandbox(ctx, providerName, session)
	session.Status = types.PreviewStopped
	if err := m.previews.UpdatePreview(ctx, session); err != nil {
		return nil, err
	}
	slog.Info("preview stopped", "build_id", buildID, "sandbox_id", session.SandboxID)
	return session, nil
}

// SweepExpiredPreviews expires running previews past their deadline and
// tears their sandboxes down. Teardown is a provider round trip per
// session, so expired ones are handled a few at a time. One sandbox that
// fails to die must not keep the rest running, so failures are logged and
// the sweep moves on. Called periodically by the daemon.
func (m *Manager) SweepExpiredPreviews(ctx context.Context, providerName string) {
	sessions, err := m.previews.ListRunningPreviews(ctx)
	if err != nil {
		slog.Error("list running previews", "error", err)
		return
	}
	now := time.Now()

	var g errgroup.Group
	g.SetLimit(4)
	for _, session := range sessions {
		if !session.Expired(now) {
			continue
		}
		g.Go(func() error {
			m.destroyPreviewSandbox(ctx, providerName, session)
			session.Status = types.PreviewExpired
			if err := m.previews.UpdatePreview(ctx, session); err != nil {
				slog.Error("expire preview", "build_id", session.BuildID, "error", err)
				return nil
			}
			slog.Info("preview expired", "build_id", session.BuildID, "sandbox_id", session.SandboxID)
			return nil
		})
	}
	_ = g.Wait()
}

// verifyPreview probes the session's sandbox. On success it returns the
// session, possibly already expired-and-updated when past deadline; on a
// dead sandbox it persists the expiry and returns nil.
func (m *Manager) verifyPreview(ctx context.Context, providerName string, session *types.PreviewSession) *types.PreviewSession {
	if session.Expired(time.Now()) {
		m.destroyPreviewSandbox(ctx, providerName, session)
		m.expirePreview(ctx, session)
		return nil
	}

	p, err := m.provider(providerName)
	if err != nil {
		m.expirePreview(ctx, session)
		return nil
	}
	sb, err := p.Connect(ctx, session.SandboxID)
	if err != nil || !m.alive(ctx, sb) {
		m.expirePreview(ctx, session)
		return nil
	}
	return session
}

func (m *Manager) expirePreview(ctx context.Context, session *types.PreviewSession) {
	session.Status = types.PreviewExpired
	if err := m.previews.UpdatePreview(ctx, session); err != nil {
		slog.Error("mark preview expired", "build_id", session.BuildID, "error", err)
	}
}

func (m *Manager) destroyPreviewSandbox(ctx context.Context, providerName string, session *types.PreviewSession) {
	p, err := m.provider(providerName)
	if err != nil {
		return
	}
	sb, err := p.Connect(ctx, session.SandboxID)
	if err != nil {
		return
	}
	if err := sb.Destroy(ctx); err != nil {
		slog.Warn("destroy preview sandbox", "sandbox_id", session.SandboxID, "error", err)
	}
}
