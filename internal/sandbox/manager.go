package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/appforge/internal/artifact"
	"github.com/user/appforge/internal/types"
)

// WorkDir is where a build's project tree lives inside every sandbox.
const WorkDir = "/workspace"

// previewStart boots a restored project for preview. Dependencies are
// reinstalled because node_modules is not part of the packed artifact.
const previewStart = "npm install > /tmp/preview-install.log 2>&1 && nohup npm start > /tmp/preview.log 2>&1 &"

// ErrNoArtifacts is returned when a dead sandbox cannot be replaced because
// the build never saved an artifact snapshot.
var ErrNoArtifacts = errors.New("no artifacts to restore")

// Manager acquires working sandboxes for builds and runs preview sessions.
// It owns the fallback logic: dead sandboxes are replaced and refilled from
// the last artifact snapshot instead of being trusted or leaked.
type Manager struct {
	// MaxTimeout caps sandbox lifetime regardless of template.
	MaxTimeout time.Duration
	// PreviewTTL is how long a preview lives without an extension.
	PreviewTTL time.Duration
	// PreviewPort is the port the previewed app is expected to serve on.
	PreviewPort int

	providers    map[string]Provider
	previews     types.PreviewStore
	artifacts    artifact.Storage
	templatesDir string
}

// NewManager creates a Manager. Providers are registered separately; an
// empty templatesDir means the built-in default template is used.
func NewManager(previews types.PreviewStore, artifacts artifact.Storage, templatesDir string) *Manager {
	return &Manager{
		MaxTimeout:   time.Hour,
		PreviewTTL:   30 * time.Minute,
		PreviewPort:  3000,
		providers:    make(map[string]Provider),
		previews:     previews,
		artifacts:    artifacts,
		templatesDir: templatesDir,
	}
}

// RegisterProvider makes a provider available by its name.
func (m *Manager) RegisterProvider(p Provider) {
	m.providers[p.Name()] = p
}

func (m *Manager) provider(name string) (Provider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox provider %q", name)
	}
	return p, nil
}

func (m *Manager) template(name string) (*Template, error) {
	if name == "" {
		name = DefaultTemplate().Name
	}
	if m.templatesDir == "" {
		t := DefaultTemplate()
		t.Name = name
		return t, nil
	}
	return LoadTemplate(m.templatesDir, name)
}

// AcquireNew creates a sandbox from a template and runs setup against it.
// If setup fails the sandbox is destroyed before the error propagates, so a
// failed acquisition never leaks an environment.
func (m *Manager) AcquireNew(ctx context.Context, providerName, templateName string, setup func(context.Context, Sandbox) error) (Sandbox, error) {
	p, err := m.provider(providerName)
	if err != nil {
		return nil, err
	}
	tmpl, err := m.template(templateName)
	if err != nil {
		return nil, err
	}

	timeout := tmpl.Timeout()
	if timeout > m.MaxTimeout {
		timeout = m.MaxTimeout
	}

	sb, err := p.Create(ctx, tmpl, timeout)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	slog.Info("sandbox created", "sandbox_id", sb.ID(), "provider", providerName, "template", tmpl.Name)

	if setup != nil {
		if err := setup(ctx, sb); err != nil {
			if derr := sb.Destroy(ctx); derr != nil {
				slog.Error("destroy sandbox after failed setup", "sandbox_id", sb.ID(), "error", derr)
			}
			return nil, err
		}
	}
	return sb, nil
}

// Reconnect fetches a previously recorded sandbox and verifies it actually
// responds before trusting it. When the sandbox is gone or unresponsive, a
// fresh one is created and refilled from artifactKey; with no key to restore
// from, reconnection fails with ErrNoArtifacts. The returned flag reports
// whether a fresh sandbox was created.
func (m *Manager) Reconnect(ctx context.Context, providerName string, id types.SandboxID, artifactKey string) (Sandbox, bool, error) {
	p, err := m.provider(providerName)
	if err != nil {
		return nil, false, err
	}

	if id != "" {
		sb, err := p.Connect(ctx, id)
		if err == nil && m.alive(ctx, sb) {
			return sb, false, nil
		}
		slog.Warn("recorded sandbox unresponsive, replacing", "sandbox_id", id, "error", err)
	}

	if artifactKey == "" {
		return nil, false, fmt.Errorf("sandbox %s unreachable: %w", id, ErrNoArtifacts)
	}

	sb, err := m.AcquireNew(ctx, providerName, "", func(ctx context.Context, sb Sandbox) error {
		return m.Restore(ctx, sb, artifactKey)
	})
	if err != nil {
		return nil, false, err
	}
	return sb, true, nil
}

// Restore downloads an artifact snapshot and writes its tree into the
// sandbox work directory.
func (m *Manager) Restore(ctx context.Context, sb Sandbox, key string) error {
	data, err := m.artifacts.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	files, err := artifact.Unpack(data)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	for path, content := range files {
		if err := sb.WriteFile(ctx, WorkDir+"/"+path, content); err != nil {
			return fmt.Errorf("restore %s: %w", path, err)
		}
	}
	slog.Info("artifacts restored", "sandbox_id", sb.ID(), "key", key, "files", len(files))
	return nil
}

// Snapshot packs the sandbox work directory and uploads it, returning the
// storage key. The store's reachability is probed first so a completed or
// paused build never records a key that was not durably saved.
func (m *Manager) Snapshot(ctx context.Context, sb Sandbox, buildID types.BuildID) (string, error) {
	if err := m.artifacts.Available(ctx); err != nil {
		return "", fmt.Errorf("snapshot: artifact store unavailable: %w", err)
	}
	files, err := sb.DownloadDir(ctx, WorkDir)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	data, err := artifact.Pack(files)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	key := artifact.Key(buildID, types.NewSnapshotID())
	if err := m.artifacts.Upload(ctx, key, data); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	slog.Info("artifacts uploaded", "build_id", buildID, "key", key, "files", len(files))
	return key, nil
}

// alive probes a sandbox with a trivial command. Existence of a handle is
// not liveness.
func (m *Manager) alive(ctx context.Context, sb Sandbox) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := sb.Exec(ctx, "pwd")
	return err == nil && res.ExitCode == 0
}
