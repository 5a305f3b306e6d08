package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/user/appforge/internal/artifact"
	"github.com/user/appforge/internal/types"
)

type fakeSandbox struct {
	id        types.SandboxID
	alive     bool
	destroyed bool
	files     map[string][]byte
}

func (f *fakeSandbox) ID() types.SandboxID { return f.id }

func (f *fakeSandbox) Exec(ctx context.Context, command string) (*ExecResult, error) {
	if !f.alive {
		return nil, errors.New("sandbox unreachable")
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (f *fakeSandbox) ExecStream(ctx context.Context, command string, w io.Writer) (*ExecResult, error) {
	return f.Exec(ctx, command)
}

func (f *fakeSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", path)
	}
	return data, nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	f.files[path] = data
	return nil
}

func (f *fakeSandbox) ListDir(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}

func (f *fakeSandbox) DownloadDir(ctx context.Context, path string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(f.files))
	for p, data := range f.files {
		out[p] = data
	}
	return out, nil
}

func (f *fakeSandbox) Host(port int) string { return fmt.Sprintf("http://fake:%d", port) }

func (f *fakeSandbox) Destroy(ctx context.Context) error {
	f.destroyed = true
	f.alive = false
	return nil
}

type fakeProvider struct {
	seq     int
	boxes   map[types.SandboxID]*fakeSandbox
	created []*fakeSandbox
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{boxes: make(map[types.SandboxID]*fakeSandbox)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Create(ctx context.Context, template *Template, timeout time.Duration) (Sandbox, error) {
	p.seq++
	sb := &fakeSandbox{
		id:    types.SandboxID(fmt.Sprintf("sb-%d", p.seq)),
		alive: true,
		files: make(map[string][]byte),
	}
	p.boxes[sb.id] = sb
	p.created = append(p.created, sb)
	return sb, nil
}

func (p *fakeProvider) Connect(ctx context.Context, id types.SandboxID) (Sandbox, error) {
	sb, ok := p.boxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, types.ErrNotFound)
	}
	return sb, nil
}

func (p *fakeProvider) add(id types.SandboxID, alive bool) *fakeSandbox {
	sb := &fakeSandbox{id: id, alive: alive, files: make(map[string][]byte)}
	p.boxes[id] = sb
	return sb
}

type fakePreviews struct {
	sessions map[types.BuildID]*types.PreviewSession
}

func newFakePreviews() *fakePreviews {
	return &fakePreviews{sessions: make(map[types.BuildID]*types.PreviewSession)}
}

func (s *fakePreviews) SavePreview(ctx context.Context, p *types.PreviewSession) error {
	cp := *p
	s.sessions[p.BuildID] = &cp
	return nil
}

func (s *fakePreviews) GetPreview(ctx context.Context, buildID types.BuildID) (*types.PreviewSession, error) {
	p, ok := s.sessions[buildID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakePreviews) UpdatePreview(ctx context.Context, p *types.PreviewSession) error {
	if _, ok := s.sessions[p.BuildID]; !ok {
		return types.ErrNotFound
	}
	cp := *p
	s.sessions[p.BuildID] = &cp
	return nil
}

func (s *fakePreviews) ListRunningPreviews(ctx context.Context) ([]*types.PreviewSession, error) {
	var out []*types.PreviewSession
	for _, p := range s.sessions {
		if p.Status == types.PreviewRunning {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func newTestManager(t *testing.T, provider Provider) (*Manager, *fakePreviews, artifact.Storage) {
	t.Helper()
	previews := newFakePreviews()
	storage := artifact.NewFS(t.TempDir())
	m := NewManager(previews, storage, "")
	m.RegisterProvider(provider)
	return m, previews, storage
}

func TestManager_AcquireNew_DestroysOnSetupFailure(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	m, _, _ := newTestManager(t, provider)

	_, err := m.AcquireNew(ctx, "fake", "", func(ctx context.Context, sb Sandbox) error {
		return errors.New("init script failed")
	})
	if err == nil {
		t.Fatal("expected setup failure to propagate")
	}
	if len(provider.created) != 1 {
		t.Fatalf("expected 1 created sandbox, got %d", len(provider.created))
	}
	if !provider.created[0].destroyed {
		t.Error("expected failed acquisition to destroy the sandbox")
	}
}

func TestManager_AcquireNew_UnknownProvider(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, newFakeProvider())

	if _, err := m.AcquireNew(ctx, "nope", "", nil); err == nil {
		t.Fatal("expected unknown provider to fail")
	}
}

func TestManager_Reconnect_Alive(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	provider.add("sb-old", true)
	m, _, _ := newTestManager(t, provider)

	sb, fresh, err := m.Reconnect(ctx, "fake", "sb-old", "")
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Error("expected reconnect to reuse the live sandbox")
	}
	if sb.ID() != "sb-old" {
		t.Errorf("expected sb-old, got %s", sb.ID())
	}
}

func TestManager_Reconnect_DeadRestoresFromArtifacts(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	provider.add("sb-dead", false)
	m, _, storage := newTestManager(t, provider)

	data, err := artifact.Pack(map[string][]byte{"index.js": []byte("app")})
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.Upload(ctx, "builds/b1/s1.tar.gz", data); err != nil {
		t.Fatal(err)
	}

	sb, fresh, err := m.Reconnect(ctx, "fake", "sb-dead", "builds/b1/s1.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Error("expected a fresh sandbox for a dead one")
	}
	if sb.ID() == "sb-dead" {
		t.Error("expected a different sandbox id")
	}

	restored, err := sb.ReadFile(ctx, WorkDir+"/index.js")
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != "app" {
		t.Errorf("expected restored content, got %q", restored)
	}
}

func TestManager_Reconnect_DeadWithoutArtifacts(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	provider.add("sb-dead", false)
	m, _, _ := newTestManager(t, provider)

	_, _, err := m.Reconnect(ctx, "fake", "sb-dead", "")
	if !errors.Is(err, ErrNoArtifacts) {
		t.Fatalf("expected ErrNoArtifacts, got %v", err)
	}
}

func TestManager_Snapshot(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	m, _, storage := newTestManager(t, provider)

	sb, err := m.AcquireNew(ctx, "fake", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.WriteFile(ctx, "src/app.js", []byte("code")); err != nil {
		t.Fatal(err)
	}

	key, err := m.Snapshot(ctx, sb, "b1")
	if err != nil {
		t.Fatal(err)
	}

	data, err := storage.Download(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	files, err := artifact.Unpack(data)
	if err != nil {
		t.Fatal(err)
	}
	if string(files["src/app.js"]) != "code" {
		t.Error("expected snapshot to carry the sandbox tree")
	}
}

// downStorage wraps a working store but reports it unreachable.
type downStorage struct {
	artifact.Storage
}

func (downStorage) Available(ctx context.Context) error {
	return errors.New("store offline")
}

func TestManager_Snapshot_UnavailableStore(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	previews := newFakePreviews()
	m := NewManager(previews, downStorage{artifact.NewFS(t.TempDir())}, "")
	m.RegisterProvider(provider)

	sb, err := m.AcquireNew(ctx, "fake", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.WriteFile(ctx, "src/app.js", []byte("code")); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Snapshot(ctx, sb, "b1"); err == nil {
		t.Fatal("expected snapshot to fail while the store is unreachable")
	}
}

func TestManager_StartPreview_ReplacesDeadSandbox(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	provider.add("sb-stale", false)
	m, previews, storage := newTestManager(t, provider)

	data, err := artifact.Pack(map[string][]byte{"package.json": []byte("{}")})
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.Upload(ctx, "builds/b1/s1.tar.gz", data); err != nil {
		t.Fatal(err)
	}

	stale := &types.PreviewSession{
		ID:        types.NewPreviewID(),
		BuildID:   "b1",
		SandboxID: "sb-stale",
		Status:    types.PreviewRunning,
		StartedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := previews.SavePreview(ctx, stale); err != nil {
		t.Fatal(err)
	}

	build := &types.Build{ID: "b1", Provider: "fake", Status: types.StatusCompleted, ArtifactKey: "builds/b1/s1.tar.gz"}
	session, err := m.StartPreview(ctx, build)
	if err != nil {
		t.Fatal(err)
	}

	if session.Status != types.PreviewRunning {
		t.Errorf("expected running preview, got %s", session.Status)
	}
	if session.SandboxID == "sb-stale" {
		t.Error("expected a fresh preview sandbox")
	}

	running, err := previews.ListRunningPreviews(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 {
		t.Fatalf("expected exactly one live preview, got %d", len(running))
	}
	if running[0].SandboxID == "sb-stale" {
		t.Error("expected the stale preview to be superseded")
	}
}

func TestManager_StartPreview_ReturnsLiveExisting(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	provider.add("sb-live", true)
	m, previews, _ := newTestManager(t, provider)

	existing := &types.PreviewSession{
		ID:        types.NewPreviewID(),
		BuildID:   "b1",
		SandboxID: "sb-live",
		Status:    types.PreviewRunning,
		StartedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := previews.SavePreview(ctx, existing); err != nil {
		t.Fatal(err)
	}

	build := &types.Build{ID: "b1", Provider: "fake", Status: types.StatusCompleted, ArtifactKey: "builds/b1/s1.tar.gz"}
	session, err := m.StartPreview(ctx, build)
	if err != nil {
		t.Fatal(err)
	}
	if session.SandboxID != "sb-live" {
		t.Errorf("expected the live preview to be reused, got %s", session.SandboxID)
	}
	if len(provider.created) != 0 {
		t.Error("expected no new sandbox for a live preview")
	}
}

func TestManager_ExtendPreview_DeadSandboxExpires(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	provider.add("sb-dead", false)
	m, previews, _ := newTestManager(t, provider)

	session := &types.PreviewSession{
		ID:        types.NewPreviewID(),
		BuildID:   "b1",
		SandboxID: "sb-dead",
		Status:    types.PreviewRunning,
		StartedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := previews.SavePreview(ctx, session); err != nil {
		t.Fatal(err)
	}

	got, err := m.ExtendPreview(ctx, "fake", "b1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.PreviewExpired {
		t.Errorf("expected dead preview to degrade to expired, got %s", got.Status)
	}

	stored, err := previews.GetPreview(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != types.PreviewExpired {
		t.Errorf("expected persisted status expired, got %s", stored.Status)
	}
}

func TestManager_ExtendPreview_Running(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	provider.add("sb-live", true)
	m, previews, _ := newTestManager(t, provider)

	expiry := time.Now().Add(time.Minute)
	session := &types.PreviewSession{
		ID:        types.NewPreviewID(),
		BuildID:   "b1",
		SandboxID: "sb-live",
		Status:    types.PreviewRunning,
		StartedAt: time.Now(),
		ExpiresAt: expiry,
	}
	if err := previews.SavePreview(ctx, session); err != nil {
		t.Fatal(err)
	}

	got, err := m.ExtendPreview(ctx, "fake", "b1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ExpiresAt.After(expiry) {
		t.Error("expected expiry to move out")
	}
}

func TestManager_StopPreview(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	live := provider.add("sb-live", true)
	m, previews, _ := newTestManager(t, provider)

	session := &types.PreviewSession{
		ID:        types.NewPreviewID(),
		BuildID:   "b1",
		SandboxID: "sb-live",
		Status:    types.PreviewRunning,
		StartedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := previews.SavePreview(ctx, session); err != nil {
		t.Fatal(err)
	}

	got, err := m.StopPreview(ctx, "fake", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.PreviewStopped {
		t.Errorf("expected stopped, got %s", got.Status)
	}
	if !live.destroyed {
		t.Error("expected the preview sandbox to be destroyed")
	}

	// Stopping again is a no-op.
	again, err := m.StopPreview(ctx, "fake", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != types.PreviewStopped {
		t.Errorf("expected stop to be idempotent, got %s", again.Status)
	}
}

func TestManager_SweepExpiredPreviews(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	old := provider.add("sb-old", true)
	provider.add("sb-fresh", true)
	m, previews, _ := newTestManager(t, provider)

	expired := &types.PreviewSession{
		ID: types.NewPreviewID(), BuildID: "b1", SandboxID: "sb-old",
		Status: types.PreviewRunning, StartedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
	}
	current := &types.PreviewSession{
		ID: types.NewPreviewID(), BuildID: "b2", SandboxID: "sb-fresh",
		Status: types.PreviewRunning, StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := previews.SavePreview(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if err := previews.SavePreview(ctx, current); err != nil {
		t.Fatal(err)
	}

	m.SweepExpiredPreviews(ctx, "fake")

	b1, _ := previews.GetPreview(ctx, "b1")
	if b1.Status != types.PreviewExpired {
		t.Errorf("expected b1 preview expired, got %s", b1.Status)
	}
	if !old.destroyed {
		t.Error("expected expired preview sandbox to be destroyed")
	}
	b2, _ := previews.GetPreview(ctx, "b2")
	if b2.Status != types.PreviewRunning {
		t.Errorf("expected b2 preview still running, got %s", b2.Status)
	}
}
