// Package local is a sandbox provider backed by plain directories on the
// host. It exists for development and tests; it isolates nothing. Each
// sandbox is a temp directory and commands run in it via bash.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
)

// artifact capture skips dependency trees; restore reinstalls them.
var downloadSkipDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
}

// Provider creates directory-backed sandboxes under a root path.
type Provider struct {
	root string

	mu    sync.Mutex
	boxes map[types.SandboxID]*Box
}

// New creates a local Provider rooted at dir.
func New(dir string) *Provider {
	return &Provider{
		root:  dir,
		boxes: make(map[types.SandboxID]*Box),
	}
}

func (p *Provider) Name() string { return "local" }

// metadata is persisted per sandbox so handles survive process restarts.
type metadata struct {
	ID        types.SandboxID `json:"id"`
	Template  string          `json:"template"`
	CreatedAt time.Time       `json:"created_at"`
	Deadline  time.Time       `json:"deadline"`
}

func (p *Provider) Create(ctx context.Context, template *sandbox.Template, timeout time.Duration) (sandbox.Sandbox, error) {
	id := types.NewSandboxID()
	dir := filepath.Join(p.root, string(id))
	if err := os.MkdirAll(filepath.Join(dir, "workspace"), 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}

	meta := metadata{
		ID:        id,
		Template:  template.Name,
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(timeout),
	}
	if err := writeMetadata(dir, meta); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	box := &Box{provider: p, id: id, dir: dir, deadline: meta.Deadline}
	p.mu.Lock()
	p.boxes[id] = box
	p.mu.Unlock()
	return box, nil
}

func (p *Provider) Connect(ctx context.Context, id types.SandboxID) (sandbox.Sandbox, error) {
	p.mu.Lock()
	box, ok := p.boxes[id]
	p.mu.Unlock()
	if ok {
		return box, nil
	}

	// Adopt a sandbox left on disk by a previous process.
	dir := filepath.Join(p.root, string(id))
	meta, err := readMetadata(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox %s: %w", id, types.ErrNotFound)
	}

	box = &Box{provider: p, id: id, dir: dir, deadline: meta.Deadline}
	p.mu.Lock()
	p.boxes[id] = box
	p.mu.Unlock()
	return box, nil
}

func (p *Provider) forget(id types.SandboxID) {
	p.mu.Lock()
	delete(p.boxes, id)
	p.mu.Unlock()
}

func writeMetadata(dir string, meta metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "box.json"), data, 0o644); err != nil {
		return fmt.Errorf("write sandbox metadata: %w", err)
	}
	return nil
}

func readMetadata(dir string) (*metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "box.json"))
	if err != nil {
		return nil, err
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Box is one directory-backed sandbox.
type Box struct {
	provider *Provider
	id       types.SandboxID
	dir      string
	deadline time.Time
}

func (b *Box) ID() types.SandboxID { return b.id }

// workDir is the host path standing in for the sandbox work directory.
func (b *Box) workDir() string {
	return filepath.Join(b.dir, "workspace")
}

// hostPath maps a sandbox-absolute path onto the box directory.
func (b *Box) hostPath(path string) string {
	return filepath.Join(b.dir, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

func (b *Box) expired() error {
	if time.Now().After(b.deadline) {
		return fmt.Errorf("sandbox %s expired", b.id)
	}
	return nil
}

func (b *Box) Exec(ctx context.Context, command string) (*sandbox.ExecResult, error) {
	if err := b.expired(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", b.rewrite(command))
	cmd.Dir = b.workDir()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exit := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec: %w", err)
		}
		exit = exitErr.ExitCode()
	}
	return &sandbox.ExecResult{
		ExitCode: exit,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (b *Box) ExecStream(ctx context.Context, command string, w io.Writer) (*sandbox.ExecResult, error) {
	if err := b.expired(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", b.rewrite(command))
	cmd.Dir = b.workDir()
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	exit := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec: %w", err)
		}
		exit = exitErr.ExitCode()
	}
	return &sandbox.ExecResult{ExitCode: exit}, nil
}

// rewrite points sandbox-absolute work dir references at the box directory.
func (b *Box) rewrite(command string) string {
	return strings.ReplaceAll(command, sandbox.WorkDir, b.workDir())
}

func (b *Box) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := b.expired(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.hostPath(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (b *Box) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := b.expired(); err != nil {
		return err
	}
	hp := b.hostPath(path)
	if err := os.MkdirAll(filepath.Dir(hp), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(hp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (b *Box) ListDir(ctx context.Context, path string) ([]string, error) {
	if err := b.expired(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.hostPath(path))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

func (b *Box) DownloadDir(ctx context.Context, path string) (map[string][]byte, error) {
	if err := b.expired(); err != nil {
		return nil, err
	}
	root := b.hostPath(path)
	files := make(map[string][]byte)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := downloadSkipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return files, nil
}

func (b *Box) Host(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func (b *Box) Destroy(ctx context.Context) error {
	b.provider.forget(b.id)
	if err := os.RemoveAll(b.dir); err != nil {
		return fmt.Errorf("destroy sandbox %s: %w", b.id, err)
	}
	return nil
}
