// Package sandbox manages remote execution environments for builds: creating
// them from templates, reconnecting to them across pause/resume cycles,
// verifying they are actually alive, and running time-boxed preview sessions
// of completed builds. Process isolation itself belongs to the provider.
package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/user/appforge/internal/types"
)

// Sandbox is a handle to one remote execution environment. A sandbox is
// exclusively associated with at most one active build at a time.
type Sandbox interface {
	ID() types.SandboxID

	// Exec runs a shell command and returns its result once it exits.
	Exec(ctx context.Context, command string) (*ExecResult, error)
	// ExecStream runs a shell command, copying combined output to w as it
	// is produced.
	ExecStream(ctx context.Context, command string, w io.Writer) (*ExecResult, error)

	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDir(ctx context.Context, path string) ([]string, error)
	// DownloadDir returns the file tree rooted at path, keyed by relative
	// path. Used to capture build artifacts.
	DownloadDir(ctx context.Context, path string) (map[string][]byte, error)

	// Host resolves the externally reachable address of a port inside the
	// sandbox. Preview sessions use it to build their URL.
	Host(port int) string

	Destroy(ctx context.Context) error
}

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Provider creates and reconnects sandboxes. Implementations wrap a remote
// compute service; the local provider runs commands in temp directories for
// development and tests.
type Provider interface {
	Name() string
	// Create provisions a sandbox from a template. The timeout is the
	// provider-imposed lifetime ceiling for the environment.
	Create(ctx context.Context, template *Template, timeout time.Duration) (Sandbox, error)
	// Connect fetches a handle to an existing sandbox. A returned handle
	// proves existence, not liveness; callers probe before trusting it.
	Connect(ctx context.Context, id types.SandboxID) (Sandbox, error)
}
