package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/user/appforge/internal/events"
	"github.com/user/appforge/internal/policy"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
	"github.com/user/appforge/pkg/llm"
)

// Tool defines the interface for an executable tool exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the tools of one session and provides lookup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns all registered tools.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// AsLLMTools converts registered tools to the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.NewTool(t.Name(), t.Description(), t.Parameters()))
	}
	return out
}

// newSessionTools binds the sandbox tool set for one session: command
// execution behind the policy gate plus file access, then any extras the
// harness contributes.
func newSessionTools(sb sandbox.Sandbox, params SessionParams) *Registry {
	pol := params.Policy
	if pol == nil {
		pol = policy.Default()
	}
	reg := NewRegistry()
	reg.Register(&runCommandTool{sb: sb, policy: pol, sink: params.Sink, buildID: params.BuildID})
	reg.Register(&writeFileTool{sb: sb, sink: params.Sink, buildID: params.BuildID})
	reg.Register(&readFileTool{sb: sb})
	reg.Register(&listFilesTool{sb: sb})
	reg.Register(&deleteFileTool{sb: sb, sink: params.Sink, buildID: params.BuildID})
	for _, t := range params.Tools {
		reg.Register(t)
	}
	return reg
}

const (
	defaultCommandTimeout = 120 * time.Second
	maxCommandTimeout     = 10 * time.Minute
	maxReadBytes          = 64 * 1024
	eventOutputLimit      = 2000
)

// runCommandTool executes shell commands inside the sandbox. Every command
// passes the policy gate first; a blocked command never reaches the sandbox
// and surfaces to the model as a failed tool result.
type runCommandTool struct {
	sb      sandbox.Sandbox
	policy  *policy.Policy
	sink    events.Sink
	buildID types.BuildID
}

func (t *runCommandTool) Name() string { return "run_command" }
func (t *runCommandTool) Description() string {
	return "Run a shell command in the build workspace. Only allowlisted commands are permitted."
}
func (t *runCommandTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The command to execute"},
			"timeout_seconds": {"type": "integer", "description": "Timeout in seconds (default: 120)"}
		},
		"required": ["command"]
	}`)
}

func (t *runCommandTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Command == "" {
		return "", fmt.Errorf("command is required")
	}

	if err := t.policy.Check(params.Command); err != nil {
		record(ctx, t.sink, types.NewBuildEvent(t.buildID, types.EventCommand, types.CommandPayload{
			Command: params.Command,
			Blocked: true,
			Reason:  err.Error(),
		}))
		return "", err
	}

	timeout := defaultCommandTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := t.sb.Exec(execCtx, params.Command)
	if err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}

	output := res.Stdout
	if res.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += res.Stderr
	}

	record(ctx, t.sink, types.NewBuildEvent(t.buildID, types.EventCommand, types.CommandPayload{
		Command:  params.Command,
		ExitCode: res.ExitCode,
		Output:   truncate(output, eventOutputLimit),
	}))
	if isTestCommand(params.Command) {
		record(ctx, t.sink, types.NewBuildEvent(t.buildID, types.EventTestRun, types.TestRunPayload{
			Command: params.Command,
			Passed:  res.ExitCode == 0,
		}))
	}

	if res.ExitCode != 0 {
		return fmt.Sprintf("exit code %d\n%s", res.ExitCode, output), nil
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}

// writeFileTool creates or overwrites one file under the workspace.
type writeFileTool struct {
	sb      sandbox.Sandbox
	sink    events.Sink
	buildID types.BuildID
}

func (t *writeFileTool) Name() string { return "write_file" }
func (t *writeFileTool) Description() string {
	return "Create or overwrite a file in the build workspace."
}
func (t *writeFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the workspace root"},
			"content": {"type": "string", "description": "Full file content"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *writeFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	abs, err := resolvePath(params.Path)
	if err != nil {
		return "", err
	}
	_, readErr := t.sb.ReadFile(ctx, abs)
	existed := readErr == nil

	if err := t.sb.WriteFile(ctx, abs, []byte(params.Content)); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	evType := types.EventFileCreated
	if existed {
		evType = types.EventFileModified
	}
	record(ctx, t.sink, types.NewBuildEvent(t.buildID, evType, types.FilePayload{Path: params.Path}))

	return fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path), nil
}

// deleteFileTool removes one file from the workspace. Deletion goes through
// the shell since providers expose exec plus read/write, not an unlink call.
type deleteFileTool struct {
	sb      sandbox.Sandbox
	sink    events.Sink
	buildID types.BuildID
}

func (t *deleteFileTool) Name() string { return "delete_file" }
func (t *deleteFileTool) Description() string {
	return "Delete a file from the build workspace."
}
func (t *deleteFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the workspace root"}
		},
		"required": ["path"]
	}`)
}

func (t *deleteFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	abs, err := resolvePath(params.Path)
	if err != nil {
		return "", err
	}
	res, err := t.sb.Exec(ctx, "rm -f -- "+shellquote.Join(abs))
	if err != nil {
		return "", fmt.Errorf("delete file: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("delete file: %s", strings.TrimSpace(res.Stderr))
	}

	record(ctx, t.sink, types.NewBuildEvent(t.buildID, types.EventFileDeleted, types.FilePayload{Path: params.Path}))
	return "deleted " + params.Path, nil
}

// readFileTool returns one file's content.
type readFileTool struct {
	sb sandbox.Sandbox
}

func (t *readFileTool) Name() string { return "read_file" }
func (t *readFileTool) Description() string {
	return "Read a file from the build workspace."
}
func (t *readFileTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the workspace root"}
		},
		"required": ["path"]
	}`)
}

func (t *readFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	abs, err := resolvePath(params.Path)
	if err != nil {
		return "", err
	}
	data, err := t.sb.ReadFile(ctx, abs)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

// listFilesTool lists one directory.
type listFilesTool struct {
	sb sandbox.Sandbox
}

func (t *listFilesTool) Name() string { return "list_files" }
func (t *listFilesTool) Description() string {
	return "List the entries of a directory in the build workspace."
}
func (t *listFilesTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory path relative to the workspace root (default: workspace root)"}
		}
	}`)
}

func (t *listFilesTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
	}
	if params.Path == "" {
		params.Path = "."
	}

	abs, err := resolvePath(params.Path)
	if err != nil {
		return "", err
	}
	entries, err := t.sb.ListDir(ctx, abs)
	if err != nil {
		return "", fmt.Errorf("list dir: %w", err)
	}
	if len(entries) == 0 {
		return "(empty)", nil
	}
	return strings.Join(entries, "\n"), nil
}

// isTestCommand recognizes invocations of the project's test suite among
// the agent's shell commands.
func isTestCommand(command string) bool {
	fields := strings.Fields(command)
	for i, f := range fields {
		switch f {
		case "pytest", "jest", "vitest", "playwright":
			return true
		case "test":
			if i > 0 {
				switch fields[i-1] {
				case "npm", "yarn", "pnpm", "bun", "go":
					return true
				}
			}
		}
	}
	return false
}

// resolvePath anchors a model-supplied path at the workspace root and
// rejects anything that resolves outside it, absolute or via "..".
func resolvePath(p string) (string, error) {
	abs := path.Join(sandbox.WorkDir, p)
	if path.IsAbs(p) {
		abs = path.Clean(p)
	}
	if abs != sandbox.WorkDir && !strings.HasPrefix(abs, sandbox.WorkDir+"/") {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return abs, nil
}

func record(ctx context.Context, sink events.Sink, ev *types.BuildEvent) {
	if sink != nil {
		sink.Record(ctx, ev)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
