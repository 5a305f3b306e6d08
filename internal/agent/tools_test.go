package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/user/appforge/internal/policy"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
)

func TestResolvePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"index.js", "/workspace/index.js"},
		{"./src/app.js", "/workspace/src/app.js"},
		{"src/../index.js", "/workspace/index.js"},
		{"/workspace/index.js", "/workspace/index.js"},
		{".", "/workspace"},
		{"", "/workspace"},
	}
	for _, c := range cases {
		got, err := resolvePath(c.in)
		if err != nil {
			t.Errorf("resolvePath(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("resolvePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestResolvePathRejectsEscapes(t *testing.T) {
	for _, in := range []string{
		"../secrets",
		"src/../../etc/passwd",
		"/etc/passwd",
		"/workspace/../etc/passwd",
		"/workspaceevil",
	} {
		if _, err := resolvePath(in); err == nil {
			t.Errorf("resolvePath(%q): expected error, got nil", in)
		}
	}
}

func TestIsTestCommand(t *testing.T) {
	cases := map[string]bool{
		"npm test":                  true,
		"yarn test":                 true,
		"pnpm test":                 true,
		"go test ./...":             true,
		"pytest -x tests/":          true,
		"npx playwright install":    true,
		"cd /workspace && npm test": true,
		"npm install":               false,
		"ls -la test":               false,
		"cat test.js":               false,
	}
	for cmd, want := range cases {
		if got := isTestCommand(cmd); got != want {
			t.Errorf("isTestCommand(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestRunCommandEmitsTestRun(t *testing.T) {
	sb := newStubSandbox()
	sb.results["npm test"] = &sandbox.ExecResult{ExitCode: 1, Stderr: "2 failing"}
	sink := &captureSink{}
	tool := &runCommandTool{sb: sb, policy: policy.New([]string{"npm", "ls"}), sink: sink, buildID: "b-1"}

	args, _ := json.Marshal(map[string]string{"command": "npm test"})
	if _, err := tool.Execute(context.Background(), args); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	args, _ = json.Marshal(map[string]string{"command": "ls"})
	if _, err := tool.Execute(context.Background(), args); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	runs := sink.ofType(types.EventTestRun)
	if len(runs) != 1 {
		t.Fatalf("test_run events = %d, want 1", len(runs))
	}
	var p types.TestRunPayload
	if err := json.Unmarshal(runs[0].Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Command != "npm test" || p.Passed {
		t.Fatalf("payload = %+v, want a failed npm test run", p)
	}
}

func TestFileToolsRefuseEscapes(t *testing.T) {
	sb := newStubSandbox()
	write := &writeFileTool{sb: sb}
	read := &readFileTool{sb: sb}

	args, _ := json.Marshal(map[string]string{"path": "../../etc/cron.d/job", "content": "x"})
	if _, err := write.Execute(context.Background(), args); err == nil || !strings.Contains(err.Error(), "outside the workspace") {
		t.Errorf("write_file escape: got err %v", err)
	}
	if len(sb.files) != 0 {
		t.Errorf("write_file escape still wrote: %v", sb.files)
	}

	args, _ = json.Marshal(map[string]string{"path": "/etc/passwd"})
	if _, err := read.Execute(context.Background(), args); err == nil || !strings.Contains(err.Error(), "outside the workspace") {
		t.Errorf("read_file escape: got err %v", err)
	}
}
