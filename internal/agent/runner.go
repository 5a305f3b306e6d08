// Package agent runs LLM sessions against a build sandbox. A session is one
// prompt plus however many tool rounds the model takes: commands gated by
// the security policy, file access scoped to the workspace, every action
// emitted as a build event.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/appforge/internal/events"
	"github.com/user/appforge/internal/policy"
	"github.com/user/appforge/internal/sandbox"
	"github.com/user/appforge/internal/types"
	"github.com/user/appforge/pkg/llm"
)

// SessionParams configures one session.
type SessionParams struct {
	BuildID      types.BuildID
	SystemPrompt string
	Prompt       string

	// History carries prior sessions' messages so the model keeps context
	// across iterations and resume.
	History []llm.Message

	// Policy gates run_command. Nil means the default allowlist.
	Policy *policy.Policy

	// Tools are harness-contributed extras registered alongside the
	// sandbox tool set.
	Tools []Tool

	// Sink receives the build events this session produces. Nil disables
	// emission.
	Sink events.Sink

	// MaxRounds bounds tool rounds per session. Zero means the default.
	MaxRounds int
}

// SessionResult is what a completed session produced.
type SessionResult struct {
	// FinalText is the model's closing message. Empty when the session
	// ended by exhausting its tool rounds.
	FinalText string
	// History is the full message history including this session.
	History []llm.Message
	Rounds  int
	Usage   llm.Usage
}

// Runner executes agent sessions. The orchestrator's build loop calls one
// session per iteration.
type Runner interface {
	RunSession(ctx context.Context, sb sandbox.Sandbox, params SessionParams) (*SessionResult, error)
}

const defaultMaxRounds = 40

// LLMRunner is the Runner backed by an llm.Provider.
type LLMRunner struct {
	provider llm.Provider
	history  *History
	retry    *Backoff
}

// NewLLMRunner creates a runner. history may be nil to disable token
// trimming.
func NewLLMRunner(provider llm.Provider, history *History) *LLMRunner {
	return &LLMRunner{
		provider: provider,
		history:  history,
		retry:    defaultBackoff(),
	}
}

// RunSession drives the tool loop until the model answers with plain text
// or the round budget runs out. Exhausting rounds is not an error: the
// session returns with empty FinalText and the caller decides whether to
// continue with a fresh session.
func (r *LLMRunner) RunSession(ctx context.Context, sb sandbox.Sandbox, params SessionParams) (*SessionResult, error) {
	registry := newSessionTools(sb, params)
	maxRounds := params.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	history := append([]llm.Message(nil), params.History...)
	history = append(history, llm.UserMessage(params.Prompt))

	result := &SessionResult{}
	for round := 0; round < maxRounds; round++ {
		req := llm.Request{
			Messages: r.assemble(params.SystemPrompt, history),
			Tools:    registry.AsLLMTools(),
		}

		var resp *llm.Response
		err := r.retry.Do(ctx, func() error {
			var callErr error
			resp, callErr = r.provider.Complete(ctx, req)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("llm call: %w", err)
		}
		result.Rounds++
		result.Usage.Add(resp.Usage)

		if resp.WantsTools() {
			history = append(history, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			for _, tc := range resp.ToolCalls {
				out := r.executeTool(ctx, registry, tc, params)
				history = append(history, llm.ToolResultMessage(tc.ID, out))
			}
			continue
		}

		history = append(history, llm.AssistantMessage(resp.Content))
		result.FinalText = resp.Content
		result.History = history
		return result, nil
	}

	slog.Warn("session exhausted tool rounds",
		"buildId", params.BuildID,
		"rounds", maxRounds)
	result.History = history
	return result, nil
}

func (r *LLMRunner) executeTool(ctx context.Context, registry *Registry, tc llm.ToolCall, params SessionParams) string {
	name := tc.Function.Name
	record(ctx, params.Sink, types.NewBuildEvent(params.BuildID, types.EventToolStart, types.ToolPayload{
		Tool:  name,
		Input: truncate(string(tc.Function.Arguments), eventOutputLimit),
	}))

	start := time.Now()
	var out string
	var execErr error
	tool, ok := registry.Get(name)
	if !ok {
		out = fmt.Sprintf("error: unknown tool %q", name)
	} else {
		out, execErr = tool.Execute(ctx, tc.Function.Arguments)
		if execErr != nil {
			if out != "" {
				out = fmt.Sprintf("error: %v\n%s", execErr, out)
			} else {
				out = fmt.Sprintf("error: %v", execErr)
			}
		}
	}

	record(ctx, params.Sink, types.NewBuildEvent(params.BuildID, types.EventToolEnd, types.ToolPayload{
		Tool:     name,
		Output:   truncate(out, eventOutputLimit),
		IsError:  execErr != nil || !ok,
		Duration: time.Since(start).Milliseconds(),
	}))
	return out
}

// assemble prefixes the system prompt and applies the token budget to the
// rest.
func (r *LLMRunner) assemble(system string, history []llm.Message) []llm.Message {
	trimmed := history
	if r.history != nil {
		trimmed = r.history.Trim(history)
	}
	messages := make([]llm.Message, 0, len(trimmed)+1)
	messages = append(messages, llm.SystemMessage(system))
	return append(messages, trimmed...)
}
