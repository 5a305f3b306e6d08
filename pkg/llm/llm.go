// Package llm abstracts the chat-completion backend the agent sessions run
// against. The engine only ever needs one shape of call: send a message
// history plus a tool catalog, get back either text or tool invocations.
package llm

import (
	"context"
	"fmt"
)

// Provider executes one completion round. Implementations own wire format,
// auth and endpoint quirks; callers see only Request and Response.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is one completion round: the full message history (system prompt
// first) and the tools the model may invoke this round.
type Request struct {
	Messages []Message
	Tools    []Tool
}

// Response is the model's answer to a Request. A round ends either in text
// (ToolCalls empty, Content set) or in tool invocations to execute and feed
// back.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// WantsTools reports whether the model asked for tool executions rather
// than finishing with text.
func (r *Response) WantsTools() bool {
	return len(r.ToolCalls) > 0
}

// Usage is token accounting for one or more rounds.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another round's usage into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Config carries the backend settings every provider needs. Credentials stay
// here rather than in provider constructors so the daemon config maps onto
// it directly.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// APIError is a non-2xx answer from the backend, preserved with its status
// code so callers can tell a rate limit from a bad request when deciding
// whether to retry.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm backend: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure class is worth another attempt:
// rate limits, timeouts and server-side errors are; everything else in the
// 4xx range means the request itself is wrong.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}
