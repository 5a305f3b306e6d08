// Package openai implements llm.Provider against the OpenAI chat
// completions protocol, which most hosted and self-hosted backends speak.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/appforge/pkg/llm"
)

const requestTimeout = 5 * time.Minute

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	cfg  *llm.Config
	http *http.Client
}

// New returns a client for the endpoint described by cfg. BaseURL includes
// the version prefix (".../v1"); the client appends the route.
func New(cfg *llm.Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: requestTimeout},
	}
}

// Complete sends one completion round and maps the first choice back into
// the provider-neutral response.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := wireRequest{
		Model:    c.cfg.Model,
		Messages: encodeMessages(req.Messages),
		Tools:    req.Tools,
	}
	if c.cfg.MaxTokens > 0 {
		payload.MaxTokens = c.cfg.MaxTokens
	}
	if c.cfg.Temperature != 0 {
		t := c.cfg.Temperature
		payload.Temperature = &t
	}

	var decoded wireResponse
	if err := c.post(ctx, "/chat/completions", payload, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("backend returned no choices")
	}

	choice := decoded.Choices[0]
	for i := range choice.Message.ToolCalls {
		args := &choice.Message.ToolCalls[i].Function.Arguments
		*args = unwrapArguments(*args)
	}
	return &llm.Response{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		},
	}, nil
}

// post marshals in, performs the request, and decodes a 200 body into out.
// Non-2xx statuses come back as *llm.APIError with the body preserved.
func (c *Client) post(ctx context.Context, route string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+route, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call backend: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &llm.APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// wireRequest is the chat completions request body.
type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []llm.Tool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
}

// wireMessage differs from llm.Message in one way: replayed tool-call
// arguments travel as a JSON-encoded string, not the object form used
// internally.
type wireMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []wireCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type wireCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function wireFunc `json:"function"`
}

type wireFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func encodeMessages(messages []llm.Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		w := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, call := range m.ToolCalls {
			w.ToolCalls = append(w.ToolCalls, wireCall{
				ID:   call.ID,
				Type: call.Type,
				Function: wireFunc{
					Name:      call.Function.Name,
					Arguments: string(call.Function.Arguments),
				},
			})
		}
		out[i] = w
	}
	return out
}

// wireResponse is the chat completions response body.
type wireResponse struct {
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []llm.ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// unwrapArguments converts string-encoded tool arguments to the object
// form. The spec'd API sends a JSON string containing the object; some
// compatible backends already send the object, which passes through as is.
func unwrapArguments(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.RawMessage(s)
	}
	return raw
}
