package agent

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/appforge/pkg/llm"
)

// History trims conversation history to a token budget, keeping the newest
// messages. Old context falls away first because the recent tool exchanges
// are what the next turn depends on.
type History struct {
	tokenizer *tiktoken.Tiktoken
	budget    int
}

// NewHistory creates a trimmer for the given model's tokenizer and token
// budget.
func NewHistory(model string, budget int) (*History, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &History{tokenizer: enc, budget: budget}, nil
}

// Count returns the token count for a string.
func (h *History) Count(text string) int {
	return len(h.tokenizer.Encode(text, nil, nil))
}

func (h *History) countMessage(msg llm.Message) int {
	n := h.Count(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += h.Count(tc.Function.Name)
		n += h.Count(string(tc.Function.Arguments))
	}
	return n
}

// Trim returns the newest suffix of history that fits the budget. The
// suffix never starts with a tool result, since a tool message without its
// originating tool call is rejected by providers.
func (h *History) Trim(history []llm.Message) []llm.Message {
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := h.countMessage(history[i])
		if used+n > h.budget {
			break
		}
		used += n
		start = i
	}
	for start < len(history) && history[start].Role == "tool" {
		start++
	}
	return history[start:]
}
