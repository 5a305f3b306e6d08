package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/user/appforge/internal/types"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotTarget, gotMsg string
	reg.Register("test:", func(target, message string) error {
		gotTarget = target
		gotMsg = message
		return nil
	})

	if err := reg.Deliver("test:123", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTarget != "123" {
		t.Errorf("expected target %q, got %q", "123", gotTarget)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestTelegramSendSatisfiesHandler(t *testing.T) {
	// Send rejects non-numeric targets before touching the bot, so a zero
	// value is enough to exercise the handler signature end to end.
	reg := NewRegistry()
	reg.Register(TelegramPrefix, (&Telegram{}).Send)
	if err := reg.Deliver("telegram:not-a-chat-id", "hello"); err == nil {
		t.Fatal("expected error for non-numeric chat id, got nil")
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Deliver("unknown:123", "hello"); err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryBuildFinished(t *testing.T) {
	reg := NewRegistry()

	var delivered []string
	reg.Register(TelegramPrefix, func(target, message string) error {
		delivered = append(delivered, target+"|"+message)
		return nil
	})
	reg.Subscribe("u-1", "telegram:100")
	reg.Subscribe("u-1", "telegram:200")
	reg.Subscribe("u-2", "telegram:300")

	b := &types.Build{
		ID:       "b-1",
		UserID:   "u-1",
		Status:   types.StatusCompleted,
		Progress: types.Progress{Completed: 3, Total: 3},
	}
	reg.BuildFinished(context.Background(), b)

	if len(delivered) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(delivered))
	}
	for _, d := range delivered {
		if !strings.Contains(d, "b-1") || !strings.Contains(d, "3 of 3") {
			t.Errorf("delivery %q missing build details", d)
		}
	}
	if !strings.HasPrefix(delivered[0], "100|") || !strings.HasPrefix(delivered[1], "200|") {
		t.Errorf("deliveries went to wrong targets: %v", delivered)
	}
}

func TestRegistryBuildFinishedNoTargets(t *testing.T) {
	reg := NewRegistry()
	reg.Register(TelegramPrefix, func(target, message string) error {
		t.Fatal("handler called for unsubscribed user")
		return nil
	})

	reg.BuildFinished(context.Background(), &types.Build{ID: "b-1", UserID: "u-unknown", Status: types.StatusFailed})
}

func TestMessage(t *testing.T) {
	completed := Message(&types.Build{ID: "b-1", Status: types.StatusCompleted, Progress: types.Progress{Completed: 4, Total: 5}})
	if !strings.Contains(completed, "completed") || !strings.Contains(completed, "4 of 5") {
		t.Errorf("completed message %q missing details", completed)
	}

	failed := Message(&types.Build{ID: "b-2", Status: types.StatusFailed, Error: "sandbox died"})
	if !strings.Contains(failed, "failed") || !strings.Contains(failed, "sandbox died") {
		t.Errorf("failed message %q missing reason", failed)
	}
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}

	long := strings.Repeat("a", 5000)
	parts = splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}
