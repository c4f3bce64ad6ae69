package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestMessageConstructors(t *testing.T) {
	t.Run("SystemMessage", func(t *testing.T) {
		msg := SystemMessage("You are helpful.")
		if msg.Role != RoleSystem || msg.Content != "You are helpful." {
			t.Errorf("unexpected message %+v", msg)
		}
	})

	t.Run("UserMessage", func(t *testing.T) {
		msg := UserMessage("Hello")
		if msg.Role != RoleUser || msg.Content != "Hello" {
			t.Errorf("unexpected message %+v", msg)
		}
	})

	t.Run("AssistantMessage", func(t *testing.T) {
		msg := AssistantMessage("Hi there")
		if msg.Role != RoleAssistant || msg.HasToolCalls() {
			t.Errorf("unexpected message %+v", msg)
		}
	})

	t.Run("ToolResultMessage", func(t *testing.T) {
		msg := ToolResultMessage("call_123", "read_file", "hi")
		if msg.Role != RoleTool {
			t.Errorf("expected role %q, got %q", RoleTool, msg.Role)
		}
		if msg.ToolCallID != "call_123" || msg.Name != "read_file" || msg.Content != "hi" {
			t.Errorf("unexpected message %+v", msg)
		}
	})
}

func TestAssistantMessageCopiesCalls(t *testing.T) {
	calls := []ToolCall{{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{}`)}}
	msg := AssistantMessage("", calls...)
	calls[0].ID = "mutated"
	if msg.ToolCalls[0].ID != "c1" {
		t.Errorf("expected copied calls, got id %q", msg.ToolCalls[0].ID)
	}
}

func TestMessageJSON(t *testing.T) {
	msg := AssistantMessage("", ToolCall{ID: "c1", Name: "exec", Arguments: json.RawMessage(`{"command":"ls"}`)})
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"assistant","tool_calls":[{"id":"c1","name":"exec","arguments":{"command":"ls"}}]}`
	if string(b) != want {
		t.Errorf("got %s\nwant %s", b, want)
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	b := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}
	if got := a.Add(b); got != (Usage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33}) {
		t.Errorf("Add = %+v", got)
	}
}

func TestResponseAccessors(t *testing.T) {
	resp := Response{Message: AssistantMessage("ok", ToolCall{ID: "a"}, ToolCall{ID: "b"})}
	if resp.Text() != "ok" {
		t.Errorf("Text = %q", resp.Text())
	}
	calls := resp.ToolCalls()
	if len(calls) != 2 || calls[0].ID != "a" || calls[1].ID != "b" {
		t.Errorf("ToolCalls = %+v", calls)
	}
}
