package agentloop

import (
	"github.com/martinemde/codeengineer/unifiedllm"
)

// Transcript is the append-only conversation of one run. It is owned by the
// run's goroutine and not safe for concurrent use.
type Transcript struct {
	messages []unifiedllm.Message
}

// NewTranscript seeds a transcript with the system prompt and the user query.
func NewTranscript(systemPrompt, userQuery string) *Transcript {
	return &Transcript{
		messages: []unifiedllm.Message{
			unifiedllm.SystemMessage(systemPrompt),
			unifiedllm.UserMessage(userQuery),
		},
	}
}

// AppendAssistant records a model turn.
func (t *Transcript) AppendAssistant(text string, calls []unifiedllm.ToolCall) {
	t.messages = append(t.messages, unifiedllm.AssistantMessage(text, calls...))
}

// AppendToolResult records the answer to one tool call.
func (t *Transcript) AppendToolResult(call unifiedllm.ToolCall, text string) {
	t.messages = append(t.messages, unifiedllm.ToolResultMessage(call.ID, call.Name, text))
}

// Len returns the number of messages.
func (t *Transcript) Len() int { return len(t.messages) }

// Messages returns a copy of the conversation.
func (t *Transcript) Messages() []unifiedllm.Message {
	out := make([]unifiedllm.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// view returns the backing slice for read-only use within a run.
func (t *Transcript) view() []unifiedllm.Message { return t.messages }

// ContentChars returns the total characters of message text, a rough proxy
// for context usage.
func (t *Transcript) ContentChars() int {
	n := 0
	for _, m := range t.messages {
		n += len(m.Content)
		for _, tc := range m.ToolCalls {
			n += len(tc.Arguments)
		}
	}
	return n
}
