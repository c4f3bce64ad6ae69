package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func TestOpenAIAdapterEncodesConversation(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{
		ID:      "resp_1",
		Model:   "gpt-4o",
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "Done"}, FinishReason: openai.FinishReasonStop}},
		Usage:   openai.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	}}
	adapter, err := NewOpenAIAdapter("openai", WithChatClient(chat), WithDefaultModel("gpt-4o"), WithDefaultMaxTokens(4096))
	require.NoError(t, err)

	resp, err := adapter.Complete(context.Background(), Request{
		Messages: []Message{
			SystemMessage("sys"),
			UserMessage("go"),
			AssistantMessage("", ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}),
			ToolResultMessage("c1", "read_file", "hi"),
		},
		Tools:      []ToolDefinition{{Name: "read_file", Description: "read", Parameters: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice: ToolChoiceAuto,
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", chat.req.Model)
	assert.Equal(t, 4096, chat.req.MaxTokens)
	assert.Equal(t, "auto", chat.req.ToolChoice)
	require.Len(t, chat.req.Tools, 1)
	assert.Equal(t, "read_file", chat.req.Tools[0].Function.Name)
	require.Len(t, chat.req.Messages, 4)
	assert.Equal(t, "system", chat.req.Messages[0].Role)
	require.Len(t, chat.req.Messages[2].ToolCalls, 1)
	assert.Equal(t, "c1", chat.req.Messages[2].ToolCalls[0].ID)
	assert.Equal(t, `{"path":"a"}`, chat.req.Messages[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c1", chat.req.Messages[3].ToolCallID)
	assert.Equal(t, "read_file", chat.req.Messages[3].Name)

	assert.Equal(t, "Done", resp.Text())
	assert.Equal(t, "stop", resp.FinishReason.Reason)
	assert.Equal(t, Usage{InputTokens: 5, OutputTokens: 1, TotalTokens: 6}, resp.Usage)
}

func TestOpenAIAdapterToolCalls(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{
					{ID: "a", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "write_file", Arguments: `{"path":"x"}`}},
					{ID: "", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "list_files", Arguments: ""}},
					{ID: "c", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "exec", Arguments: "not json"}},
				},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}}
	adapter, err := NewOpenAIAdapter("moonshot", WithChatClient(chat))
	require.NoError(t, err)

	resp, err := adapter.Complete(context.Background(), Request{Model: "moonshot-v1-128k", Messages: []Message{UserMessage("go")}})
	require.NoError(t, err)

	calls := resp.ToolCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].ID)
	assert.NotEmpty(t, calls[1].ID)
	assert.JSONEq(t, `{}`, string(calls[1].Arguments))
	assert.JSONEq(t, `"not json"`, string(calls[2].Arguments))
	assert.Equal(t, "tool_calls", resp.FinishReason.Reason)
	assert.Equal(t, "moonshot", resp.Provider)
	assert.NotEmpty(t, resp.ID)
}

func TestOpenAIAdapterNoChoices(t *testing.T) {
	adapter, err := NewOpenAIAdapter("openai", WithChatClient(&fakeChat{}))
	require.NoError(t, err)

	_, err = adapter.Complete(context.Background(), Request{Model: "gpt-4o", Messages: []Message{UserMessage("go")}})
	var malformed *MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.False(t, IsRetryable(err))
}

func TestOpenAIAdapterRequiresModelAndKey(t *testing.T) {
	_, err := NewOpenAIAdapter("openai")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	adapter, err := NewOpenAIAdapter("openai", WithChatClient(&fakeChat{}))
	require.NoError(t, err)
	_, err = adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("go")}})
	require.ErrorAs(t, err, &cfgErr)
}

func TestOpenAIAdapterTranslatesTransportErrors(t *testing.T) {
	adapter, err := NewOpenAIAdapter("openai", WithChatClient(&fakeChat{err: errors.New("connection refused")}))
	require.NoError(t, err)
	_, err = adapter.Complete(context.Background(), Request{Model: "gpt-4o", Messages: []Message{UserMessage("go")}})
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)

	adapter, err = NewOpenAIAdapter("openai", WithChatClient(&fakeChat{err: context.Canceled}))
	require.NoError(t, err)
	_, err = adapter.Complete(context.Background(), Request{Model: "gpt-4o", Messages: []Message{UserMessage("go")}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIAdapterOverHTTP(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "read_file", "arguments": "{\"path\":\"a.txt\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}
		}`)
	}))
	defer srv.Close()

	adapter, err := NewOpenAIAdapter("openai",
		WithAPIKey("secret"),
		WithBaseURL(srv.URL+"/v1/chat/completions"),
	)
	require.NoError(t, err)

	resp, err := adapter.Complete(context.Background(), Request{
		Model:      "gpt-4o",
		Messages:   []Message{SystemMessage("s"), UserMessage("u")},
		Tools:      []ToolDefinition{{Name: "read_file", Parameters: json.RawMessage(`{"type":"object","properties":{}}`)}},
		ToolChoice: ToolChoiceAuto,
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls(), 1)
	assert.Equal(t, "call_1", resp.ToolCalls()[0].ID)
	assert.JSONEq(t, `{"path":"a.txt"}`, string(resp.ToolCalls()[0].Arguments))
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	assert.Equal(t, "auto", got["tool_choice"])
	assert.Len(t, got["messages"], 2)
	assert.Len(t, got["tools"], 1)
}

func TestOpenAIAdapterHTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"unauthorized", 401, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`,
			func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }},
		{"rate limited", 429, `{"error":{"message":"slow down","type":"rate_limit"}}`,
			func(e error) bool { var x *RateLimitError; return errors.As(e, &x) }},
		{"html server error", 502, `<html>bad gateway</html>`,
			func(e error) bool { var x *ServerError; return errors.As(e, &x) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			adapter, err := NewOpenAIAdapter("openai", WithAPIKey("k"), WithBaseURL(srv.URL))
			require.NoError(t, err)
			_, err = adapter.Complete(context.Background(), Request{Model: "gpt-4o", Messages: []Message{UserMessage("u")}})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type %T: %v", err, err)
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}
