package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the go-openai client used by OpenAIAdapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIAdapter implements ProviderAdapter for any OpenAI-compatible chat
// completions endpoint. Tool calls round-trip natively.
type OpenAIAdapter struct {
	name         string
	chat         ChatClient
	defaultModel string
	maxTokens    int
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	apiKey       string
	baseURL      string
	chat         ChatClient
	defaultModel string
	maxTokens    int
}

// WithAPIKey sets the bearer token sent to the endpoint.
func WithAPIKey(key string) OpenAIOption {
	return func(c *openAIConfig) { c.apiKey = key }
}

// WithBaseURL points the adapter at an OpenAI-compatible endpoint. A URL
// ending in /chat/completions is accepted and trimmed.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithChatClient injects the chat client, bypassing the HTTP client built
// from the API key and base URL.
func WithChatClient(chat ChatClient) OpenAIOption {
	return func(c *openAIConfig) { c.chat = chat }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.defaultModel = model }
}

// WithDefaultMaxTokens sets the completion budget used when a request names
// none.
func WithDefaultMaxTokens(n int) OpenAIOption {
	return func(c *openAIConfig) { c.maxTokens = n }
}

// NewOpenAIAdapter builds an adapter registered under name.
func NewOpenAIAdapter(name string, opts ...OpenAIOption) (*OpenAIAdapter, error) {
	var cfg openAIConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if name == "" {
		name = "openai"
	}
	chat := cfg.chat
	if chat == nil {
		if cfg.apiKey == "" {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("%s: api key is required", name),
			}}
		}
		occ := openai.DefaultConfig(cfg.apiKey)
		if cfg.baseURL != "" {
			occ.BaseURL = trimChatCompletionsPath(cfg.baseURL)
		}
		chat = openai.NewClientWithConfig(occ)
	}
	return &OpenAIAdapter{
		name:         name,
		chat:         chat,
		defaultModel: cfg.defaultModel,
		maxTokens:    cfg.maxTokens,
	}, nil
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return a.name }

// Complete sends the full conversation and the tool catalog in one request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "messages are required"}}
	}
	modelID := req.Model
	if modelID == "" {
		modelID = a.defaultModel
	}
	if modelID == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "model is required"}}
	}

	request := openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: encodeMessages(req.Messages),
		Tools:    encodeTools(req.Tools),
	}
	if len(request.Tools) > 0 && req.ToolChoice != "" {
		request.ToolChoice = req.ToolChoice
	}
	switch {
	case req.MaxTokens != nil:
		request.MaxTokens = *req.MaxTokens
	case a.maxTokens > 0:
		request.MaxTokens = a.maxTokens
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}

	resp, err := a.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.translateResponse(resp)
}

func encodeMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == RoleTool {
			om.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			args := string(tc.Arguments)
			if args == "" {
				args = "{}"
			}
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func encodeTools(defs []ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

func (a *OpenAIAdapter) translateResponse(resp openai.ChatCompletionResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, &MalformedResponseError{
			SDKError: SDKError{Message: "no choices in response"},
			Provider: a.name,
		}
	}
	choice := resp.Choices[0]

	calls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, c := range choice.Message.ToolCalls {
		id := c.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      c.Function.Name,
			Arguments: normalizeArguments(c.Function.Arguments),
		})
	}

	id := resp.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Response{
		ID:           id,
		Model:        resp.Model,
		Provider:     a.name,
		Message:      AssistantMessage(choice.Message.Content, calls...),
		FinishReason: mapFinishReason(string(choice.FinishReason), len(calls) > 0),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// normalizeArguments keeps valid JSON as-is, maps empty to an empty object,
// and quotes anything else so the transcript stays valid JSON.
func normalizeArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return json.RawMessage(quoted)
}

func mapFinishReason(raw string, hasCalls bool) FinishReason {
	reason := "other"
	switch raw {
	case "stop":
		reason = "stop"
	case "length":
		reason = "length"
	case "tool_calls", "function_call":
		reason = "tool_calls"
	case "content_filter":
		reason = "content_filter"
	case "":
		if hasCalls {
			reason = "tool_calls"
		} else {
			reason = "stop"
		}
	}
	return FinishReason{Reason: reason, Raw: raw}
}

func (a *OpenAIAdapter) translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, _ := apiErr.Code.(string)
		return ErrorFromStatusCode(apiErr.HTTPStatusCode, apiErr.Message, a.name, code)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return ErrorFromStatusCode(reqErr.HTTPStatusCode, reqErr.Error(), a.name, "")
	}
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &MalformedResponseError{SDKError: SDKError{Message: "undecodable body", Cause: err}, Provider: a.name}
	}
	return &NetworkError{SDKError: SDKError{Message: a.name + " request failed", Cause: err}}
}

func trimChatCompletionsPath(url string) string {
	url = strings.TrimRight(url, "/")
	return strings.TrimSuffix(url, "/chat/completions")
}
