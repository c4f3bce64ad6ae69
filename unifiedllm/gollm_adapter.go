package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
//
// gollm takes one prompt per call, so the conversation is flattened into a
// system prompt plus a text transcript, and tool calls are recovered from a
// JSON block in the reply. Prefer OpenAIAdapter when the vendor exposes an
// OpenAI-compatible endpoint.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmOption configures a GollmAdapter.
type GollmOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithGollmModel sets the default model for the adapter.
func WithGollmModel(model string) GollmOption {
	return func(c *gollmAdapterConfig) { c.model = model }
}

// WithGollmMaxTokens sets the default max tokens.
func WithGollmMaxTokens(n int) GollmOption {
	return func(c *gollmAdapterConfig) { c.maxTokens = n }
}

// WithGollmTemperature sets the default temperature.
func WithGollmTemperature(t float64) GollmOption {
	return func(c *gollmAdapterConfig) { c.temperature = t }
}

// WithGollmOptions adds raw gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmAdapterConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter creates a GollmAdapter for the given provider. If apiKey
// is empty, gollm reads it from the provider's usual environment variable.
func NewGollmAdapter(provider, apiKey string, opts ...GollmOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   DefaultMaxTokens,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = DefaultModelForProvider(provider)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("create gollm client for provider %s", provider),
			Cause:   err,
		}}
	}
	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete flattens the conversation into one gollm prompt and parses the
// reply.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "messages are required"}}
	}
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// toolCallInstructions tells the model how to request tools when the vendor
// API does not carry them natively.
const toolCallInstructions = `To call tools, reply with a single JSON object and nothing after it:
{"tool_calls": [{"name": "<tool name>", "arguments": {...}}]}
Reply with plain text, without that object, when you have the final answer.`

// flattenConversation renders messages as a system prompt and a transcript
// body. Tool calls are rendered in the same JSON form the model is asked to
// produce.
func flattenConversation(msgs []Message) (system, body string) {
	var sys, parts []string
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			sys = append(sys, msg.Content)
		case RoleUser:
			parts = append(parts, "[User]: "+msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, "[Assistant]: "+msg.Content)
			}
			if msg.HasToolCalls() {
				parts = append(parts, "[Assistant]: "+renderToolCalls(msg.ToolCalls))
			}
		case RoleTool:
			parts = append(parts, fmt.Sprintf("[Tool Result %s %s]: %s", msg.Name, msg.ToolCallID, msg.Content))
		}
	}
	return strings.Join(sys, "\n"), strings.Join(parts, "\n")
}

type wireToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func renderToolCalls(calls []ToolCall) string {
	wire := make([]wireToolCall, len(calls))
	for i, c := range calls {
		wire[i] = wireToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	b, _ := json.Marshal(struct {
		ToolCalls []wireToolCall `json:"tool_calls"`
	}{wire})
	return string(b)
}

func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	system, body := flattenConversation(req.Messages)
	if len(req.Tools) > 0 && req.ToolChoice != ToolChoiceNone {
		system = strings.TrimSpace(system + "\n\n" + toolCallInstructions)
	}
	if body == "" {
		body = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params map[string]interface{}
			_ = json.Unmarshal(t.Parameters, &params)
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		if req.ToolChoice != "" {
			promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice))
		}
	}
	return gollm.NewPrompt(body, promptOpts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, rest := parseToolCalls(text)
	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm does not expose usage; estimate at four characters per token.
	in := estimateTokens(req)
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.NewString(),
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(rest, calls...),
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// parseToolCalls extracts a {"tool_calls": [...]} object or a bare
// [{"name": ...}] array from text. It returns the calls and the text before
// the JSON block.
func parseToolCalls(text string) ([]ToolCall, string) {
	for _, marker := range []string{`{"tool_calls"`, `[{"name"`} {
		start := strings.Index(text, marker)
		if start == -1 {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var wire []wireToolCall
		if marker[0] == '{' {
			var obj struct {
				ToolCalls []wireToolCall `json:"tool_calls"`
			}
			if err := dec.Decode(&obj); err != nil {
				continue
			}
			wire = obj.ToolCalls
		} else if err := dec.Decode(&wire); err != nil {
			continue
		}
		if len(wire) == 0 {
			continue
		}
		calls := make([]ToolCall, 0, len(wire))
		for _, w := range wire {
			args := w.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			calls = append(calls, ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      w.Name,
				Arguments: args,
			})
		}
		return calls, strings.TrimSpace(text[:start])
	}
	return nil, text
}

var statusInMessage = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// translateError classifies a gollm error by the status code or wording in
// its message; gollm does not expose typed errors.
func (a *GollmAdapter) translateError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)

	status := 0
	if m := statusInMessage.FindString(msg); m != "" {
		status, _ = strconv.Atoi(m)
	}
	switch {
	case status != 0:
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"), strings.Contains(lower, "invalid key"):
		status = 401
	case strings.Contains(lower, "forbidden"):
		status = 403
	case strings.Contains(lower, "rate limit"):
		status = 429
	case strings.Contains(lower, "context length"), strings.Contains(lower, "too many tokens"):
		status = 413
	case strings.Contains(lower, "internal server"):
		status = 500
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	default:
		return &ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}
	}
	return ErrorFromStatusCode(status, msg, a.provider, "")
}

func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}
