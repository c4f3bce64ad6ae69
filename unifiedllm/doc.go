// Package unifiedllm is the chat-completion boundary used by the agent loop.
//
// It presents one request/response shape (ordered messages, declared tools,
// tool calls in the reply) regardless of the provider behind it, and routes
// requests through a Client that applies middleware.
//
// # Adapters
//
//   - OpenAIAdapter talks to any OpenAI-compatible chat completions endpoint
//     through github.com/sashabaranov/go-openai and keeps tool calls native.
//   - GollmAdapter wraps github.com/teilomillet/gollm for the vendors gollm
//     supports. gollm exposes a single prompt, so the conversation is
//     flattened and tool calls are recovered from JSON in the reply.
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewOpenAIAdapter("openai",
//	    unifiedllm.WithAPIKey(os.Getenv("AGENT_SECRET")),
//	    unifiedllm.WithBaseURL("https://api.openai.com/v1"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.LogRequests()),
//	)
//
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "gpt-4o",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// Errors returned by adapters belong to the hierarchy in errors.go; the
// client never retries.
package unifiedllm
