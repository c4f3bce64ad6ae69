package unifiedllm

import (
	"context"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"
)

// NewRequestLimiter returns a limiter admitting requestsPerMinute calls per
// minute with a burst of one. A non-positive rate yields nil.
func NewRequestLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
}

// RateLimit blocks each call until the limiter admits it. A nil limiter
// disables limiting. Waiting honors ctx cancellation.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(ctx context.Context, req Request, next Handler) (*Response, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return next(ctx, req)
	}
}

// LogRequests logs one line per completion call with the provider, model,
// message count, duration and token usage. Message contents are not logged.
func LogRequests() Middleware {
	return func(ctx context.Context, req Request, next Handler) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		fields := []log.Fielder{
			log.KV{K: "msg", V: "model call"},
			log.KV{K: "provider", V: req.Provider},
			log.KV{K: "model", V: req.Model},
			log.KV{K: "messages", V: len(req.Messages)},
			log.KV{K: "tools", V: len(req.Tools)},
			log.KV{K: "duration_ms", V: time.Since(start).Milliseconds()},
		}
		if err != nil {
			fields = append(fields, log.KV{K: "retryable", V: IsRetryable(err)})
			log.Error(ctx, err, fields...)
			return nil, err
		}
		fields = append(fields,
			log.KV{K: "finish_reason", V: resp.FinishReason.Reason},
			log.KV{K: "tool_calls", V: len(resp.ToolCalls())},
			log.KV{K: "input_tokens", V: resp.Usage.InputTokens},
			log.KV{K: "output_tokens", V: resp.Usage.OutputTokens},
		)
		log.Info(ctx, fields...)
		return resp, nil
	}
}
