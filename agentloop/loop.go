package agentloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/martinemde/codeengineer/procmgr"
	"github.com/martinemde/codeengineer/registers"
	"github.com/martinemde/codeengineer/unifiedllm"
)

// DefaultMaxIterations bounds a run when the caller has no preference.
const DefaultMaxIterations = 25

// ErrMaxIterationsExceeded is matched by errors.Is on a MaxIterationsError.
var ErrMaxIterationsExceeded = errors.New("max iterations exceeded")

// MaxIterationsError reports that a run used its whole iteration budget
// without a final answer.
type MaxIterationsError struct {
	Limit int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("Max iterations (%d) reached", e.Limit)
}

func (e *MaxIterationsError) Unwrap() error { return ErrMaxIterationsExceeded }

// ProviderCallError wraps a failed model call. The run stops on the first
// one; the loop never retries.
type ProviderCallError struct {
	Iteration int
	Err       error
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("model call failed on iteration %d: %v", e.Iteration, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// Completer is the model boundary. *unifiedllm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// LoopConfig holds the collaborators and limits shared by every run.
type LoopConfig struct {
	Model       string
	Provider    string
	MaxTokens   int
	Temperature *float64

	// Env is where tool bodies touch the filesystem and run commands.
	Env ExecutionEnvironment
	// Processes is the deployment-wide background process table. When
	// IsolateProcesses is set each run gets its own manager instead, and
	// its processes are killed when the run returns.
	Processes        *procmgr.Manager
	IsolateProcesses bool
	// RegisterFactory creates the per-run register store. Defaults to
	// in-memory stores.
	RegisterFactory registers.Factory

	ToolOutputLimits map[string]int
	ToolLineLimits   map[string]int

	EnableLoopDetection bool
	LoopDetectionWindow int

	Emitter *EventEmitter
	Tracer  trace.Tracer
}

// DefaultLoopConfig returns the defaults used by the CLI.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxTokens:           unifiedllm.DefaultMaxTokens,
		RegisterFactory:     registers.MemoryFactory(),
		EnableLoopDetection: true,
		LoopDetectionWindow: 10,
	}
}

// RunResult is the outcome of a successful run.
type RunResult struct {
	RunID      string
	Answer     string
	Iterations int
	Usage      unifiedllm.Usage
	Transcript []unifiedllm.Message
}

// Loop drives conversations between the model and the tool registry. One
// Loop may serve concurrent runs; each run owns its transcript and
// registers.
type Loop struct {
	client Completer
	cfg    LoopConfig
	tracer trace.Tracer
}

// NewLoop validates cfg and returns a Loop.
func NewLoop(client Completer, cfg LoopConfig) (*Loop, error) {
	if client == nil {
		return nil, errors.New("agentloop: nil model client")
	}
	if cfg.Env == nil {
		return nil, errors.New("agentloop: nil execution environment")
	}
	if cfg.RegisterFactory == nil {
		cfg.RegisterFactory = registers.MemoryFactory()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = unifiedllm.DefaultMaxTokens
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/martinemde/codeengineer/agentloop")
	}
	return &Loop{client: client, cfg: cfg, tracer: tracer}, nil
}

// run is the state of one Run call.
type run struct {
	loop       *Loop
	id         string
	transcript *Transcript
	tools      *ToolRegistry
	tc         *ToolContext
	usage      unifiedllm.Usage
}

// Run executes one conversation. It returns the first model response that
// carries no tool calls, or an error: a *ProviderCallError when the model
// call fails, a *MaxIterationsError after maxIterations model calls, or
// ctx.Err() when ctx ends. Side effects of earlier tool calls are kept.
func (l *Loop) Run(ctx context.Context, systemPrompt, userQuery string, tools *ToolRegistry, maxIterations int) (result *RunResult, err error) {
	if tools == nil {
		tools = NewToolRegistry()
	}
	runID := uuid.NewString()
	ctx = log.With(ctx, log.KV{K: "run_id", V: runID})
	ctx, span := l.tracer.Start(ctx, "agentloop.run",
		trace.WithAttributes(
			attribute.String("agentloop.run_id", runID),
			attribute.String("agentloop.model", l.cfg.Model),
			attribute.Int("agentloop.max_iterations", maxIterations),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
		}
		span.End()
	}()

	store, err := l.cfg.RegisterFactory(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("create register store: %w", err)
	}
	defer func() {
		if derr := store.Discard(context.WithoutCancel(ctx)); derr != nil {
			log.Error(ctx, derr, log.KV{K: "msg", V: "discard registers"})
		}
	}()

	processes := l.cfg.Processes
	if l.cfg.IsolateProcesses || processes == nil {
		processes = procmgr.NewManager(l.cfg.Env.WorkingDirectory())
		defer func() {
			if cerr := processes.Close(); cerr != nil {
				log.Error(ctx, cerr, log.KV{K: "msg", V: "close run processes"})
			}
		}()
	}

	r := &run{
		loop:       l,
		id:         runID,
		transcript: NewTranscript(systemPrompt, userQuery),
		tools:      tools,
		tc: &ToolContext{
			RunID:     runID,
			Workspace: l.cfg.Env.WorkingDirectory(),
			Env:       l.cfg.Env,
			Registers: store,
			Processes: processes,
		},
	}

	l.emit(runID, EventRunStart, map[string]any{"max_iterations": maxIterations, "tools": tools.Names()})
	log.Info(ctx, log.KV{K: "msg", V: "run started"},
		log.KV{K: "model", V: l.cfg.Model},
		log.KV{K: "max_iterations", V: maxIterations},
		log.KV{K: "tools", V: tools.Count()})

	answer, iterations, err := r.iterate(ctx, maxIterations)
	if err != nil {
		l.emit(runID, EventError, map[string]any{"error": err.Error(), "iterations": iterations})
		log.Error(ctx, err, log.KV{K: "msg", V: "run failed"}, log.KV{K: "iterations", V: iterations})
		return nil, err
	}

	l.emit(runID, EventRunEnd, map[string]any{"iterations": iterations})
	log.Info(ctx, log.KV{K: "msg", V: "run finished"},
		log.KV{K: "iterations", V: iterations},
		log.KV{K: "input_tokens", V: r.usage.InputTokens},
		log.KV{K: "output_tokens", V: r.usage.OutputTokens})

	return &RunResult{
		RunID:      runID,
		Answer:     answer,
		Iterations: iterations,
		Usage:      r.usage,
		Transcript: r.transcript.Messages(),
	}, nil
}

func (r *run) iterate(ctx context.Context, maxIterations int) (string, int, error) {
	l := r.loop
	iteration := 0
	for {
		iteration++
		if iteration > maxIterations {
			l.emit(r.id, EventIterationLimit, map[string]any{"limit": maxIterations})
			return "", iteration - 1, &MaxIterationsError{Limit: maxIterations}
		}
		if err := ctx.Err(); err != nil {
			return "", iteration - 1, err
		}

		resp, err := r.callModel(ctx, iteration)
		if err != nil {
			if ctx.Err() != nil {
				return "", iteration, ctx.Err()
			}
			return "", iteration, &ProviderCallError{Iteration: iteration, Err: err}
		}
		r.usage = r.usage.Add(resp.Usage)

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			r.transcript.AppendAssistant(resp.Text(), nil)
			return resp.Text(), iteration, nil
		}

		r.transcript.AppendAssistant(resp.Text(), calls)
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return "", iteration, err
			}
			text := r.executeSingleTool(ctx, call)
			r.transcript.AppendToolResult(call, text)
		}

		if l.cfg.EnableLoopDetection && DetectLoop(r.transcript.view(), l.cfg.LoopDetectionWindow) {
			msg := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern.", l.cfg.LoopDetectionWindow)
			l.emit(r.id, EventLoopDetection, map[string]any{"message": msg, "iteration": iteration})
			log.Warn(ctx, log.KV{K: "msg", V: msg}, log.KV{K: "iteration", V: iteration})
		}
	}
}

func (r *run) callModel(ctx context.Context, iteration int) (*unifiedllm.Response, error) {
	l := r.loop
	ctx, span := l.tracer.Start(ctx, "agentloop.model_call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("agentloop.iteration", iteration),
			attribute.Int("agentloop.messages", r.transcript.Len()),
		),
	)
	defer span.End()

	maxTokens := l.cfg.MaxTokens
	req := unifiedllm.Request{
		Model:       l.cfg.Model,
		Provider:    l.cfg.Provider,
		Messages:    r.transcript.Messages(),
		Tools:       r.tools.LLMDefinitions(),
		ToolChoice:  unifiedllm.ToolChoiceAuto,
		MaxTokens:   &maxTokens,
		Temperature: l.cfg.Temperature,
	}
	if len(req.Tools) == 0 {
		req.ToolChoice = ""
	}

	l.emit(r.id, EventModelRequest, map[string]any{"iteration": iteration, "messages": len(req.Messages)})
	resp, err := l.client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("agentloop.tool_calls", len(resp.ToolCalls())),
		attribute.String("agentloop.finish_reason", resp.FinishReason.Reason),
	)
	l.emit(r.id, EventModelResponse, map[string]any{
		"iteration":     iteration,
		"finish_reason": resp.FinishReason.Reason,
		"tool_calls":    len(resp.ToolCalls()),
		"text":          resp.Text(),
	})
	log.Debug(ctx, log.KV{K: "msg", V: "model responded"},
		log.KV{K: "iteration", V: iteration},
		log.KV{K: "finish_reason", V: resp.FinishReason.Reason},
		log.KV{K: "tool_calls", V: len(resp.ToolCalls())})
	return resp, nil
}

// executeSingleTool handles the tool pipeline:
// dispatch -> truncate -> emit full output -> return transcript text
func (r *run) executeSingleTool(ctx context.Context, call unifiedllm.ToolCall) string {
	l := r.loop
	ctx, span := l.tracer.Start(ctx, "agentloop.tool",
		trace.WithAttributes(
			attribute.String("agentloop.tool", call.Name),
			attribute.String("agentloop.tool_call_id", call.ID),
		),
	)
	defer span.End()

	l.emit(r.id, EventToolCallStart, map[string]any{"tool_name": call.Name, "call_id": call.ID})

	// 1. Validate and run the body.
	result := r.tools.Dispatch(ctx, call, r.tc)

	// 2. Truncate output before it enters the transcript.
	text := TruncateToolOutput(result.Text, call.Name, l.cfg.ToolOutputLimits, l.cfg.ToolLineLimits)

	// 3. Emit full output via the event stream.
	l.emit(r.id, EventToolCallEnd, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"status":    string(result.Status),
		"output":    result.Text,
		"metadata":  result.Metadata,
	})

	if result.IsError() {
		span.SetStatus(codes.Error, "tool returned an error result")
	}
	log.Info(ctx, log.KV{K: "msg", V: "tool executed"},
		log.KV{K: "tool", V: call.Name},
		log.KV{K: "call_id", V: call.ID},
		log.KV{K: "status", V: string(result.Status)},
		log.KV{K: "output_chars", V: len(result.Text)})
	return text
}

func (l *Loop) emit(runID string, kind EventKind, data map[string]any) {
	l.cfg.Emitter.Emit(runID, kind, data)
}
