package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/codeengineer/procmgr"
	"github.com/martinemde/codeengineer/registers"
	"github.com/martinemde/codeengineer/unifiedllm"
)

// scriptedModel replays canned responses and records every request. Once
// the script is exhausted the last step repeats.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []step
	requests []unifiedllm.Request
}

type step struct {
	text  string
	calls []unifiedllm.ToolCall
	err   error
}

func script(steps ...step) *scriptedModel { return &scriptedModel{steps: steps} }

func toolStep(calls ...unifiedllm.ToolCall) step { return step{calls: calls} }

func textStep(text string) step { return step{text: text} }

func (m *scriptedModel) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	if i >= len(m.steps) {
		i = len(m.steps) - 1
	}
	s := m.steps[i]
	if s.err != nil {
		return nil, s.err
	}
	reason := "stop"
	if len(s.calls) > 0 {
		reason = "tool_calls"
	}
	return &unifiedllm.Response{
		Model:        req.Model,
		Message:      unifiedllm.AssistantMessage(s.text, s.calls...),
		FinishReason: unifiedllm.FinishReason{Reason: reason},
		Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func newTestLoop(t *testing.T, model Completer, mutate ...func(*LoopConfig)) (*Loop, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultLoopConfig()
	cfg.Model = "test-model"
	cfg.Env = NewLocalExecutionEnvironment(dir)
	for _, fn := range mutate {
		fn(&cfg)
	}
	l, err := NewLoop(model, cfg)
	require.NoError(t, err)
	return l, dir
}

// drain closes e and returns everything it buffered.
func drain(e *EventEmitter) []RunEvent {
	e.Close()
	var out []RunEvent
	for ev := range e.Events() {
		out = append(out, ev)
	}
	return out
}

func eventsOf(events []RunEvent, kind EventKind) []RunEvent {
	var out []RunEvent
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunWriteReadDone(t *testing.T) {
	writeCall := call("call_1", "write_file", `{"path":"a.txt","content":"hi"}`)
	readCall := call("call_2", "read_file", `{"path":"a.txt"}`)
	model := script(toolStep(writeCall), toolStep(readCall), textStep("Done"))
	l, dir := newTestLoop(t, model)

	res, err := l.Run(context.Background(), "sys", "make a.txt", NewCodeEngineerRegistry(nil), 10)
	require.NoError(t, err)

	assert.Equal(t, "Done", res.Answer)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 3, model.calls())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, unifiedllm.Usage{InputTokens: 30, OutputTokens: 15, TotalTokens: 45}, res.Usage)

	assert.Equal(t, []unifiedllm.Message{
		unifiedllm.SystemMessage("sys"),
		unifiedllm.UserMessage("make a.txt"),
		unifiedllm.AssistantMessage("", writeCall),
		unifiedllm.ToolResultMessage("call_1", "write_file", "Successfully wrote 2 bytes to a.txt"),
		unifiedllm.AssistantMessage("", readCall),
		unifiedllm.ToolResultMessage("call_2", "read_file", "hi"),
		unifiedllm.AssistantMessage("Done"),
	}, res.Transcript)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	require.Len(t, model.requests, 3)
	assert.Len(t, model.requests[0].Messages, 2)
	assert.Len(t, model.requests[1].Messages, 4)
	assert.Len(t, model.requests[2].Messages, 6)
}

func TestRunFirstRequestShape(t *testing.T) {
	model := script(textStep("hi"))
	l, _ := newTestLoop(t, model, func(c *LoopConfig) { c.Provider = "openai" })

	_, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 5)
	require.NoError(t, err)

	require.Len(t, model.requests, 1)
	req := model.requests[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, "openai", req.Provider)
	assert.Len(t, req.Tools, 9)
	assert.Equal(t, unifiedllm.ToolChoiceAuto, req.ToolChoice)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 4096, *req.MaxTokens)
}

func TestRunWithoutTools(t *testing.T) {
	model := script(textStep("plain"))
	l, _ := newTestLoop(t, model)

	res, err := l.Run(context.Background(), "sys", "q", nil, 5)
	require.NoError(t, err)
	assert.Equal(t, "plain", res.Answer)
	assert.Empty(t, model.requests[0].Tools)
	assert.Empty(t, model.requests[0].ToolChoice)
}

func TestRunAnswersEveryCallInOrder(t *testing.T) {
	calls := []unifiedllm.ToolCall{
		call("a", "list_files", `{}`),
		call("b", "nope", `{}`),
		call("c", "token_lookup", `{"symbol":"eth"}`),
	}
	model := script(toolStep(calls...), textStep("ok"))
	l, _ := newTestLoop(t, model)

	res, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 5)
	require.NoError(t, err, "an unknown tool is reported to the model, not fatal")

	msgs := res.Transcript[3:6]
	for i, c := range calls {
		assert.Equal(t, unifiedllm.RoleTool, msgs[i].Role)
		assert.Equal(t, c.ID, msgs[i].ToolCallID)
		assert.Equal(t, c.Name, msgs[i].Name)
	}
	assert.Equal(t, "(empty directory)", msgs[0].Content)
	assert.Equal(t, "Unknown tool: nope", msgs[1].Content)
	assert.True(t, strings.HasPrefix(msgs[2].Content, "Ethereum (ETH) on base"), msgs[2].Content)
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	model := script(toolStep(call("x", "list_files", `{}`)))
	emitter := NewEventEmitter(1024)
	l, _ := newTestLoop(t, model, func(c *LoopConfig) { c.Emitter = emitter })

	res, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 3)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 3, model.calls())
	assert.True(t, errors.Is(err, ErrMaxIterationsExceeded))
	assert.Equal(t, "Max iterations (3) reached", err.Error())

	var mie *MaxIterationsError
	require.True(t, errors.As(err, &mie))
	assert.Equal(t, 3, mie.Limit)

	events := drain(emitter)
	assert.Len(t, eventsOf(events, EventIterationLimit), 1)
	assert.Len(t, eventsOf(events, EventToolCallEnd), 3)
	assert.Empty(t, eventsOf(events, EventRunEnd))
}

func TestRunZeroIterationsMakesNoCalls(t *testing.T) {
	model := script(textStep("never"))
	l, _ := newTestLoop(t, model)

	_, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 0)
	assert.True(t, errors.Is(err, ErrMaxIterationsExceeded))
	assert.Equal(t, 0, model.calls())
}

func TestRunProviderErrorIsFatal(t *testing.T) {
	authErr := unifiedllm.ErrorFromStatusCode(401, "invalid api key", "openai", "")
	model := script(toolStep(call("w", "write_file", `{"path":"kept.txt","content":"x"}`)), step{err: authErr})
	l, dir := newTestLoop(t, model)

	res, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 10)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 2, model.calls(), "the loop never retries")

	var pce *ProviderCallError
	require.True(t, errors.As(err, &pce))
	assert.Equal(t, 2, pce.Iteration)
	var ae *unifiedllm.AuthenticationError
	assert.True(t, errors.As(err, &ae))

	assert.FileExists(t, filepath.Join(dir, "kept.txt"), "earlier side effects persist")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	model := script(textStep("never"))
	l, _ := newTestLoop(t, model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Run(ctx, "sys", "q", NewCodeEngineerRegistry(nil), 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, model.calls())
}

func TestRunCancelledBetweenToolCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran []string
	tools := NewToolRegistry().MustRegister(
		NewTool(ToolDefinition{Name: "stop", Parameters: Object(nil)},
			func(context.Context, json.RawMessage, *ToolContext) ToolResult {
				ran = append(ran, "stop")
				cancel()
				return Success("stopping")
			}),
		NewTool(ToolDefinition{Name: "after", Parameters: Object(nil)},
			func(context.Context, json.RawMessage, *ToolContext) ToolResult {
				ran = append(ran, "after")
				return Success("ran")
			}),
	)
	model := script(toolStep(call("1", "stop", `{}`), call("2", "after", `{}`)), textStep("never"))
	l, _ := newTestLoop(t, model)

	_, err := l.Run(ctx, "sys", "q", tools, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"stop"}, ran)
	assert.Equal(t, 1, model.calls())
}

// recordingFactory hands out memory stores and keeps them for inspection.
type recordingFactory struct {
	mu     sync.Mutex
	stores []*registers.MemoryStore
}

func (f *recordingFactory) factory() registers.Factory {
	return func(context.Context, string) (registers.Store, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		s := registers.NewMemoryStore()
		f.stores = append(f.stores, s)
		return s, nil
	}
}

func TestRunRegistersFlowBetweenToolsAndAreDiscarded(t *testing.T) {
	model := script(
		toolStep(call("1", "token_lookup", `{"symbol":"usdc","cache_as":"buy_token"}`)),
		toolStep(call("2", "write_file", `{"path":"token.txt","content_register":"buy_token"}`)),
		textStep("Done"),
	)
	rf := &recordingFactory{}
	l, dir := newTestLoop(t, model, func(c *LoopConfig) { c.RegisterFactory = rf.factory() })

	_, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 10)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "token.txt"))
	require.NoError(t, err)
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", string(data))

	require.Len(t, rf.stores, 1)
	assert.Equal(t, 0, rf.stores[0].Len(), "registers are discarded when the run ends")
}

func TestRunRegistersAreIsolatedPerRun(t *testing.T) {
	first := script(toolStep(call("1", "token_lookup", `{"symbol":"eth","cache_as":"t"}`)), textStep("ok"))
	l, _ := newTestLoop(t, first)
	_, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 5)
	require.NoError(t, err)

	second := script(toolStep(call("1", "write_file", `{"path":"t.txt","content_register":"t"}`)), textStep("ok"))
	l.client = second
	res, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 5)
	require.NoError(t, err)
	assert.Equal(t, "Register 't' not found", res.Transcript[3].Content)
}

func TestRunTruncatesTranscriptButEmitsFullOutput(t *testing.T) {
	big := strings.Repeat("0123456789", 6000)
	emitter := NewEventEmitter(1024)
	model := script(toolStep(call("r", "read_file", `{"path":"big.txt"}`)), textStep("ok"))
	l, dir := newTestLoop(t, model, func(c *LoopConfig) {
		c.Emitter = emitter
		c.ToolOutputLimits = map[string]int{"read_file": 1000}
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0o644))

	res, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 5)
	require.NoError(t, err)

	toolMsg := res.Transcript[3].Content
	assert.Contains(t, toolMsg, "[WARNING: Tool output was truncated.")
	assert.Less(t, len(toolMsg), 2000)

	ends := eventsOf(drain(emitter), EventToolCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, big, ends[0].Data["output"])
}

func TestRunSharesDeploymentProcesses(t *testing.T) {
	model := script(toolStep(call("b", "exec", `{"command":"sleep 30","background":true}`)), textStep("ok"))
	var pm *procmgr.Manager
	l, _ := newTestLoop(t, model, func(c *LoopConfig) {
		pm = procmgr.NewManager(c.Env.WorkingDirectory())
		c.Processes = pm
	})
	t.Cleanup(func() { _ = pm.Close() })

	_, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 5)
	require.NoError(t, err)

	procs := pm.List()
	require.Len(t, procs, 1)
	assert.Equal(t, "running", procs[0].Status(), "background processes outlive the run")
}

func TestRunIsolatedProcessesStayOutOfSharedTable(t *testing.T) {
	model := script(toolStep(call("b", "exec", `{"command":"sleep 30","background":true}`)), textStep("ok"))
	var pm *procmgr.Manager
	l, _ := newTestLoop(t, model, func(c *LoopConfig) {
		pm = procmgr.NewManager(c.Env.WorkingDirectory())
		c.Processes = pm
		c.IsolateProcesses = true
	})
	t.Cleanup(func() { _ = pm.Close() })

	res, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 5)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Transcript[3].Content, "Started background process"))
	assert.Empty(t, pm.List())
}

func TestRunReportsRepeatingToolCalls(t *testing.T) {
	same := call("x", "list_files", `{}`)
	model := script(toolStep(same), toolStep(same), toolStep(same), textStep("done"))
	emitter := NewEventEmitter(1024)
	l, _ := newTestLoop(t, model, func(c *LoopConfig) {
		c.Emitter = emitter
		c.LoopDetectionWindow = 3
	})

	res, err := l.Run(context.Background(), "sys", "q", NewCodeEngineerRegistry(nil), 10)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Answer)
	assert.Len(t, eventsOf(drain(emitter), EventLoopDetection), 1)
}

func TestNewLoopValidates(t *testing.T) {
	_, err := NewLoop(nil, LoopConfig{Env: NewLocalExecutionEnvironment(t.TempDir())})
	assert.Error(t, err)
	_, err = NewLoop(script(textStep("x")), LoopConfig{})
	assert.Error(t, err)
}
