package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/martinemde/codeengineer/procmgr"
	"github.com/martinemde/codeengineer/registers"
	"github.com/martinemde/codeengineer/unifiedllm"
)

// ToolStatus classifies a ToolResult.
type ToolStatus string

const (
	StatusSuccess ToolStatus = "success"
	StatusError   ToolStatus = "error"
)

// ToolResult is the uniform outcome of every tool body. Text is what the
// model sees; Metadata is for the host and never enters the transcript.
type ToolResult struct {
	Status   ToolStatus     `json:"status"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Success returns a successful result.
func Success(text string) ToolResult {
	return ToolResult{Status: StatusSuccess, Text: text}
}

// ErrorResult returns a failed result.
func ErrorResult(text string) ToolResult {
	return ToolResult{Status: StatusError, Text: text}
}

// Errorf returns a failed result with a formatted message.
func Errorf(format string, args ...any) ToolResult {
	return ErrorResult(fmt.Sprintf(format, args...))
}

// IsError reports whether the tool failed.
func (r ToolResult) IsError() bool { return r.Status == StatusError }

// WithMetadata returns r with key set in its metadata.
func (r ToolResult) WithMetadata(key string, value any) ToolResult {
	md := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[key] = value
	r.Metadata = md
	return r
}

// ToolContext carries the per-run collaborators a tool body may use.
type ToolContext struct {
	RunID     string
	Workspace string
	Env       ExecutionEnvironment
	Registers registers.Store
	Processes *procmgr.Manager
}

// Tool is a named capability the model can invoke.
type Tool interface {
	Definition() ToolDefinition
	// Execute runs the body. args has already been validated against the
	// definition's schema and has defaults filled in.
	Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) ToolResult
}

// ToolFunc is the signature of a tool body.
type ToolFunc func(ctx context.Context, args json.RawMessage, tc *ToolContext) ToolResult

type funcTool struct {
	def ToolDefinition
	fn  ToolFunc
}

func (t *funcTool) Definition() ToolDefinition { return t.def }

func (t *funcTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) ToolResult {
	return t.fn(ctx, args, tc)
}

// NewTool pairs a definition with its body.
func NewTool(def ToolDefinition, fn ToolFunc) Tool {
	return &funcTool{def: def, fn: fn}
}

type registeredTool struct {
	tool   Tool
	def    ToolDefinition
	raw    json.RawMessage
	schema *jsonschema.Schema
}

// ToolRegistry maps tool names to tools. It is built once at startup and
// read concurrently afterwards.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*registeredTool
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*registeredTool),
	}
}

// Register adds tool. It fails on an empty or duplicate name and on a
// parameter schema that does not compile.
func (r *ToolRegistry) Register(tool Tool) error {
	def := tool.Definition()
	if def.Name == "" {
		return errors.New("register tool: empty name")
	}
	if err := def.Parameters.validate(); err != nil {
		return fmt.Errorf("register tool %s: %w", def.Name, err)
	}
	raw, err := json.Marshal(def.Parameters.normalized())
	if err != nil {
		return fmt.Errorf("register tool %s: %w", def.Name, err)
	}
	schema, err := compileSchema(def.Name, raw)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("register tool %s: duplicate name", def.Name)
	}
	r.tools[def.Name] = &registeredTool{tool: tool, def: def, raw: raw, schema: schema}
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister is Register for catalogs assembled at startup.
func (r *ToolRegistry) MustRegister(tools ...Tool) *ToolRegistry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the tool registered under name, or nil.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.tools[name]; ok {
		return rt.tool
	}
	return nil
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// LLMDefinitions converts the catalog to the form sent to the model.
func (r *ToolRegistry) LLMDefinitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		rt := r.tools[name]
		defs = append(defs, unifiedllm.ToolDefinition{
			Name:        rt.def.Name,
			Description: rt.def.Description,
			Parameters:  rt.raw,
		})
	}
	return defs
}

// Dispatch runs one tool call. It never returns a Go error: unknown tools,
// bad arguments and panicking bodies all come back as error results.
func (r *ToolRegistry) Dispatch(ctx context.Context, call unifiedllm.ToolCall, tc *ToolContext) (result ToolResult) {
	r.mu.RLock()
	rt, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Errorf("Unknown tool: %s", call.Name)
	}

	args, err := rt.prepare(call.Arguments)
	if err != nil {
		return Errorf("Invalid parameters for %s: %v", call.Name, err)
	}

	defer func() {
		if p := recover(); p != nil {
			result = Errorf("Tool %s failed: %v", call.Name, p)
		}
	}()
	return rt.tool.Execute(ctx, args, tc)
}

// DecodeArgs unmarshals validated tool arguments into v.
func DecodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
