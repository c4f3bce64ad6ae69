// Package agentloop runs a tool-using language model against a workspace.
//
// A Loop sends the conversation to the model, dispatches every tool call
// the model requests through a ToolRegistry, appends one tool message per
// call, and repeats until the model answers without tool calls or the
// iteration budget is spent.
//
// # Architecture
//
//   - Loop: per-run orchestration, events, limits and tracing.
//   - ToolRegistry: the named tool catalog, JSON Schema validation of
//     arguments and panic-safe dispatch into a uniform ToolResult.
//   - ExecutionEnvironment: where file, search and command operations run.
//   - ToolContext: the per-run collaborators handed to tool bodies: the
//     register store and the background process manager.
//   - EventEmitter: non-blocking event stream for the host application.
//
// # Quick Start
//
//	env := agentloop.NewLocalExecutionEnvironment("/tmp/workspace")
//	cfg := agentloop.DefaultLoopConfig()
//	cfg.Model = "gpt-4o"
//	cfg.Env = env
//	loop, err := agentloop.NewLoop(client, cfg)
//	if err != nil {
//	    return err
//	}
//	res, err := loop.Run(ctx, agentloop.BuildSystemPrompt(env.WorkingDirectory(), nil),
//	    "Create a hello.py file", agentloop.NewCodeEngineerRegistry(nil), agentloop.DefaultMaxIterations)
package agentloop
