package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/martinemde/codeengineer/procmgr"
)

const (
	DefaultExecTimeoutSeconds = 60
	MaxExecTimeoutSeconds     = 300
	DefaultOutputLines        = 50
)

// ExecTool runs shell commands in the foreground or as background
// processes.
func ExecTool() Tool {
	return NewTool(ToolDefinition{
		Name:        "exec",
		Description: "Execute a shell command. Use for npm, cargo, git, and other CLI tools. Commands run in the workspace directory. Use background: true for long-running commands like servers.",
		Parameters: Object(map[string]PropertySchema{
			"command": {
				Type:        "string",
				Description: "The shell command to execute",
			},
			"timeout": {
				Type:        "integer",
				Description: "Timeout in seconds (default: 60, max: 300)",
				Default:     DefaultExecTimeoutSeconds,
			},
			"background": {
				Type:        "boolean",
				Description: "Run command in background, returns immediately with process ID. Use for servers and long-running commands.",
				Default:     false,
			},
			"save_as": {
				Type:        "string",
				Description: "Register name to store the command output (or the process ID in background mode)",
			},
		}, "command"),
	}, execCommand)
}

type execArgs struct {
	Command    string `json:"command"`
	Timeout    int    `json:"timeout"`
	Background bool   `json:"background"`
	SaveAs     string `json:"save_as"`
}

func execCommand(ctx context.Context, raw json.RawMessage, tc *ToolContext) ToolResult {
	var args execArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return ErrorResult(err.Error())
	}
	if strings.TrimSpace(args.Command) == "" {
		return ErrorResult("Error: command is empty")
	}

	if !args.Background && isLongRunning(tc, args.Command) {
		return ErrorResult(serverRefusal(args.Command)).WithMetadata("refused", true)
	}
	if args.Background {
		return spawnBackground(ctx, tc, args)
	}

	timeout := args.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeoutSeconds
	}
	if timeout > MaxExecTimeoutSeconds {
		timeout = MaxExecTimeoutSeconds
	}

	res, err := tc.Env.ExecCommand(ctx, args.Command, time.Duration(timeout)*time.Second)
	if err != nil {
		return Errorf("Failed to execute command: %v", err)
	}
	if res.TimedOut {
		text := fmt.Sprintf("Command timed out after %d seconds", timeout)
		if out := res.Output(); out != "" {
			text = out + "\n\n" + text
		}
		return ErrorResult(text).WithMetadata("timed_out", true)
	}

	text := res.Output()
	if text == "" {
		text = fmt.Sprintf("Command completed with exit code %d", res.ExitCode)
	} else if res.ExitCode != 0 {
		text += fmt.Sprintf("\n\nCommand exited with code %d", res.ExitCode)
	}
	if res.ExitCode != 0 {
		return ErrorResult(text).WithMetadata("exit_code", res.ExitCode)
	}

	if args.SaveAs != "" {
		if r, ok := saveRegister(ctx, tc, args.SaveAs, res.Output(), "exec"); !ok {
			return r
		}
		text += fmt.Sprintf("\n\nSaved output to register '%s'", args.SaveAs)
	}
	return Success(text).WithMetadata("exit_code", 0).WithMetadata("duration_ms", res.DurationMs)
}

func isLongRunning(tc *ToolContext, command string) bool {
	if tc.Processes != nil {
		return tc.Processes.IsLongRunning(command)
	}
	return procmgr.DefaultClassifier().IsLongRunning(command)
}

func serverRefusal(command string) string {
	return fmt.Sprintf("Detected server/long-running command: `%s`\n\n"+
		"Server commands run indefinitely and will block or timeout.\n"+
		"To run this command, use `background: true` to run it asynchronously.\n\n"+
		"Example:\n```json\n{\n  \"command\": \"%s\",\n  \"background\": true\n}\n```",
		command, strings.ReplaceAll(command, `"`, `\"`))
}

func spawnBackground(ctx context.Context, tc *ToolContext, args execArgs) ToolResult {
	if tc.Processes == nil {
		return ErrorResult("Error: background processes are not available")
	}
	snap, err := tc.Processes.Spawn(ctx, args.Command)
	if err != nil {
		return Errorf("Failed to start background process: %v", err)
	}
	text := fmt.Sprintf("Started background process\n"+
		"Process ID: %s\n"+
		"PID: %d\n"+
		"Command: %s\n\n"+
		"Use `process_status` tool with process_id=\"%s\" to check status or get output.",
		snap.ID, snap.PID, snap.Command, snap.ID)
	if args.SaveAs != "" {
		if r, ok := saveRegister(ctx, tc, args.SaveAs, snap.ID, "exec"); !ok {
			return r
		}
	}
	return Success(text).WithMetadata("process_id", snap.ID).WithMetadata("pid", snap.PID)
}

func saveRegister(ctx context.Context, tc *ToolContext, name string, value any, source string) (ToolResult, bool) {
	if tc.Registers == nil {
		return ErrorResult("Error: registers are not available"), false
	}
	if err := tc.Registers.Set(ctx, name, value, source); err != nil {
		return Errorf("Error writing register '%s': %v", name, err), false
	}
	log.Debug(ctx, log.KV{K: "msg", V: "register set"}, log.KV{K: "register", V: name}, log.KV{K: "source", V: source})
	return ToolResult{}, true
}

// ProcessStatusTool inspects and manages background processes.
func ProcessStatusTool() Tool {
	return NewTool(ToolDefinition{
		Name:        "process_status",
		Description: "Check status, get output, or manage background processes started with exec background: true.",
		Parameters: Object(map[string]PropertySchema{
			"operation": {
				Type:        "string",
				Description: "Operation: status (check process), output (get recent output), kill (terminate), list (show all)",
				Enum:        []string{"status", "output", "kill", "list"},
			},
			"process_id": {
				Type:        "string",
				Description: "The process ID (e.g., 'proc_1') from exec background mode",
			},
			"lines": {
				Type:        "integer",
				Description: "Number of output lines to retrieve (default: 50)",
				Default:     DefaultOutputLines,
			},
		}, "operation"),
	}, processStatus)
}

type processStatusArgs struct {
	Operation string `json:"operation"`
	ProcessID string `json:"process_id"`
	Lines     int    `json:"lines"`
}

func processStatus(_ context.Context, raw json.RawMessage, tc *ToolContext) ToolResult {
	var args processStatusArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return ErrorResult(err.Error())
	}
	if tc.Processes == nil {
		return ErrorResult("Error: background processes are not available")
	}
	pm := tc.Processes

	switch args.Operation {
	case "list":
		return listProcesses(pm)
	case "status", "output", "kill":
	default:
		return Errorf("Unknown operation '%s'. Use: status, output, kill, or list", args.Operation)
	}

	if args.ProcessID == "" {
		return Errorf("Error: process_id is required for '%s' operation", args.Operation)
	}
	snap, ok := pm.Status(args.ProcessID)
	if !ok {
		return Errorf("Process '%s' not found", args.ProcessID)
	}

	switch args.Operation {
	case "status":
		text := fmt.Sprintf("Process: %s\nStatus: %s\nPID: %d\nCommand: %s",
			snap.ID, snap.Status(), snap.PID, snap.Command)
		if snap.ExitCode != nil {
			text += fmt.Sprintf("\nExit code: %d", *snap.ExitCode)
		}
		return Success(text).WithMetadata("status", snap.Status())

	case "output":
		n := args.Lines
		if n <= 0 {
			n = DefaultOutputLines
		}
		lines, _ := pm.Output(snap.ID, n)
		if len(lines) == 0 {
			return Success(fmt.Sprintf("No output captured yet for process '%s'", snap.ID))
		}
		return Success(fmt.Sprintf("Output from process '%s' (last %d lines):\n\n%s",
			snap.ID, len(lines), strings.Join(lines, "\n")))

	default:
		if snap.Completed {
			return Success(fmt.Sprintf("Process '%s' has already completed", snap.ID))
		}
		if err := pm.Kill(snap.ID); err != nil {
			if errors.Is(err, procmgr.ErrNotFound) {
				return Errorf("Process '%s' not found", snap.ID)
			}
			return Errorf("Failed to kill process '%s': %v", snap.ID, err)
		}
		return Success(fmt.Sprintf("Process '%s' has been killed", snap.ID))
	}
}

func listProcesses(pm *procmgr.Manager) ToolResult {
	procs := pm.List()
	if len(procs) == 0 {
		return Success("No background processes found.")
	}
	var sb strings.Builder
	sb.WriteString("Background processes:\n\n")
	for _, p := range procs {
		fmt.Fprintf(&sb, "- %s (PID %d): %s\n  Command: %s\n\n", p.ID, p.PID, p.Status(), p.Preview(50))
	}
	return Success(sb.String()).WithMetadata("count", len(procs))
}
