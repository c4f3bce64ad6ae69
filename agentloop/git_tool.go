package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/martinemde/codeengineer/procmgr"
)

// GitTool runs a fixed set of git operations in the workspace. Arguments
// are passed to git directly, never through a shell.
func GitTool() Tool {
	return NewTool(ToolDefinition{
		Name:        "git",
		Description: "Execute git operations. Supports: status, diff, log, add, commit, branch, checkout, init.",
		Parameters: Object(map[string]PropertySchema{
			"operation": {
				Type:        "string",
				Description: "Git operation to perform",
				Enum:        []string{"status", "diff", "log", "add", "commit", "branch", "checkout", "init"},
			},
			"files": {
				Type:        "array",
				Description: "Files to operate on (for add, diff)",
				Items:       &PropertySchema{Type: "string"},
			},
			"message": {
				Type:        "string",
				Description: "Commit message (for commit operation)",
				Default:     "Update",
			},
			"branch": {
				Type:        "string",
				Description: "Branch name (for checkout, branch)",
			},
			"create": {
				Type:        "boolean",
				Description: "Create new branch (for checkout)",
				Default:     false,
			},
		}, "operation"),
	}, runGit)
}

type gitArgs struct {
	Operation string   `json:"operation"`
	Files     []string `json:"files"`
	Message   string   `json:"message"`
	Branch    string   `json:"branch"`
	Create    bool     `json:"create"`
}

// gitCommand maps an operation to git arguments. A non-empty problem is the
// text reported to the model instead of running git.
func gitCommand(args gitArgs) (argv []string, problem string) {
	switch args.Operation {
	case "status":
		return []string{"status", "--porcelain"}, ""
	case "diff":
		return append([]string{"diff", "--"}, args.Files...), ""
	case "log":
		return []string{"log", "--oneline", "-10"}, ""
	case "init":
		return []string{"init"}, ""
	case "add":
		if len(args.Files) == 0 {
			return nil, "Error: No files specified for git add"
		}
		return append([]string{"add", "--"}, args.Files...), ""
	case "commit":
		msg := args.Message
		if msg == "" {
			msg = "Update"
		}
		return []string{"commit", "-m", msg}, ""
	case "branch":
		if args.Branch != "" {
			return []string{"branch", args.Branch}, ""
		}
		return []string{"branch", "-a"}, ""
	case "checkout":
		branch := args.Branch
		if branch == "" {
			branch = "main"
		}
		if args.Create {
			return []string{"checkout", "-b", branch}, ""
		}
		return []string{"checkout", branch}, ""
	default:
		return nil, fmt.Sprintf("Unknown git operation: %s", args.Operation)
	}
}

func runGit(ctx context.Context, raw json.RawMessage, tc *ToolContext) ToolResult {
	var args gitArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return ErrorResult(err.Error())
	}
	gitArgv, problem := gitCommand(args)
	if problem != "" {
		return ErrorResult(problem)
	}

	cmd := exec.CommandContext(ctx, "git", gitArgv...)
	cmd.Dir = tc.Env.WorkingDirectory()
	cmd.Env = procmgr.Environ(nil)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	out := stdout.String() + stderr.String()
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return Errorf("Git error: %v", runErr)
	}
	if exitErr != nil {
		if strings.TrimSpace(out) == "" {
			out = fmt.Sprintf("git %s exited with code %d", args.Operation, exitErr.ExitCode())
		}
		return ErrorResult(out).WithMetadata("exit_code", exitErr.ExitCode())
	}

	if args.Operation == "add" {
		return Success(fmt.Sprintf("Staged %d file(s)", len(args.Files)))
	}
	if out == "" {
		return Success(fmt.Sprintf("Git %s completed successfully", args.Operation))
	}
	return Success(out)
}
