package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ReadFileTool returns file contents as the tool text.
func ReadFileTool() Tool {
	return NewTool(ToolDefinition{
		Name:        "read_file",
		Description: "Read the contents of a file. Use this to examine existing code or files.",
		Parameters: Object(map[string]PropertySchema{
			"path": {
				Type:        "string",
				Description: "Path to the file to read (relative to workspace)",
			},
			"offset": {
				Type:        "integer",
				Description: "1-based line number to start reading from",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of lines to read",
			},
		}, "path"),
	}, readFile)
}

type readFileArgs struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

func readFile(_ context.Context, raw json.RawMessage, tc *ToolContext) ToolResult {
	var args readFileArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return ErrorResult(err.Error())
	}
	content, err := tc.Env.ReadFile(args.Path, args.Offset, args.Limit)
	if err != nil {
		return Errorf("Error reading file: %v", err)
	}
	return Success(content).WithMetadata("bytes", len(content))
}

// WriteFileTool creates or overwrites a file. The content may come from a
// register instead of the arguments.
func WriteFileTool() Tool {
	return NewTool(ToolDefinition{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content. Use this to create new files or completely replace file contents.",
		Parameters: Object(map[string]PropertySchema{
			"path": {
				Type:        "string",
				Description: "Path to the file to write (relative to workspace)",
			},
			"content": {
				Type:        "string",
				Description: "Content to write to the file",
			},
			"content_register": {
				Type:        "string",
				Description: "Name of a register whose value is written instead of content",
			},
		}, "path"),
	}, writeFile)
}

type writeFileArgs struct {
	Path            string  `json:"path"`
	Content         *string `json:"content"`
	ContentRegister string  `json:"content_register"`
}

func writeFile(ctx context.Context, raw json.RawMessage, tc *ToolContext) ToolResult {
	var args writeFileArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return ErrorResult(err.Error())
	}

	var content string
	switch {
	case args.ContentRegister != "":
		text, res, ok := registerText(ctx, tc, args.ContentRegister)
		if !ok {
			return res
		}
		content = text
	case args.Content != nil:
		content = *args.Content
	default:
		return ErrorResult("Error: either content or content_register is required")
	}

	if err := tc.Env.WriteFile(args.Path, content); err != nil {
		return Errorf("Error writing file: %v", err)
	}
	return Success(fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), args.Path)).
		WithMetadata("bytes", len(content))
}

// registerText reads a register as text. Non-string values are rendered as
// JSON. The ToolResult is only meaningful when ok is false.
func registerText(ctx context.Context, tc *ToolContext, name string) (string, ToolResult, bool) {
	if tc.Registers == nil {
		return "", ErrorResult("Error: registers are not available"), false
	}
	entry, found, err := tc.Registers.Get(ctx, name)
	if err != nil {
		return "", Errorf("Error reading register '%s': %v", name, err), false
	}
	if !found {
		return "", Errorf("Register '%s' not found", name), false
	}
	if s, isString := entry.Value.(string); isString {
		return s, ToolResult{}, true
	}
	b, err := json.Marshal(entry.Value)
	if err != nil {
		return "", Errorf("Error encoding register '%s': %v", name, err), false
	}
	return string(b), ToolResult{}, true
}

// ListFilesTool lists one directory level.
func ListFilesTool() Tool {
	return NewTool(ToolDefinition{
		Name:        "list_files",
		Description: "List files and directories in a path.",
		Parameters: Object(map[string]PropertySchema{
			"path": {
				Type:        "string",
				Description: "Directory path to list (relative to workspace, default: '.')",
				Default:     ".",
			},
		}),
	}, listFiles)
}

func listFiles(_ context.Context, raw json.RawMessage, tc *ToolContext) ToolResult {
	var args struct {
		Path string `json:"path"`
	}
	if err := DecodeArgs(raw, &args); err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := tc.Env.ListDirectory(args.Path)
	if err != nil {
		return Errorf("Error listing directory: %v", err)
	}
	if len(entries) == 0 {
		return Success("(empty directory)")
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
		if e.IsDir {
			names[i] += "/"
		}
	}
	return Success(strings.Join(names, "\n")).WithMetadata("entries", len(entries))
}
