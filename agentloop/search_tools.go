package agentloop

import (
	"context"
	"encoding/json"
	"strings"
)

// GlobTool finds files by pattern.
func GlobTool() Tool {
	return NewTool(ToolDefinition{
		Name:        "glob",
		Description: "Find files matching a glob pattern.",
		Parameters: Object(map[string]PropertySchema{
			"pattern": {
				Type:        "string",
				Description: "Glob pattern like '*.ts', '**/*.ts' or 'src/**/*.js'",
			},
			"path": {
				Type:        "string",
				Description: "Directory to search in (default: workspace root)",
				Default:     ".",
			},
		}, "pattern"),
	}, globFiles)
}

func globFiles(ctx context.Context, raw json.RawMessage, tc *ToolContext) ToolResult {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := DecodeArgs(raw, &args); err != nil {
		return ErrorResult(err.Error())
	}
	matches, err := tc.Env.Glob(ctx, args.Pattern, args.Path)
	if err != nil {
		return Errorf("Error: %v", err)
	}
	if len(matches) == 0 {
		return Success("No files found matching pattern")
	}
	return Success(strings.Join(matches, "\n")).WithMetadata("matches", len(matches))
}

// GrepTool searches file contents.
func GrepTool() Tool {
	return NewTool(ToolDefinition{
		Name:        "grep",
		Description: "Search for a pattern in files.",
		Parameters: Object(map[string]PropertySchema{
			"pattern": {
				Type:        "string",
				Description: "Regex pattern to search for",
			},
			"path": {
				Type:        "string",
				Description: "Directory or file to search in",
				Default:     ".",
			},
			"glob_filter": {
				Type:        "string",
				Description: "Only search files matching this glob (e.g. '*.go')",
			},
			"case_insensitive": {
				Type:        "boolean",
				Description: "Ignore case when matching",
				Default:     false,
			},
		}, "pattern"),
	}, grepFiles)
}

func grepFiles(ctx context.Context, raw json.RawMessage, tc *ToolContext) ToolResult {
	var args struct {
		Pattern         string `json:"pattern"`
		Path            string `json:"path"`
		GlobFilter      string `json:"glob_filter"`
		CaseInsensitive bool   `json:"case_insensitive"`
	}
	if err := DecodeArgs(raw, &args); err != nil {
		return ErrorResult(err.Error())
	}
	out, err := tc.Env.Grep(ctx, args.Pattern, args.Path, GrepOptions{
		GlobFilter:      args.GlobFilter,
		CaseInsensitive: args.CaseInsensitive,
	})
	if err != nil {
		return Errorf("Error: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		return Success("No matches found")
	}
	return Success(out)
}
