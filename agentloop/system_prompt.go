package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/martinemde/codeengineer/procmgr"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

// BuildSystemPrompt renders the code-engineer instructions for a workspace
// and the available skills.
func BuildSystemPrompt(workspace string, skills []string) string {
	skillList := "None"
	if len(skills) > 0 {
		skillList = strings.Join(skills, ", ")
	}
	return fmt.Sprintf(`You are a CodeEngineer agent that builds software. Your workspace is: %s

## Available Tools

- `+"`write_file`"+` - Create or overwrite files (path, content)
- `+"`read_file`"+` - Read file contents (path)
- `+"`list_files`"+` - List directory contents (path)
- `+"`exec`"+` - Run shell commands (command) - use for npm, cargo, pip, etc. Use background: true for servers
- `+"`process_status`"+` - Check, read output from, or kill background processes (operation, process_id)
- `+"`git`"+` - Git operations (operation: status/diff/log/add/commit/init, files, message, branch)
- `+"`glob`"+` - Find files by pattern
- `+"`grep`"+` - Search in files
- `+"`token_lookup`"+` - Resolve a token symbol to its contract address (symbol, network, cache_as)

## How to Build Software

1. Create project structure with `+"`write_file`"+` or `+"`exec`"+` (npx create-*, cargo new, etc.)
2. Write source files with `+"`write_file`"+`
3. Install dependencies with `+"`exec`"+` (npm install, pip install, etc.)
4. Test with `+"`exec`"+` (npm test, cargo test, etc.)
5. Initialize git with `+"`git`"+` operation: "init"
6. Stage and commit with `+"`git`"+` operations: "add" then "commit"

## Important

- All file paths are relative to the workspace
- Use `+"`exec`"+` for running any shell command
- Create parent directories automatically when writing files
- Write complete, working code

## Skills Available
%s

Build what the user asks for. Use the tools to create real files and run real commands.`, workspace, skillList)
}

// ListSkills returns the sorted base names of the markdown files in dir.
// A missing directory yields no skills.
func ListSkills(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var skills []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		skills = append(skills, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(skills)
	return skills
}

// BuildRunPrompt extends BuildSystemPrompt with the environment block, git
// state and project instruction files found in the workspace.
func BuildRunPrompt(env ExecutionEnvironment, model, provider string, skills []string) string {
	parts := []string{
		BuildSystemPrompt(env.WorkingDirectory(), skills),
		BuildEnvironmentContext(env, model),
	}
	if git := GetGitContext(env.WorkingDirectory()); git != "" {
		parts = append(parts, git)
	}
	if docs := DiscoverProjectDocs(env.WorkingDirectory(), provider); docs != "" {
		parts = append(parts, "# Project Instructions\n\n"+docs)
	}
	return strings.Join(parts, "\n\n")
}

// BuildEnvironmentContext renders the <environment> block: workspace, git
// branch, host platform and model.
func BuildEnvironmentContext(env ExecutionEnvironment, model string) string {
	workspace := env.WorkingDirectory()
	branch, inRepo := "", false
	if out, err := gitOutput(workspace, "rev-parse", "--is-inside-work-tree"); err == nil {
		inRepo = strings.TrimSpace(out) == "true"
	}
	if inRepo {
		branch = gitBranch(workspace)
	}

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workspace)
	fmt.Fprintf(&sb, "Is git repository: %v\n", inRepo)
	if branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// projectDocFiles are the instruction files read for each provider in
// addition to AGENTS.md.
var projectDocFiles = map[string][]string{
	"anthropic": {"CLAUDE.md"},
}

const projectDocsTruncated = "[Project instructions truncated at 32KB]"

// DiscoverProjectDocs concatenates the instruction files found between the
// git root (or workspace) and the workspace, capped at 32KB in total.
func DiscoverProjectDocs(workspace, provider string) string {
	root := gitRoot(workspace)
	if root == "" {
		root = workspace
	}
	names := append([]string{"AGENTS.md"}, projectDocFiles[provider]...)

	var docs []string
	used := 0
	for _, dir := range collectPathHierarchy(root, workspace) {
		for _, name := range names {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - used
			if remaining <= 0 {
				docs = append(docs, projectDocsTruncated)
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:runeFloor(text, remaining)] + "\n" + projectDocsTruncated
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			used += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GetGitContext summarizes branch, dirty file count and recent commits of
// the repository containing workspace. It is empty outside a repository.
func GetGitContext(workspace string) string {
	root := gitRoot(workspace)
	if root == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if branch := gitBranch(root); branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", branch)
	}
	if status, err := gitOutput(root, "status", "--short"); err == nil && strings.TrimSpace(status) != "" {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", len(strings.Split(strings.TrimSpace(status), "\n")))
	}
	if commits, err := gitOutput(root, "log", "--oneline", "-10"); err == nil && commits != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(commits)
		sb.WriteString("\n")
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	if root == target {
		return dirs
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(dir string) string {
	out, err := gitOutput(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func gitBranch(dir string) string {
	out, err := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// gitOutput runs git in dir with the same filtered environment as the git
// tool and returns stdout.
func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = procmgr.Environ(nil)
	out, err := cmd.Output()
	return string(out), err
}
