package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/glob"

	"github.com/martinemde/codeengineer/procmgr"
)

// ErrPathOutsideWorkspace is returned in strict mode for paths that resolve
// outside the workspace root.
var ErrPathOutsideWorkspace = errors.New("path escapes the workspace")

// ExecResult holds the result of a foreground command.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns stdout followed by stderr. When both are present stderr is
// introduced by a "[stderr]: " marker.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n[stderr]: " + r.Stderr
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// ExecutionEnvironment abstracts where tool operations run.
type ExecutionEnvironment interface {
	ReadFile(path string, offset, limit int) (string, error)
	WriteFile(path string, content string) error
	ListDirectory(path string) ([]DirEntry, error)

	// ExecCommand runs command in the foreground. A timeout is reported in
	// the result, not as an error.
	ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error)
	Glob(ctx context.Context, pattern string, path string) ([]string, error)

	// ResolvePath maps a tool-supplied path to an absolute one.
	ResolvePath(path string) (string, error)

	Initialize() error
	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// LocalExecutionEnvironment runs tools on the local machine.
type LocalExecutionEnvironment struct {
	workingDir string
	strict     bool
	shell      string
	env        map[string]string
}

// LocalOption configures a LocalExecutionEnvironment.
type LocalOption func(*LocalExecutionEnvironment)

// WithStrictPaths rejects paths that resolve outside the workspace.
func WithStrictPaths(strict bool) LocalOption {
	return func(e *LocalExecutionEnvironment) { e.strict = strict }
}

// WithCommandEnv adds variables to every foreground command.
func WithCommandEnv(env map[string]string) LocalOption {
	return func(e *LocalExecutionEnvironment) { e.env = env }
}

// NewLocalExecutionEnvironment creates a local execution environment rooted
// at workingDir.
func NewLocalExecutionEnvironment(workingDir string, opts ...LocalOption) *LocalExecutionEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	e := &LocalExecutionEnvironment{
		workingDir: workingDir,
		shell:      "/bin/bash",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *LocalExecutionEnvironment) Initialize() error {
	return os.MkdirAll(e.workingDir, 0o755)
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string { return e.workingDir }

func (e *LocalExecutionEnvironment) Platform() string { return runtime.GOOS }

func (e *LocalExecutionEnvironment) OSVersion() string { return runtime.GOOS + "/" + runtime.GOARCH }

// ResolvePath joins relative paths to the workspace. Absolute paths and
// ".." segments are allowed unless strict mode is on.
func (e *LocalExecutionEnvironment) ResolvePath(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(path) {
		resolved = filepath.Join(e.workingDir, path)
	}
	resolved = filepath.Clean(resolved)
	if e.strict {
		rel, err := filepath.Rel(filepath.Clean(e.workingDir), resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%s: %w", path, ErrPathOutsideWorkspace)
		}
	}
	return resolved, nil
}

// ReadFile returns the file text. offset is a 1-based line number and limit
// a line count; when both are zero the content is returned unchanged.
func (e *LocalExecutionEnvironment) ReadFile(path string, offset, limit int) (string, error) {
	resolved, err := e.ResolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	if offset <= 0 && limit <= 0 {
		return string(data), nil
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "\n"), nil
}

func (e *LocalExecutionEnvironment) WriteFile(path string, content string) error {
	resolved, err := e.ResolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

// ListDirectory returns the entries of path sorted by name.
func (e *LocalExecutionEnvironment) ListDirectory(path string) ([]DirEntry, error) {
	resolved, err := e.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}

	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if entry.Type()&fs.ModeSymlink != 0 {
			if info, err := os.Stat(filepath.Join(resolved, entry.Name())); err == nil {
				de.IsDir = info.IsDir()
			}
		}
		if info, err := entry.Info(); err == nil {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (e *LocalExecutionEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.shell, "-c", command)
	cmd.Dir = e.workingDir
	cmd.Env = procmgr.Environ(e.env)

	// Own process group so a timeout kills the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return procmgr.KillGroup(cmd.Process.Pid) }
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, err
}

func (e *LocalExecutionEnvironment) Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error) {
	if path == "" {
		path = "."
	}
	resolved, err := e.ResolvePath(path)
	if err != nil {
		return "", err
	}

	// Try ripgrep first, fall back to grep.
	rgPath, err := exec.LookPath("rg")
	if err != nil {
		return e.grepFallback(ctx, pattern, resolved, options)
	}

	args := []string{"--line-number", "--no-heading"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--glob", options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "--max-count", fmt.Sprintf("%d", options.MaxResults))
	}
	args = append(args, "--", pattern, e.relative(resolved))
	return e.runSearch(ctx, rgPath, args)
}

func (e *LocalExecutionEnvironment) grepFallback(ctx context.Context, pattern string, path string, options GrepOptions) (string, error) {
	args := []string{"-rn"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--include", options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "-m", fmt.Sprintf("%d", options.MaxResults))
	}
	args = append(args, "-e", pattern, e.relative(path))
	return e.runSearch(ctx, "grep", args)
}

// runSearch treats exit status 1 as "no matches" and anything above as a
// failure reported from stderr.
func (e *LocalExecutionEnvironment) runSearch(ctx context.Context, bin string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = e.workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.ExitCode() == 1) {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", errors.New(msg)
		}
		return "", err
	}
	return stdout.String(), nil
}

// Glob walks path and returns files matching pattern, relative to the
// workspace and sorted. A pattern without a slash matches base names at any
// depth; otherwise it matches the path relative to the search root, with
// "**" spanning directories.
func (e *LocalExecutionEnvironment) Glob(ctx context.Context, pattern string, path string) ([]string, error) {
	if path == "" {
		path = "."
	}
	root, err := e.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	byName := !strings.Contains(pattern, "/")
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	var rootLevel glob.Glob
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		rootLevel, err = glob.Compile(rest, '/')
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
	}

	var matches []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		subject := rel
		if byName {
			subject = d.Name()
		}
		if g.Match(subject) || (rootLevel != nil && rootLevel.Match(rel)) {
			matches = append(matches, e.relative(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// relative returns p relative to the workspace when it lies inside it.
func (e *LocalExecutionEnvironment) relative(p string) string {
	rel, err := filepath.Rel(e.workingDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return filepath.ToSlash(rel)
}
