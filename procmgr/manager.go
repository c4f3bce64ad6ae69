// Package procmgr starts shell commands that outlive the tool call that
// launched them and tracks them until the deployment shuts down.
//
// Each process runs in its own process group so Kill reaches the whole
// tree. Output is drained line by line into the record; stdout and stderr
// lines interleave in arrival order.
package procmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"
)

// ErrNotFound is returned for unknown process ids.
var ErrNotFound = errors.New("procmgr: process not found")

// ErrClosed is returned by Spawn after Close.
var ErrClosed = errors.New("procmgr: manager closed")

const maxLineBytes = 1 << 20

// Snapshot is a point-in-time copy of a process record.
type Snapshot struct {
	ID        string
	PID       int
	Command   string
	StartedAt time.Time
	Completed bool
	// ExitCode is nil while running and after a kill whose exit has not
	// been observed yet. A signal-terminated process reports -1.
	ExitCode *int
	Lines    int
}

// Status returns "running" or "completed".
func (s Snapshot) Status() string {
	if s.Completed {
		return "completed"
	}
	return "running"
}

// Preview returns the command shortened to max characters, ending in "..."
// when truncated.
func (s Snapshot) Preview(max int) string {
	r := []rune(s.Command)
	if len(r) <= max || max < 4 {
		return s.Command
	}
	return string(r[:max-3]) + "..."
}

type process struct {
	seq       int
	id        string
	pid       int
	command   string
	startedAt time.Time
	lines     []string
	completed bool
	exitCode  *int
	done      chan struct{}
}

func (p *process) snapshot() Snapshot {
	s := Snapshot{
		ID:        p.id,
		PID:       p.pid,
		Command:   p.command,
		StartedAt: p.startedAt,
		Completed: p.completed,
		Lines:     len(p.lines),
	}
	if p.exitCode != nil {
		code := *p.exitCode
		s.ExitCode = &code
	}
	return s
}

// Manager owns the table of background processes. A zero Manager is not
// usable; call NewManager.
type Manager struct {
	workDir    string
	shell      string
	env        []string
	classifier Classifier

	mu     sync.Mutex
	procs  map[string]*process
	next   int
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithShell sets the shell used as "<shell> -c <command>". Defaults to
// /bin/bash.
func WithShell(shell string) Option {
	return func(m *Manager) { m.shell = shell }
}

// WithClassifier replaces the long-running command classifier.
func WithClassifier(c Classifier) Option {
	return func(m *Manager) { m.classifier = c }
}

// WithEnv sets extra variables for every spawned process on top of the
// filtered environment.
func WithEnv(extra map[string]string) Option {
	return func(m *Manager) { m.env = Environ(extra) }
}

// NewManager returns a Manager whose processes start in workDir.
func NewManager(workDir string, opts ...Option) *Manager {
	m := &Manager{
		workDir:    workDir,
		shell:      "/bin/bash",
		classifier: DefaultClassifier(),
		procs:      make(map[string]*process),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.env == nil {
		m.env = Environ(nil)
	}
	return m
}

// WorkDir returns the directory processes start in.
func (m *Manager) WorkDir() string { return m.workDir }

// IsLongRunning reports whether command should be started with Spawn rather
// than run in the foreground.
func (m *Manager) IsLongRunning(command string) bool {
	return m.classifier.IsLongRunning(command)
}

// Spawn starts command and returns immediately. ctx only carries logging
// configuration; the process is not tied to its lifetime.
func (m *Manager) Spawn(ctx context.Context, command string) (Snapshot, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return Snapshot{}, ErrClosed
	}

	cmd := exec.Command(m.shell, "-c", command)
	cmd.Dir = m.workDir
	cmd.Env = m.env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Snapshot{}, fmt.Errorf("procmgr: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Snapshot{}, fmt.Errorf("procmgr: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Snapshot{}, fmt.Errorf("procmgr: start: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = KillGroup(cmd.Process.Pid)
		_ = cmd.Wait()
		return Snapshot{}, ErrClosed
	}
	m.next++
	p := &process{
		seq:       m.next,
		id:        fmt.Sprintf("proc_%d", m.next),
		pid:       cmd.Process.Pid,
		command:   command,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.procs[p.id] = p
	snap := p.snapshot()
	m.mu.Unlock()

	logCtx := context.WithoutCancel(ctx)
	log.Info(logCtx, log.KV{K: "msg", V: "background process started"},
		log.KV{K: "process_id", V: p.id}, log.KV{K: "pid", V: p.pid})

	var drained sync.WaitGroup
	drained.Add(2)
	go m.drain(p, stdout, &drained)
	go m.drain(p, stderr, &drained)
	go m.watch(logCtx, p, cmd, &drained)

	return snap, nil
}

// drain appends each line read from r to the record.
func (m *Manager) drain(p *process, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		m.mu.Lock()
		p.lines = append(p.lines, line)
		m.mu.Unlock()
	}
	// An over-long line stops the scanner; keep the pipe flowing so the
	// child never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}

// watch records the exit status once both pipes are drained.
func (m *Manager) watch(ctx context.Context, p *process, cmd *exec.Cmd, drained *sync.WaitGroup) {
	drained.Wait()
	err := cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	m.mu.Lock()
	p.completed = true
	if p.exitCode == nil {
		p.exitCode = &code
	}
	close(p.done)
	m.mu.Unlock()

	log.Info(ctx, log.KV{K: "msg", V: "background process exited"},
		log.KV{K: "process_id", V: p.id}, log.KV{K: "exit_code", V: code})
}

// Status returns a snapshot of the process, or false if id is unknown.
func (m *Manager) Status(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return Snapshot{}, false
	}
	return p.snapshot(), true
}

// Output returns the last maxLines captured lines in order, or all lines
// when maxLines <= 0. An empty slice means nothing was captured yet; false
// means id is unknown.
func (m *Manager) Output(id string, maxLines int) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, false
	}
	lines := p.lines
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out, true
}

// Kill sends SIGKILL to the process group and marks the record completed
// without waiting for the exit to be observed. Killing a completed process
// succeeds without doing anything.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return ErrNotFound
	}
	if p.completed {
		return nil
	}
	if err := KillGroup(p.pid); err != nil {
		return err
	}
	p.completed = true
	return nil
}

// Wait blocks until the process exit has been observed or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	p, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	s, _ := m.Status(id)
	return s, nil
}

// List returns every known process ordered by spawn order.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	procs := make([]*process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].seq < procs[j].seq })
	out := make([]Snapshot, len(procs))
	for i, p := range procs {
		out[i] = p.snapshot()
	}
	m.mu.Unlock()
	return out
}

// Close kills every running process and waits up to five seconds for their
// exits to be recorded. Spawn fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	var (
		pending []*process
		errs    []error
	)
	for _, p := range m.procs {
		select {
		case <-p.done:
			continue
		default:
		}
		if err := KillGroup(p.pid); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.id, err))
		}
		p.completed = true
		pending = append(pending, p)
	}
	m.mu.Unlock()

	deadline := time.After(5 * time.Second)
	for _, p := range pending {
		select {
		case <-p.done:
		case <-deadline:
			return errors.Join(append(errs, errors.New("procmgr: timed out waiting for processes to exit"))...)
		}
	}
	return errors.Join(errs...)
}
