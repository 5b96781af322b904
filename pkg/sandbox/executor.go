package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rhuss/schaubild/pkg/debug"
)

const (
	outputDirName = "output"
	// captureHead and captureTail bound the stdout and stderr kept per
	// execution. The tail holds the exception line of a traceback.
	captureHead = 192 * 1024
	captureTail = 64 * 1024
	waitDelay  = 5 * time.Second
)

// Script is one candidate ready to run.
type Script struct {
	Source   string
	Bindings Bindings
	Timeout  time.Duration
}

// Execution is the raw outcome of running a script.
type Execution struct {
	Workspace Workspace
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	Cancelled bool
	// StartErr is set when the process could not be started at all.
	StartErr error
	Duration time.Duration
	Timeout  time.Duration
	// Files lists regular files in the output directory.
	Files []string
}

// Cleanup removes the workspace, including any partial output.
func (e *Execution) Cleanup() {
	if e.Workspace.Dir != "" {
		os.RemoveAll(e.Workspace.Dir)
	}
}

// Executor runs scripts for a single runtime in throwaway workspaces.
type Executor struct {
	runtime Runtime
	baseDir string
	env     []string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBaseDir places workspaces under dir instead of the OS temp directory.
func WithBaseDir(dir string) ExecutorOption {
	return func(e *Executor) {
		e.baseDir = dir
	}
}

// WithEnv sets the base environment for child processes. By default only
// PATH, HOME, LANG and a few locale variables are passed through.
func WithEnv(env []string) ExecutorOption {
	return func(e *Executor) {
		e.env = env
	}
}

// NewExecutor creates an Executor for rt.
func NewExecutor(rt Runtime, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runtime: rt,
		env:     minimalEnv(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Runtime returns the runtime the executor runs.
func (e *Executor) Runtime() Runtime {
	return e.runtime
}

// Run executes the script. The returned error reports workspace setup
// problems only; faults of the script itself are described by the Execution.
// Callers must call Cleanup on the returned Execution.
func (e *Executor) Run(ctx context.Context, s Script) (*Execution, error) {
	if err := s.Bindings.Validate(); err != nil {
		return nil, err
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}

	dir, err := os.MkdirTemp(e.baseDir, "schaubild-exec-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	ws := Workspace{Dir: dir, OutputDir: filepath.Join(dir, outputDirName)}
	ex := &Execution{Workspace: ws, Timeout: s.Timeout}

	if err := e.prepare(ws, s); err != nil {
		ex.Cleanup()
		return nil, err
	}

	env := append([]string{}, e.env...)
	env = append(env, "OUTPUT_DIR="+ws.OutputDir)
	if e.runtime.Env != nil {
		extra, err := e.runtime.Env(ws, s.Bindings)
		if err != nil {
			ex.Cleanup()
			return nil, err
		}
		env = append(env, extra...)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.runtime.Binary, e.runtime.Args(ws, s.Bindings)...)
	cmd.Dir = ws.Dir
	cmd.Env = env
	stdout := &limitedBuffer{head: captureHead, tail: captureTail}
	stderr := &limitedBuffer{head: captureHead, tail: captureTail}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	isolate(cmd)
	cmd.WaitDelay = waitDelay

	debug.Log("sandbox", "executing candidate",
		"runtime", e.runtime.Name,
		"workspace", ws.Dir,
		"timeout", s.Timeout,
		"source", debug.Truncate(s.Source, 200),
	)

	start := time.Now()
	runErr := cmd.Run()
	ex.Duration = time.Since(start)
	ex.Stdout = stdout.String()
	ex.Stderr = stderr.String()

	switch {
	case runErr == nil:
	case errors.Is(ctx.Err(), context.Canceled):
		ex.Cancelled = true
		ex.ExitCode = -1
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		ex.TimedOut = true
		ex.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			ex.ExitCode = exitErr.ExitCode()
		} else {
			ex.ExitCode = -1
			ex.StartErr = runErr
		}
	}

	ex.Files = listFiles(ws.OutputDir)

	slog.Debug("sandbox execution finished",
		"runtime", e.runtime.Name,
		"exit_code", ex.ExitCode,
		"timed_out", ex.TimedOut,
		"cancelled", ex.Cancelled,
		"duration_ms", ex.Duration.Milliseconds(),
		"files", len(ex.Files),
	)
	return ex, nil
}

func (e *Executor) prepare(ws Workspace, s Script) error {
	if err := os.MkdirAll(ws.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Dir, e.runtime.SourceFile), []byte(s.Source), 0o644); err != nil {
		return fmt.Errorf("writing candidate: %w", err)
	}
	if e.runtime.Support != nil {
		files, err := e.runtime.Support(ws, s.Bindings)
		if err != nil {
			return err
		}
		for name, data := range files {
			if err := os.WriteFile(filepath.Join(ws.Dir, filepath.Base(name)), data, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", name, err)
			}
		}
	}
	return nil
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, entry.Name())
		}
	}
	return files
}

func minimalEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "PUPPETEER_EXECUTABLE_PATH"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// limitedBuffer keeps the first head and the last tail bytes written. When
// output in between was dropped, String joins both parts with a marker line.
type limitedBuffer struct {
	head, tail int
	first      []byte
	last       []byte
	dropped    bool

	// boundary reports whether the tail starts right after a line break.
	boundary bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := l.head - len(l.first); room > 0 {
		k := min(room, len(p))
		l.first = append(l.first, p[:k]...)
		p = p[k:]
	}
	if len(p) == 0 {
		return n, nil
	}

	l.last = append(l.last, p...)
	if over := len(l.last) - l.tail; over > 0 {
		l.dropped = true
		l.boundary = l.last[over-1] == '\n'
		l.last = append(l.last[:0], l.last[over:]...)
	}
	return n, nil
}

func (l *limitedBuffer) String() string {
	if !l.dropped {
		return string(l.first) + string(l.last)
	}
	last := l.last
	if i := bytes.IndexByte(last, '\n'); i >= 0 && !l.boundary {
		last = last[i+1:]
	}
	return string(l.first) + "\n[output truncated]\n" + string(last)
}
