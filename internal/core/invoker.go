package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const maxStderrInError = 2048

// CommandResult is the captured outcome of one external command.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ExecSpec describes one external command invocation.
type ExecSpec struct {
	Argv    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// ActionOutput is what a single action produced.
type ActionOutput struct {
	Stdout []byte
	Values Values
}

// TaskOutput is the aggregate of every action of a task.
type TaskOutput struct {
	Stdout  []byte
	Values  Values
	Actions int
}

// ActionObserver is notified after every action completes.
type ActionObserver interface {
	ObserveAction(task string, kind ActionKind, d time.Duration, err error)
}

// Invoker runs task actions.
//
// Commands run in their own process group so that cancellation and timeouts
// kill the whole process tree, not just the direct child.
type Invoker struct {
	// WorkingDir is the directory commands run in and relative paths resolve against.
	WorkingDir string

	// Timeout is the default per-command timeout. Zero means no timeout.
	Timeout time.Duration

	// BaseEnv is the environment every command starts from. Nil means the
	// environment of the current process.
	BaseEnv []string

	// Observer is optional.
	Observer ActionObserver

	log *zap.Logger
}

// NewInvoker creates an Invoker rooted at workingDir.
func NewInvoker(workingDir string, log *zap.Logger) *Invoker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Invoker{WorkingDir: workingDir, log: log.Named("invoker")}
}

// RunTask runs every action of task in order. The first failing action aborts
// the remaining ones; the output gathered so far is still returned.
func (i *Invoker) RunTask(ctx context.Context, task *Task, args Args) (*TaskOutput, error) {
	if task == nil {
		return nil, fmt.Errorf("task is nil")
	}
	out := &TaskOutput{Values: Values{}}
	for idx, a := range task.Actions {
		res, err := i.Run(ctx, task, a, args)
		out.Actions++
		if res != nil {
			out.Stdout = append(out.Stdout, res.Stdout...)
			for k, v := range res.Values {
				out.Values[k] = v
			}
		}
		if err != nil {
			return out, fmt.Errorf("%s: action %d/%d: %w", task.Name, idx+1, len(task.Actions), err)
		}
	}
	return out, nil
}

// Run executes a single action.
func (i *Invoker) Run(ctx context.Context, task *Task, a Action, args Args) (res *ActionOutput, err error) {
	start := time.Now()
	defer func() {
		if i.Observer != nil {
			i.Observer.ObserveAction(task.Name, a.Kind, time.Since(start), err)
		}
	}()

	switch a.Kind {
	case CommandAction:
		argv := ExpandArgv(a.Argv, args)
		i.log.Debug("running command", zap.String("task", task.Name), zap.Strings("argv", argv))
		cr, err := i.Exec(ctx, ExecSpec{Argv: argv, Dir: a.Dir, Env: a.Env, Timeout: a.Timeout})
		if cr == nil {
			return nil, err
		}
		return &ActionOutput{Stdout: cr.Stdout}, err
	case CallAction:
		if a.Fn == nil {
			return nil, fmt.Errorf("call %q has no function", a.Label)
		}
		i.log.Debug("calling", zap.String("task", task.Name), zap.String("call", a.Label))
		values, err := i.call(ctx, task, a, args)
		if err != nil {
			var failed *ActionFailedError
			var timeout *ActionTimeoutError
			if !errors.As(err, &failed) && !errors.As(err, &timeout) && !errors.Is(err, context.Canceled) {
				err = &ActionFailedError{Command: a.String(), ExitCode: -1, Err: err}
			}
			return &ActionOutput{Values: values}, err
		}
		return &ActionOutput{Values: values}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %d", a.Kind)
	}
}

func (i *Invoker) call(ctx context.Context, task *Task, a Action, args Args) (values Values, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", a.Label, r)
		}
	}()
	in := CallInput{
		Task: task,
		Args: args,
		Exec: func(ctx context.Context, argv ...string) (*CommandResult, error) {
			return i.Exec(ctx, ExecSpec{Argv: argv, Dir: a.Dir, Env: a.Env, Timeout: a.Timeout})
		},
	}
	return a.Fn(ctx, in)
}

// Exec spawns an external command and waits for it.
//
// A non-zero exit status yields *ActionFailedError; exceeding the timeout
// yields *ActionTimeoutError. Cancellation of ctx kills the process group and
// returns the context error.
func (i *Invoker) Exec(ctx context.Context, spec ExecSpec) (*CommandResult, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, fmt.Errorf("empty command")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = i.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	command := strings.Join(spec.Argv, " ")
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = i.dir(spec.Dir)
	cmd.Env = i.environ(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ActionFailedError{Command: command, ExitCode: -1, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-runCtx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		res := &CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1, Duration: time.Since(start)}
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return res, &ActionTimeoutError{Command: command, Timeout: timeout}
		}
		return res, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	res := &CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.ExitCode = -1
			return res, &ActionFailedError{Command: command, ExitCode: -1, Err: err}
		}
		res.ExitCode = exitErr.ExitCode()
		return res, &ActionFailedError{Command: command, ExitCode: res.ExitCode, Stderr: tail(stderr.Bytes())}
	}
	return res, nil
}

func (i *Invoker) dir(rel string) string {
	switch {
	case rel == "":
		return i.WorkingDir
	case filepath.IsAbs(rel):
		return rel
	default:
		return filepath.Join(i.WorkingDir, rel)
	}
}

// environ layers extra on top of the base environment. Keys are sorted so the
// child always sees the same ordering.
func (i *Invoker) environ(extra map[string]string) []string {
	base := i.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[k]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxStderrInError {
		s = "..." + s[len(s)-maxStderrInError:]
	}
	return s
}
