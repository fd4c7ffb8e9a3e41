package core

import (
	"context"
	"strings"
	"time"
)

// ActionKind discriminates the Action variants.
type ActionKind int

const (
	// CommandAction spawns an external process.
	CommandAction ActionKind = iota
	// CallAction invokes a Go function in-process.
	CallAction
)

func (k ActionKind) String() string {
	switch k {
	case CommandAction:
		return "command"
	case CallAction:
		return "call"
	default:
		return "unknown"
	}
}

// CallFunc is the body of an in-process action. The returned values are merged
// into the task result.
type CallFunc func(ctx context.Context, in CallInput) (Values, error)

// CallInput is handed to a CallFunc.
type CallInput struct {
	// Task is the task the action belongs to.
	Task *Task

	// Args are the resolved result bindings of the task.
	Args Args

	// Exec runs an external command with the same working directory, timeout
	// and error semantics as a command action.
	Exec func(ctx context.Context, argv ...string) (*CommandResult, error)
}

// Action is one step of a task: ExternalCommand{Argv} | InProcessCall{Fn}.
type Action struct {
	Kind ActionKind

	// Argv is the command line of a CommandAction. Elements of the form
	// "{arg}" are replaced by the values bound to arg.
	Argv []string

	// Dir overrides the working directory, relative to the invoker's.
	Dir string

	// Env adds variables on top of the invoker's base environment.
	Env map[string]string

	// Timeout overrides the invoker's default per-command timeout.
	Timeout time.Duration

	// Label names a CallAction in logs.
	Label string

	// Fn is the body of a CallAction.
	Fn CallFunc
}

// Command builds an external command action.
func Command(argv ...string) Action {
	cp := make([]string, len(argv))
	copy(cp, argv)
	return Action{Kind: CommandAction, Argv: cp}
}

// Call builds an in-process action.
func Call(label string, fn CallFunc) Action {
	return Action{Kind: CallAction, Label: label, Fn: fn}
}

// WithTimeout returns a copy of a with the given timeout.
func (a Action) WithTimeout(d time.Duration) Action {
	a.Timeout = d
	return a
}

func (a Action) String() string {
	if a.Kind == CallAction {
		return "call " + a.Label
	}
	return strings.Join(a.Argv, " ")
}
