package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration is matched by every error that makes a task graph
	// unusable. These are reported before any action runs.
	ErrConfiguration = errors.New("invalid task configuration")
	ErrCycleFound    = errors.New("cycle detected")
	ErrUnknownTarget = errors.New("unknown task")
	ErrFrozen        = errors.New("task graph is frozen")
	ErrMissingResult = errors.New("missing upstream result")
)

// GraphError wraps graph validation failures without a more specific type.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// DuplicateTaskError reports a second registration of a task name.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task name %q", e.Name)
}

func (e *DuplicateTaskError) Is(target error) bool { return target == ErrConfiguration }

// UnknownTaskError reports a reference to a task that does not exist. Task is
// the referencing task; it is empty when Ref was requested directly.
type UnknownTaskError struct {
	Task string
	Ref  string
}

func (e *UnknownTaskError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("unknown task %q", e.Ref)
	}
	return fmt.Sprintf("task %q depends on unknown task %q", e.Task, e.Ref)
}

func (e *UnknownTaskError) Is(target error) bool {
	if e.Task == "" {
		return target == ErrUnknownTarget
	}
	return target == ErrConfiguration
}

// OverlappingTargetError reports two tasks declaring the same target.
type OverlappingTargetError struct {
	Path   string
	First  string
	Second string
}

func (e *OverlappingTargetError) Error() string {
	return fmt.Sprintf("target %s is declared by both %q and %q", e.Path, e.First, e.Second)
}

func (e *OverlappingTargetError) Is(target error) bool { return target == ErrConfiguration }

// CyclicDependencyError names one cycle found in the graph. The first and
// last element of Cycle are the same task.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return ErrCycleFound.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycleFound.Error(), strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool {
	return target == ErrConfiguration || target == ErrCycleFound
}

// MissingResultError reports a result binding that could not be satisfied.
type MissingResultError struct {
	Task     string
	Upstream string
	Key      string
}

func (e *MissingResultError) Error() string {
	return fmt.Sprintf("task %q needs result %q of %q, which has none", e.Task, e.Key, e.Upstream)
}

func (e *MissingResultError) Is(target error) bool { return target == ErrMissingResult }
