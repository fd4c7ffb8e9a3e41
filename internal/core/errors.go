package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrActionFailed  = errors.New("action failed")
	ErrActionTimeout = errors.New("action timed out")
)

// ActionFailedError reports an external command that could not be started or
// exited with a non-zero status, or an in-process call that returned an error.
type ActionFailedError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ActionFailedError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err != nil && e.ExitCode < 0:
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	case e.Stderr != "":
		return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
	default:
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	}
}

func (e *ActionFailedError) Is(target error) bool { return target == ErrActionFailed }

func (e *ActionFailedError) Unwrap() error { return e.Err }

// ActionTimeoutError reports a command killed after exceeding its timeout.
type ActionTimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *ActionTimeoutError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
}

func (e *ActionTimeoutError) Is(target error) bool { return target == ErrActionTimeout }
