package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pipeweave/internal/dag"
	"pipeweave/internal/pipeline"
)

const (
	ExitSuccess           = 0
	ExitGraphFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError is a usage problem: bad flags, arguments or unknown tasks.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// GraphFailureError reports a run in which some tasks failed or were blocked.
type GraphFailureError struct {
	Failed []string
}

func (e *GraphFailureError) Error() string {
	return fmt.Sprintf("%d task(s) did not complete: %s", len(e.Failed), strings.Join(e.Failed, ", "))
}

// ExitCode maps an error returned by a command to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var graphErr *GraphFailureError
	switch {
	case errors.As(err, &graphErr):
		return ExitGraphFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitGraphFailure
	case errors.Is(err, dag.ErrUnknownTarget):
		return ExitInvalidInvocation
	case errors.Is(err, dag.ErrConfiguration):
		return ExitConfigError
	default:
		return ExitInternalError
	}
}

// Invocation is the canonical form of the global flags. WorkDir is absolute
// and every other path is resolved under it.
type Invocation struct {
	WorkDir     string
	ConfigPath  string
	TracePath   string
	MetricsFile string
	LogLevel    string
	Jobs        int
}

type globalFlags struct {
	config      string
	workDir     string
	jobs        int
	logLevel    string
	trace       string
	metricsFile string
	noColor     bool
}

// canonicalize resolves the raw global flags. An empty work dir means the
// process working directory.
func (f globalFlags) canonicalize() (Invocation, error) {
	workDir := f.workDir
	if strings.TrimSpace(workDir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Invocation{}, fmt.Errorf("resolve working directory: %w", err)
		}
		workDir = wd
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return Invocation{}, invalidInvocationf("--workdir: %v", err)
	}
	workDir = filepath.Clean(workDir)

	inv := Invocation{WorkDir: workDir, LogLevel: f.logLevel, Jobs: f.jobs}
	if f.jobs < 0 {
		return Invocation{}, invalidInvocationf("--jobs must be positive (got %d)", f.jobs)
	}

	config := f.config
	if config == "" {
		config = pipeline.DefaultConfigFile
	}
	if inv.ConfigPath, err = resolveUnderWorkDir(workDir, config); err != nil {
		return Invocation{}, err
	}
	if f.trace != "" {
		if inv.TracePath, err = resolveUnderWorkDir(workDir, f.trace); err != nil {
			return Invocation{}, err
		}
	}
	if f.metricsFile != "" {
		if inv.MetricsFile, err = resolveUnderWorkDir(workDir, f.metricsFile); err != nil {
			return Invocation{}, err
		}
	}
	return inv, nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}
