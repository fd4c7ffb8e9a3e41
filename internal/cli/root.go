// Package cli implements the pipeweave command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type app struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
}

// Run executes the command line args (without argv[0]) and returns the exit
// status.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.newRootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	code := ExitCode(err)
	if err != nil {
		fmt.Fprintf(stderr, "pipeweave: %v\n", err)
	}
	return code
}

func (a *app) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeweave",
		Short: "Dependency-driven racer data pipeline",
		Long: "pipeweave discovers the racers of a dataset, expands a per-racer task\n" +
			"graph and runs only the tasks whose inputs changed.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if a.flags.noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return invalidInvocationf("unknown command %q for %q", args[0], cmd.CommandPath())
			}
			return cmd.Help()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.config, "config", "c", "", "configuration file (default <workdir>/pipeweave.yaml)")
	pf.StringVarP(&a.flags.workDir, "workdir", "C", "", "directory every relative path is resolved against (default current directory)")
	pf.IntVarP(&a.flags.jobs, "jobs", "j", 0, "number of tasks run in parallel (overrides the configuration)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error (overrides the configuration)")
	pf.StringVar(&a.flags.trace, "trace", "", "write the canonical execution trace to this file")
	pf.StringVar(&a.flags.metricsFile, "metrics-file", "", "write prometheus metrics to this file after the command")
	pf.BoolVar(&a.flags.noColor, "no-color", false, "disable colored output")

	a.registerCommands(root)
	return root
}

// registerCommands adds every subcommand to root.
func (a *app) registerCommands(root *cobra.Command) {
	root.AddCommand(a.newRunCommand())
	root.AddCommand(a.newListCommand())
	root.AddCommand(a.newCleanCommand())
	root.AddCommand(a.newForgetCommand())
	root.AddCommand(a.newWatchCommand())
}

// invocationArgs wraps a cobra validator so violations are invocation errors.
func invocationArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return invalidInvocationf("%v", err)
		}
		return nil
	}
}

// withRuntime loads the runtime for cmd and always closes it.
func (a *app) withRuntime(cmd *cobra.Command, fn func(rt *runtime) error) (err error) {
	rt, err := a.newRuntime(cmd.Flags().Changed)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}
