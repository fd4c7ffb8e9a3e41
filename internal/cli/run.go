package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pipeweave/internal/dag"
	"pipeweave/internal/pipeline"
	"pipeweave/internal/trace"
)

func (a *app) newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [task|pattern...]",
		Short: "Run tasks and their dependencies (default: the configured default tasks)",
		Example: "  pipeweave run\n" +
			"  pipeweave run merge 'plot-lap:*'\n" +
			"  pipeweave -j 4 run plot-lap-merged",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(rt *runtime) error {
				s, err := rt.open(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()
				return a.runOnce(cmd.Context(), rt, s, args)
			})
		},
	}
}

// runOnce executes the selected tasks, writes the trace and prints the
// summary. A run with failed or blocked tasks returns *GraphFailureError.
func (a *app) runOnce(ctx context.Context, rt *runtime, s *pipeline.Session, patterns []string) error {
	rec := trace.NewRecorder()
	report, err := s.Run(ctx, patterns, rt.metrics, rec, newProgress(a.stdout))
	if report == nil {
		return err
	}
	if rt.inv.TracePath != "" {
		if terr := rec.WriteFile(rt.inv.TracePath); terr != nil {
			rt.log.Error("could not write trace", zap.String("path", rt.inv.TracePath), zap.Error(terr))
		}
	}
	printSummary(a.stderr, report)
	if err != nil {
		return err
	}
	if !report.OK() {
		return &GraphFailureError{Failed: report.Failed()}
	}
	return nil
}

// progress prints one line per task decision: ".  name" for a task
// that runs and "-- name" for one that is up to date. Groups are not shown.
type progress struct {
	w     io.Writer
	graph *dag.Graph
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) OnRunStart(_ string, g *dag.Graph, _ []string) { p.graph = g }

func (p *progress) OnRunEnd(*dag.Report) {}

func (p *progress) OnTransition(ev dag.Event) {
	if p.graph != nil && p.graph.IsGroup(ev.Task) {
		return
	}
	switch {
	case ev.From == dag.TaskPending && ev.To == dag.TaskRunning:
		fmt.Fprintf(p.w, ".  %s\n", ev.Task)
	case ev.To == dag.TaskSkipped:
		fmt.Fprintf(p.w, "-- %s\n", ev.Task)
	}
}
