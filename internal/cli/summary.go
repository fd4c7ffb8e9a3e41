package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"pipeweave/internal/dag"
)

var (
	failedColor  = color.New(color.FgRed, color.Bold)
	blockedColor = color.New(color.FgYellow)
	okColor      = color.New(color.FgGreen)
)

// printSummary writes the counts of a run and, when it did not succeed, every
// failed or blocked task with its reason.
func printSummary(w io.Writer, r *dag.Report) {
	counts := r.Counts()
	line := fmt.Sprintf("%d done, %d up to date, %d failed, %d blocked",
		counts[dag.TaskDone], counts[dag.TaskSkipped], counts[dag.TaskFailed], counts[dag.TaskBlocked])
	if r.OK() {
		okColor.Fprintln(w, line)
		return
	}
	if r.Cancelled {
		line += " (cancelled)"
	}
	failedColor.Fprintln(w, line)

	for _, name := range r.Failed() {
		tr := r.Tasks[name]
		switch tr.State {
		case dag.TaskFailed:
			failedColor.Fprintf(w, "FAILED  %s", name)
			if tr.Err != nil {
				fmt.Fprintf(w, ": %v", tr.Err)
			}
		default:
			blockedColor.Fprintf(w, "BLOCKED %s", name)
			if tr.Reason != "" {
				fmt.Fprintf(w, ": %s", tr.Reason)
			}
		}
		fmt.Fprintln(w)
	}
}
