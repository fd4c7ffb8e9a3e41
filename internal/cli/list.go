package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pipeweave/internal/pipeline"
)

func (a *app) newListCommand() *cobra.Command {
	var all, status bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long: "List tasks with their description. Family members and hidden tasks\n" +
			"(names starting with '_') are only shown with --all.",
		Args: invocationArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(cmd, func(rt *runtime) error {
				s, err := rt.open(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()
				return a.list(s, all, status)
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "also list family members and hidden tasks")
	cmd.Flags().BoolVarP(&status, "status", "s", false, "prefix every task with R (would run) or U (up to date)")
	return cmd
}

func (a *app) list(s *pipeline.Session, all, status bool) error {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	for _, t := range s.Graph.Tasks() {
		if !all && (t.Hidden() || strings.Contains(t.Name, ":")) {
			continue
		}
		if status {
			mark := "U"
			if len(t.Actions) > 0 {
				d, err := s.Oracle.Check(t)
				if err != nil {
					return fmt.Errorf("checking %s: %w", t.Name, err)
				}
				if d.Stale {
					mark = "R"
				}
			}
			fmt.Fprintf(tw, "%s %s\t%s\n", mark, t.Name, t.Doc)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, t.Doc)
	}
	return tw.Flush()
}
