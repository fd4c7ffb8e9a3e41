package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pipeweave/internal/dag"
)

func (a *app) newCleanCommand() *cobra.Command {
	var opts dag.CleanOptions
	cmd := &cobra.Command{
		Use:   "clean [task|pattern...]",
		Short: "Remove the targets of tasks and of everything depending on them",
		Long: "Remove the targets of the selected tasks (default: the configured default\n" +
			"tasks) and of every task depending on them, then forget them so they run\n" +
			"again. Non-empty directories are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(rt *runtime) error {
				s, err := rt.open(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()

				res, err := s.Clean(args, opts)
				if res != nil {
					verb := "removed"
					if opts.DryRun {
						verb = "would remove"
					}
					for _, p := range res.Removed {
						fmt.Fprintf(a.stdout, "%s %s\n", verb, p)
					}
					for _, p := range res.Kept {
						fmt.Fprintf(a.stdout, "kept %s (not empty)\n", p)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "print what would be removed without removing it")
	cmd.Flags().BoolVar(&opts.IncludeDeps, "deps", false, "also clean the dependencies of the selected tasks")
	cmd.Flags().BoolVar(&opts.All, "all", false, "clean every task")
	return cmd
}
