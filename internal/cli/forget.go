package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) newForgetCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "forget [task|pattern...]",
		Short: "Drop recorded successes so tasks run again",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return invalidInvocationf("--all does not take task arguments")
			}
			return a.withRuntime(cmd, func(rt *runtime) error {
				s, err := rt.open(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()

				forgotten, err := s.Forget(args, all)
				for _, name := range forgotten {
					fmt.Fprintf(a.stdout, "forgot %s\n", name)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "forget every recorded task")
	return cmd
}
