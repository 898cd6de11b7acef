package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neboloop/pagewright/internal/scheduler"
	"github.com/neboloop/pagewright/internal/suite"
)

// ListCmd prints the ids of the tests a run would execute.
func ListCmd() *cobra.Command {
	var projects []string
	cmd := &cobra.Command{
		Use:   "list [paths...]",
		Short: "List collected tests without running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := Loaded
			files, err := suite.LoadPaths(c.TestDir, args)
			if err != nil {
				return err
			}
			ps, err := buildProjects(c, projects, false)
			if err != nil {
				return err
			}
			filter, err := buildFilter(c)
			if err != nil {
				return err
			}
			ids, err := scheduler.Collect(files, ps, filter, c.FullyParallel)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			fmt.Fprintf(out, "\nTotal: %d tests in %d files\n", len(ids), len(files))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&projects, "project", "p", nil, "only list these projects")
	return cmd
}
