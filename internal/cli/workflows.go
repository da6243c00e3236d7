package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listWorkflowsCategory string

var listWorkflowsCmd = &cobra.Command{
	Use:   "list-workflows",
	Short: "List registered workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries, err := newClient().listWorkflows(cmd.Context(), listWorkflowsCategory)
		if err != nil {
			return err
		}

		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), summaries)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tVERSION\tCATEGORY\tSTEPS\tNAME")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", s.ID, s.Version, s.Category, s.Steps, s.Name)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listWorkflowsCmd)
	listWorkflowsCmd.Flags().StringVar(&listWorkflowsCategory, "category", "", "filter by category")
}
