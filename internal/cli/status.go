package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show the status of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().getExecution(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), status)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Execution:  %s\n", status.ExecutionID)
		fmt.Fprintf(out, "Workflow:   %s v%d\n", status.WorkflowID, status.WorkflowVersion)
		fmt.Fprintf(out, "Status:     %s\n", status.Status)
		fmt.Fprintf(out, "Version:    %d\n", status.Version)
		fmt.Fprintf(out, "Started:    %s\n", status.StartedAt.Format("2006-01-02 15:04:05 MST"))
		if status.CompletedAt != nil {
			fmt.Fprintf(out, "Completed:  %s\n", status.CompletedAt.Format("2006-01-02 15:04:05 MST"))
		}
		if status.Error != nil {
			fmt.Fprintf(out, "Error:      [%s] %s\n", status.Error.Code, status.Error.Message)
		}

		if len(status.CurrentSteps) > 0 {
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tSTATUS")
			for _, s := range status.CurrentSteps {
				fmt.Fprintf(w, "%s\t%s\n", s.StepID, s.Status)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		return nil
	},
}

var (
	executionsPrincipal string
	executionsWorkflow  string
	executionsStatus    string
	executionsLimit     int
	executionsOffset    int
)

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := newClient().listExecutions(cmd.Context(), map[string]string{
			"principal_id": executionsPrincipal,
			"workflow_id":  executionsWorkflow,
			"status":       executionsStatus,
			"limit":        fmt.Sprintf("%d", executionsLimit),
			"offset":       fmt.Sprintf("%d", executionsOffset),
		})
		if err != nil {
			return err
		}

		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), statuses)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXECUTION\tWORKFLOW\tSTATUS\tSTARTED")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%s v%d\t%s\t%s\n",
				s.ExecutionID, s.WorkflowID, s.WorkflowVersion, s.Status,
				s.StartedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(executionsCmd)

	executionsCmd.Flags().StringVar(&executionsPrincipal, "principal", "", "filter by principal id")
	executionsCmd.Flags().StringVar(&executionsWorkflow, "workflow", "", "filter by workflow id")
	executionsCmd.Flags().StringVar(&executionsStatus, "status", "", "filter by execution status")
	executionsCmd.Flags().IntVar(&executionsLimit, "limit", 50, "page size")
	executionsCmd.Flags().IntVar(&executionsOffset, "offset", 0, "page offset")
}
