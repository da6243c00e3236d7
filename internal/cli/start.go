package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	startVersion     int
	startPrincipal   string
	startSession     string
	startParallelism int
)

var startCmd = &cobra.Command{
	Use:   "start <workflow-id> [context.json]",
	Short: "Start a workflow execution",
	Long: `Start an execution of a registered workflow.

The optional context file seeds the execution context with initial
data, as a flat JSON object.

Examples:
  meridian start client-onboarding
  meridian start portfolio-rebalance seed.json --principal advisor-7`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		initial := map[string]interface{}{}
		if len(args) == 2 {
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return usagef("reading context file: %v", err)
			}
			if err := json.Unmarshal(raw, &initial); err != nil {
				return usagef("context file must be a JSON object: %v", err)
			}
		}

		body := map[string]interface{}{
			"workflow_id":     args[0],
			"version":         startVersion,
			"principal_id":    startPrincipal,
			"session_id":      startSession,
			"initial_context": map[string]interface{}{"data": initial},
			"options":         map[string]interface{}{"max_parallelism": startParallelism},
		}

		executionID, err := newClient().startExecution(cmd.Context(), body)
		if err != nil {
			return err
		}

		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), map[string]string{"execution_id": executionID})
		}
		fmt.Fprintln(cmd.OutOrStdout(), executionID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().IntVar(&startVersion, "version", 0, "workflow version (0 = latest)")
	startCmd.Flags().StringVar(&startPrincipal, "principal", "", "principal id the execution runs for")
	startCmd.Flags().StringVar(&startSession, "session", "", "session id to correlate with")
	startCmd.Flags().IntVar(&startParallelism, "max-parallelism", 0, "per-execution step parallelism (0 = server default)")
}
