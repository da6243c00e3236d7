package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <execution-id>",
	Short: "Pause a running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().control(cmd.Context(), args[0], "pause"); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Resume a paused execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().control(cmd.Context(), args[0], "resume"); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "resumed")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().control(cmd.Context(), args[0], "cancel"); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
		return nil
	},
}

var inputCmd = &cobra.Command{
	Use:   "input <execution-id> <step-id> <input.json>",
	Short: "Provide input to a waiting step",
	Long: `Provide input to a step in AWAITING_INPUT state.

The input file is a flat JSON object keyed by the fields the step
asked for, e.g. {"chosen": "balanced"} for a decision step.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[2])
		if err != nil {
			return usagef("reading input file: %v", err)
		}
		data := map[string]interface{}{}
		if err := json.Unmarshal(raw, &data); err != nil {
			return usagef("input file must be a JSON object: %v", err)
		}

		if err := newClient().provideStepInput(cmd.Context(), args[0], args[1], data); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "accepted")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(inputCmd)
}
