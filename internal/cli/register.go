package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridianfin/meridian/internal/workflow"
)

var registerCmd = &cobra.Command{
	Use:   "register-workflow <file>",
	Short: "Register a workflow definition",
	Long: `Register a workflow definition from a YAML or JSON file.

The definition is validated locally before upload. Registering an
existing workflow id creates a new immutable version.

Examples:
  meridian register-workflow onboarding.yaml
  meridian register-workflow rebalance.json --server http://meridian:8080`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := workflow.ParseFile(args[0])
		if err != nil {
			return usagef("parsing %s: %v", args[0], err)
		}
		if err := workflow.Validate(def); err != nil {
			return usagef("invalid definition: %v", err)
		}

		id, version, err := newClient().registerWorkflow(cmd.Context(), def)
		if err != nil {
			return err
		}

		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{"id": id, "version": version})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s version %d\n", id, version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
