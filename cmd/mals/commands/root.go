package commands

import (
	"fmt"

	"github.com/HebbZhu/multi-agent-living-system/internal/printer"
	"github.com/spf13/cobra"
)

var versionString = "dev"

// NewRootCmd builds the command tree. Each call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mals",
		Short: "MALS - multi-agent coordination kernel",
		Long: `MALS coordinates specialist agents around a shared, versioned blackboard.

A conductor picks the next agent with fixed rules, reviewers gate the fields
they are responsible for, and tiered memory keeps every agent's context small.
Runs are bounded by step and token budgets and always end with a result.`,
		Version: versionString,
		// Show help rather than silently succeeding without a subcommand
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(newInitCmd(), newRunCmd(), newInspectCmd(), newValidateCmd())
	return rootCmd
}

// Execute runs the CLI. This is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func newPrinter(cmd *cobra.Command) *printer.Printer {
	return printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}
