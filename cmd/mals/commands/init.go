package commands

import (
	"errors"
	"fmt"

	"github.com/HebbZhu/multi-agent-living-system/internal/scaffold"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var force bool
	var dir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter mals.yml and example agents",
		Long: `Initialize a new project with a default configuration and two example agents.

Creates:
  • mals.yml - Task, plan and agent configuration
  • agents/coder.sh - Example producer, gated by the critic
  • agents/critic.sh - Example reviewer
  • agents/README.md - The agent stdin/stdout contract

Use --force to reinitialize an existing project (WARNING: destroys existing configuration).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)

			if !force {
				var existing *scaffold.ExistingError
				if err := scaffold.CheckExisting(dir); errors.As(err, &existing) {
					return p.ErrorWithContext(
						"project already initialized",
						"Found existing project files.",
						map[string]string{"files": fmt.Sprint(existing.Files)},
						[]string{"Use 'mals init --force' to reinitialize (this will overwrite existing configuration)"},
					)
				}
			}

			written, err := scaffold.Initialize(dir, force)
			if err != nil {
				return p.Error("initialization failed", err.Error(), nil)
			}

			p.Success("Successfully initialized project\n")
			p.Info("\nCreated:\n")
			for _, path := range written {
				p.Info("  ✓ %s\n", path)
			}
			p.Info("\nNext steps:\n")
			p.Info("  1. Edit mals.yml to describe your task and agents\n")
			p.Info("  2. Run 'mals validate' to check the configuration\n")
			p.Info("  3. Run 'mals run' to start the task\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Force reinitialization (removes existing mals.yml and agents/)")
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to initialize")
	return cmd
}
