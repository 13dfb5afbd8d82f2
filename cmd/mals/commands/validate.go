package commands

import (
	"github.com/HebbZhu/multi-agent-living-system/internal/config"
	"github.com/HebbZhu/multi-agent-living-system/internal/llm"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [CONFIG...]",
		Short: "Check configuration files without running them",
		Long: `Validate configuration files (default: mals.yml).

Checks the schema, the plan, every agent's capability declaration and the
reviewer of every review-gated agent. No agent is invoked and no model
endpoint is contacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			paths := args
			if len(paths) == 0 {
				paths = []string{"mals.yml"}
			}

			for _, path := range paths {
				cfg, err := config.Load(path)
				if err != nil {
					return p.ErrorWithContext("invalid configuration", err.Error(), map[string]string{"config": path}, nil)
				}

				// A client is never called during validation.
				var client *llm.Client
				if cfg.UsesLLM() {
					client = llm.NewClient(nil, llm.Config{})
				}
				if _, err := buildRegistry(cfg, client); err != nil {
					return p.ErrorWithContext("invalid agents", err.Error(), map[string]string{"config": path}, nil)
				}

				p.Success("%s is valid (%d agents, %d plan steps)\n", path, len(cfg.Agents), len(cfg.Plan))
			}
			return nil
		},
	}
}
