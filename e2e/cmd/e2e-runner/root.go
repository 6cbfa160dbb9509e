package main

import (
	"github.com/spf13/cobra"

	"github.com/scholarai/scholarai/e2e/framework/config"
)

func newRootCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "e2e-runner",
		Short:         "Behavioral test harness for the ScholarAI web app and API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCommand(cfg))
	cmd.AddCommand(newValidateCommand(cfg))
	cmd.AddCommand(newRenderCommand(cfg))
	return cmd
}
