package main

import (
	"github.com/spf13/cobra"

	"shmq/internal/daemonrun"
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var diagnostic bool
	var development bool
	cmd := &cobra.Command{
		Use:          "daemon",
		Short:        "Run the shmq host in the foreground",
		Long:         "Run the shmq host in the foreground. `shmq start` launches this command detached.",
		Hidden:       true,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    ctx.resolvedLogLevel(cfg),
				Development: development,
				Diagnostic:  diagnostic,
			})
		},
	}
	cmd.Flags().BoolVar(&diagnostic, "diagnostic", false, "Enable diagnostic mode with separate DEBUG logs")
	cmd.Flags().BoolVar(&development, "dev", false, "Include source locations in log records")
	return cmd
}
