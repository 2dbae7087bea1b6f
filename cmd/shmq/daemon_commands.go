package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shmq/internal/daemonctl"
	"shmq/internal/ipc"
)

const (
	stopGracePeriod  = 5 * time.Second
	startWaitTimeout = 10 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startDiagnostic bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the shmq daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonLaunchOptions(ctx, startDiagnostic),
				startWaitTimeout,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}

			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Message) != "" {
					fmt.Fprintln(stdout, result.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			if result.Address != "" {
				fmt.Fprintf(stdout, "Rendezvous address: %s\n", result.Address)
			}
			return nil
		},
	}
	startCmd.Flags().BoolVar(&startDiagnostic, "diagnostic", false, "Enable diagnostic mode with separate DEBUG logs")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the shmq daemon and terminate its process",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.configValue(), stopGracePeriod)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.StopAcknowledged {
				fmt.Fprintln(stdout, "Closing queue...")
			} else {
				fmt.Fprintln(stdout, "Stop request sent")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	var restartDiagnostic bool
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the shmq daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.Restart(
				ctx.configValue(),
				exe,
				daemonLaunchOptions(ctx, restartDiagnostic),
				stopGracePeriod,
				startWaitTimeout,
			)
			if err != nil {
				return err
			}

			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}

			switch result.Start.State {
			case daemonctl.StartStateStarted, daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon restarted")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Start.Message) != "" {
					fmt.Fprintln(stdout, result.Start.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			if result.Start.Address != "" {
				fmt.Fprintf(stdout, "Rendezvous address: %s\n", result.Start.Address)
			}
			return nil
		},
	}
	restartCmd.Flags().BoolVar(&restartDiagnostic, "diagnostic", false, "Enable diagnostic mode with separate DEBUG logs")

	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue and texture status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return err
				}
				if statusJSON {
					return writeJSON(cmd, status)
				}
				printStatus(cmd, status)
				return nil
			})
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func printStatus(cmd *cobra.Command, status *ipc.StatusResponse) {
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)

	section := func(title string) {
		for _, line := range renderSectionHeader(title, colorize) {
			fmt.Fprintln(stdout, line)
		}
	}

	section("Daemon")
	for _, line := range daemonLines(status, time.Now(), colorize) {
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout)

	section("Queue")
	for _, line := range queueLines(status, colorize) {
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout)

	section("Traffic")
	fmt.Fprint(stdout, renderTable([]string{"Counter", "Total"}, trafficRows(status.Totals), []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintln(stdout)

	section("Textures")
	fmt.Fprintln(stdout, renderStatusLine("Store", statusInfo, storeDetail(status), colorize))
	if len(status.Textures) == 0 {
		fmt.Fprintln(stdout, "No textures defined")
	} else {
		fmt.Fprint(stdout, renderTable(
			[]string{"ID", "Size", "Format", "Levels", "Written"},
			textureRows(status.Textures),
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
		))
	}

	if len(status.Metrics) > 0 {
		fmt.Fprintln(stdout)
		section("Metrics")
		fmt.Fprint(stdout, renderTable(
			[]string{"Name", "Labels", "Value"},
			metricRows(status.Metrics),
			[]columnAlignment{alignLeft, alignLeft, alignRight},
		))
	}
}

func storeDetail(status *ipc.StatusResponse) string {
	if status.StorePath == "" {
		return status.Store
	}
	return fmt.Sprintf("%s (%s)", status.Store, status.StorePath)
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, diagnostic bool) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{Diagnostic: diagnostic}
	if ctx.configPath != "" {
		opts.ConfigPath = ctx.configPath
	} else if config := flagValue(ctx.configFlag); config != "" {
		opts.ConfigPath = config
	}
	return opts
}
