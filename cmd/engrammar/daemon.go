package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/config"
	"github.com/hyperengineering/engrammar/pkg/client"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Inspect or stop the request daemon",
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Ping the daemon",
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the daemon to exit",
	RunE:  runDaemonStop,
}

func init() {
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	uptime, idle, err := client.New(cfg.SocketPath()).Ping(cmd.Context())
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}
	return printJSON(os.Stdout, map[string]string{
		"status": "running",
		"uptime": uptime,
		"idle":   idle,
	})
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := client.New(cfg.SocketPath()).Shutdown(cmd.Context()); err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}
	fmt.Fprintln(os.Stdout, "shutdown requested")
	return nil
}
