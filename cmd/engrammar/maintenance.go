package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/config"
	"github.com/hyperengineering/engrammar/pkg/client"
)

var maintenanceEvalLimit int

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Ask the daemon to run extraction and evaluation in the background",
	RunE:  runMaintenance,
}

func init() {
	maintenanceCmd.Flags().IntVarP(&maintenanceEvalLimit, "limit", "n", 0, "maximum sessions for the evaluate task (0 = daemon default)")
}

func runMaintenance(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	c := client.New(cfg.SocketPath())
	states, err := c.RunMaintenance(cmd.Context(), maintenanceEvalLimit)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, states)
}
