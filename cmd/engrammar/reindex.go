package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector indexes from the store",
	RunE:  runReindex,
}

func runReindex(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.rebuildIndexes(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "indexes rebuilt")
	return nil
}
