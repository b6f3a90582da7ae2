package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/store"
	"github.com/hyperengineering/engrammar/internal/types"
)

var (
	addCategory   string
	addExtra      []string
	addPin        bool
	addPrereqJSON string
)

var addCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Add a lesson",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

func init() {
	addCmd.Flags().StringVarP(&addCategory, "category", "c", "general", "primary category path (slash-delimited)")
	addCmd.Flags().StringSliceVar(&addExtra, "extra-category", nil, "additional category path (repeatable)")
	addCmd.Flags().BoolVar(&addPin, "pin", false, "pin the lesson so it is always shown when prerequisites match")
	addCmd.Flags().StringVar(&addPrereqJSON, "prereq", "", "prerequisites as JSON, e.g. '{\"repos\":[\"api\"],\"tags\":[\"golang\"]}'")
}

func runAdd(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(args[0])

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	opts := store.AddOptions{
		Source:          types.SourceManual,
		ExtraCategories: addExtra,
		Pinned:          addPin,
	}
	if addPrereqJSON != "" {
		if err := json.Unmarshal([]byte(addPrereqJSON), &opts.Prerequisites); err != nil {
			return fmt.Errorf("invalid --prereq: %w", err)
		}
	}

	id, err := a.store.Add(cmd.Context(), text, addCategory, opts)
	if err != nil {
		return err
	}

	engram, err := a.store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, engram)
}
