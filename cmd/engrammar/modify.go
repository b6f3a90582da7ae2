package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/store"
)

var (
	updateText       string
	updateCategory   string
	updatePrereqJSON string
)

var deprecateCmd = &cobra.Command{
	Use:   "deprecate <id>",
	Short: "Soft-delete a lesson",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeprecate,
}

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Edit a lesson's text, category, or prerequisites",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdate,
}

var pinCmd = &cobra.Command{
	Use:   "pin <id>",
	Short: "Pin a lesson",
	Args:  cobra.ExactArgs(1),
	RunE:  runPin,
}

var unpinCmd = &cobra.Command{
	Use:   "unpin <id>",
	Short: "Unpin a lesson",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnpin,
}

func init() {
	updateCmd.Flags().StringVar(&updateText, "text", "", "replacement lesson text")
	updateCmd.Flags().StringVarP(&updateCategory, "category", "c", "", "replacement primary category")
	updateCmd.Flags().StringVar(&updatePrereqJSON, "prereq", "", "replacement prerequisites as JSON")
}

func parseEngramID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid engram id %q", arg)
	}
	return id, nil
}

func runDeprecate(cmd *cobra.Command, args []string) error {
	id, err := parseEngramID(args[0])
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Deprecate(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "deprecated engram %d\n", id)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	id, err := parseEngramID(args[0])
	if err != nil {
		return err
	}

	req := store.UpdateRequest{}
	if cmd.Flags().Changed("text") {
		req.Text = &updateText
	}
	if cmd.Flags().Changed("category") {
		req.Category = &updateCategory
	}
	if cmd.Flags().Changed("prereq") {
		if !json.Valid([]byte(updatePrereqJSON)) {
			return fmt.Errorf("invalid --prereq: not valid JSON")
		}
		req.RawPrerequisites = []byte(updatePrereqJSON)
	}
	if req.Text == nil && req.Category == nil && req.RawPrerequisites == nil {
		return fmt.Errorf("nothing to update: pass --text, --category, or --prereq")
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Update(cmd.Context(), id, req); err != nil {
		return err
	}
	engram, err := a.store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, engram)
}

func runPin(cmd *cobra.Command, args []string) error {
	id, err := parseEngramID(args[0])
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Pin(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "pinned engram %d\n", id)
	return nil
}

func runUnpin(cmd *cobra.Command, args []string) error {
	id, err := parseEngramID(args[0])
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Unpin(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "unpinned engram %d\n", id)
	return nil
}
