package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue state",
	Long: `Show the current sync status: connectivity, how many reports are
waiting to go out, whether a sync pass is running, and when the last
successful pass finished.

The status is recomputed from the queue on every invocation; nothing is
cached between runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		status, err := store.Status(cmd.Context(), probeOnline(cmd))
		if err != nil {
			return fmt.Errorf("failed to compute status: %w", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}

		fmt.Print(ui.FormatStatus(status))
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
