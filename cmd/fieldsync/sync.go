package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/engine"
	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync pass now",
	Long: `Push all pending and previously failed reports to the API in a single
pass. Fails immediately if the device is offline.

Reports that fail stay in the queue with their error recorded; run
'fieldsync sync --retry' to clear recorded errors and try them again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		logger := quietLogger()
		bus := events.NewBus(logger)
		eng, _, err := buildEngine(cmd, store, bus, logger)
		if err != nil {
			return err
		}

		retry, _ := cmd.Flags().GetBool("retry")

		var result engine.PassResult
		if retry {
			result, err = eng.RetryFailed(cmd.Context())
		} else {
			result, err = eng.SyncNow(cmd.Context())
		}
		if errors.Is(err, engine.ErrOffline) {
			return fmt.Errorf("device is offline; reports remain queued and will sync when connectivity returns")
		}
		if err != nil {
			return err
		}

		if !result.Ran {
			fmt.Println(ui.Dim("A sync pass is already running."))
			return nil
		}
		if result.Synced == 0 && result.Failed == 0 {
			fmt.Println(ui.Dim("Nothing to sync."))
			return nil
		}

		fmt.Printf("%s %d synced, %d failed\n", ui.Accent("Sync complete:"), result.Synced, result.Failed)
		if result.Failed > 0 {
			fmt.Println(ui.Warn("Failed reports stay queued; see 'fieldsync report list' for details."))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("retry", false, "Clear recorded errors and retry failed reports")
	rootCmd.AddCommand(syncCmd)
}
