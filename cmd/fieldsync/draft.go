package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/queue"
	"github.com/reliefops/fieldsync/internal/ui"
)

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Manage draft reports",
	Long: `Manage draft reports. Drafts live alongside the queue but are never
synced until promoted with 'fieldsync draft promote'.`,
}

var draftNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Save an incomplete report as a draft",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := recordFromFlags(cmd)
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		rec.IsDraft = true
		rec.SetDefaults()
		id, err := store.SaveDraftContext(cmd.Context(), rec)
		if err != nil {
			return err
		}
		fmt.Printf("Draft saved as %s\n", ui.Accent(id))
		return nil
	},
}

var draftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved drafts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.ListDrafts(cmd.Context())
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println(ui.Dim("No drafts."))
			return nil
		}
		fmt.Print(ui.FormatReportList(recs))
		return nil
	},
}

var draftEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Update fields on a saved draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var patch queue.DraftPatch
		setIfChanged := func(name string, dst **string) {
			if cmd.Flags().Changed(name) {
				v, _ := cmd.Flags().GetString(name)
				*dst = &v
			}
		}
		setIfChanged("type", &patch.IncidentType)
		setIfChanged("location", &patch.Location)
		setIfChanged("description", &patch.Description)
		setIfChanged("patient-status", &patch.PatientStatus)
		setIfChanged("urgency", &patch.UrgencyLevel)
		if cmd.Flags().Changed("media") {
			paths, _ := cmd.Flags().GetStringSlice("media")
			patch.MediaPaths = &paths
		}
		if cmd.Flags().Changed("time") {
			raw, _ := cmd.Flags().GetString("time")
			ts, err := parseIncidentTime(raw)
			if err != nil {
				return err
			}
			patch.IncidentTime = &ts
		}

		if err := store.UpdateDraft(cmd.Context(), args[0], patch); err != nil {
			return err
		}
		fmt.Printf("Draft %s updated\n", ui.Accent(args[0]))
		return nil
	},
}

var draftPromoteCmd = &cobra.Command{
	Use:   "promote <id>",
	Short: "Mark a draft ready for submission",
	Long: `Mark a draft ready for submission. The draft is picked up by the next
sync pass; when the device is online a pass starts immediately.`,
	Args: cobra.ExactArgs(1),
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

		if err := eng.PromoteDraft(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Draft %s promoted for submission\n", ui.Accent(args[0]))
		return nil
	},
}

var draftRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteDraft(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Draft %s deleted\n", ui.Accent(args[0]))
		return nil
	},
}

func init() {
	addReportFieldFlags(draftNewCmd)
	addReportFieldFlags(draftEditCmd)

	draftCmd.AddCommand(draftNewCmd)
	draftCmd.AddCommand(draftListCmd)
	draftCmd.AddCommand(draftEditCmd)
	draftCmd.AddCommand(draftPromoteCmd)
	draftCmd.AddCommand(draftRmCmd)
	rootCmd.AddCommand(draftCmd)
}
