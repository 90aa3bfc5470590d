package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/report"
	"github.com/reliefops/fieldsync/internal/ui"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Create and inspect queued reports",
}

var reportNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Queue a new incident report",
	Long: `Queue a new incident report for submission.

In an interactive terminal with no field flags, an interview form collects
the report details. Otherwise the report is built from flags; --type and
--location are required then.

The incident time accepts natural language ("10 minutes ago", "yesterday
at 3pm") as well as RFC 3339 timestamps. It defaults to now.

By default the report goes straight into the offline queue. With --direct
the report is submitted to the API immediately when online, falling back
to the queue on failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := recordFromFlags(cmd)
		if err != nil {
			return err
		}

		interactive := term.IsTerminal(int(os.Stdin.Fd())) && !cmd.Flags().Changed("type")
		if interactive {
			if err := runReportForm(rec); err != nil {
				return err
			}
		} else if rec.IncidentType == "" || rec.Location == "" {
			return fmt.Errorf("--type and --location are required in non-interactive mode")
		}

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

		if direct, _ := cmd.Flags().GetBool("direct"); direct {
			result, err := eng.SubmitDirect(cmd.Context(), rec)
			if err != nil {
				return err
			}
			if result.ServerID != "" {
				fmt.Printf("%s submitted as %s\n", ui.Pass("Report"), ui.Accent(result.ServerID))
				return nil
			}
			fmt.Printf("%s queued as %s (will sync when online)\n", ui.Warn("Report"), ui.Accent(result.QueuedID))
			return nil
		}

		id, err := eng.Enqueue(cmd.Context(), rec)
		if err != nil {
			return err
		}
		fmt.Printf("Report queued as %s\n", ui.Accent(id))
		return nil
	},
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reports waiting in the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.ListReports(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(ui.FormatReportList(recs))
		return nil
	},
}

var reportRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a report from the queue without submitting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RemoveReport(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", ui.Accent(args[0]))
		return nil
	},
}

// recordFromFlags builds a report from the shared field flags.
func recordFromFlags(cmd *cobra.Command) (*report.QueuedReport, error) {
	rec := &report.QueuedReport{UserID: viper.GetString("api.user_id")}

	rec.IncidentType, _ = cmd.Flags().GetString("type")
	rec.Location, _ = cmd.Flags().GetString("location")
	rec.Description, _ = cmd.Flags().GetString("description")
	rec.PatientStatus, _ = cmd.Flags().GetString("patient-status")
	rec.UrgencyLevel, _ = cmd.Flags().GetString("urgency")
	rec.MediaPaths, _ = cmd.Flags().GetStringSlice("media")

	if raw, _ := cmd.Flags().GetString("time"); raw != "" {
		ts, err := parseIncidentTime(raw)
		if err != nil {
			return nil, err
		}
		rec.IncidentTime = ts
	}
	return rec, nil
}

// parseIncidentTime accepts RFC 3339 or natural language.
func parseIncidentTime(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(raw, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse incident time %q: %w", raw, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand incident time %q", raw)
	}
	return result.Time, nil
}

// runReportForm fills in the report through an interactive interview.
func runReportForm(rec *report.QueuedReport) error {
	var timeRaw string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Incident type").
				Options(huh.NewOptions("medical", "fire", "flood", "collapse", "hazmat", "other")...).
				Value(&rec.IncidentType),
			huh.NewInput().
				Title("Location").
				Placeholder("landmark, address, or coordinates").
				Value(&rec.Location),
			huh.NewSelect[string]().
				Title("Urgency").
				Options(huh.NewOptions("low", "medium", "high", "critical")...).
				Value(&rec.UrgencyLevel),
		),
		huh.NewGroup(
			huh.NewText().
				Title("Description").
				Value(&rec.Description),
			huh.NewInput().
				Title("Patient status").
				Placeholder("leave empty if not applicable").
				Value(&rec.PatientStatus),
			huh.NewInput().
				Title("When did it happen?").
				Placeholder("now, 10 minutes ago, yesterday at 3pm").
				Value(&timeRaw),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	if timeRaw != "" && timeRaw != "now" {
		ts, err := parseIncidentTime(timeRaw)
		if err != nil {
			return err
		}
		rec.IncidentTime = ts
	}
	if rec.Location == "" {
		return fmt.Errorf("location is required")
	}
	return nil
}

// addReportFieldFlags registers the field flags shared by report and draft
// creation.
func addReportFieldFlags(cmd *cobra.Command) {
	cmd.Flags().String("type", "", "Incident type (medical, fire, flood, ...)")
	cmd.Flags().String("location", "", "Incident location")
	cmd.Flags().String("description", "", "Free-form description")
	cmd.Flags().String("patient-status", "", "Patient status, if applicable")
	cmd.Flags().String("urgency", "", "Urgency level (low, medium, high, critical)")
	cmd.Flags().StringSlice("media", nil, "Paths to photos or recordings to attach")
	cmd.Flags().String("time", "", "Incident time (RFC 3339 or natural language)")
}

func init() {
	addReportFieldFlags(reportNewCmd)
	reportNewCmd.Flags().Bool("direct", false, "Try to submit immediately, queue on failure")

	reportCmd.AddCommand(reportNewCmd)
	reportCmd.AddCommand(reportListCmd)
	reportCmd.AddCommand(reportRmCmd)
	rootCmd.AddCommand(reportCmd)
}
