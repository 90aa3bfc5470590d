// Package ui holds the terminal styling shared by the CLI commands.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/reliefops/fieldsync/internal/queue"
	"github.com/reliefops/fieldsync/internal/report"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// ColorEnabled reports whether the terminal supports color output.
func ColorEnabled() bool {
	return termenv.DefaultOutput().Profile != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !ColorEnabled() {
		return s
	}
	return style.Render(s)
}

// Accent renders emphasized text (IDs, headings).
func Accent(s string) string { return render(accentStyle, s) }

// Pass renders success text.
func Pass(s string) string { return render(passStyle, s) }

// Warn renders warning text.
func Warn(s string) string { return render(warnStyle, s) }

// Err renders failure text.
func Err(s string) string { return render(errStyle, s) }

// Dim renders de-emphasized text.
func Dim(s string) string { return render(dimStyle, s) }

// StatusBadge renders a sync status with its conventional color.
func StatusBadge(status report.SyncStatus) string {
	switch status {
	case report.StatusPending:
		return Warn(string(status))
	case report.StatusSyncing:
		return Accent(string(status))
	case report.StatusSynced:
		return Pass(string(status))
	case report.StatusError:
		return Err(string(status))
	default:
		return string(status)
	}
}

// FormatStatus renders a sync-status snapshot as a short multi-line summary.
func FormatStatus(s *queue.Status) string {
	var b strings.Builder

	conn := Err("offline")
	if s.IsOnline {
		conn = Pass("online")
	}
	fmt.Fprintf(&b, "Connectivity: %s\n", conn)

	pending := fmt.Sprintf("%d", s.PendingCount)
	if s.PendingCount > 0 {
		pending = Warn(pending)
	}
	fmt.Fprintf(&b, "Pending:      %s\n", pending)

	syncing := "idle"
	if s.IsSyncing {
		syncing = Accent("in progress")
	}
	fmt.Fprintf(&b, "Sync:         %s\n", syncing)

	last := Dim("never")
	if s.LastSyncTime != nil {
		last = s.LastSyncTime.Local().Format("2006-01-02 15:04:05")
	}
	fmt.Fprintf(&b, "Last sync:    %s\n", last)

	return b.String()
}

// FormatReportList renders queued reports as an aligned table.
func FormatReportList(recs []*report.QueuedReport) string {
	if len(recs) == 0 {
		return Dim("No reports in the queue.") + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", render(headerStyle, fmt.Sprintf("%-14s %-10s %-12s %-20s %-8s %s",
		"ID", "STATUS", "TYPE", "LOCATION", "URGENCY", "ATTEMPTS")))

	for _, rec := range recs {
		fmt.Fprintf(&b, "%-14s %s %-12s %-20s %-8s %d\n",
			truncate(rec.ID, 14),
			StatusBadge(rec.SyncStatus)+pad(string(rec.SyncStatus), 10),
			truncate(rec.IncidentType, 12),
			truncate(rec.Location, 20),
			truncate(rec.UrgencyLevel, 8),
			rec.SyncAttempts)
		if rec.ErrorMessage != "" {
			fmt.Fprintf(&b, "  %s\n", Err("error: "+rec.ErrorMessage))
		}
	}
	return b.String()
}

// pad returns the spaces needed to align a styled cell whose ANSI codes
// confuse %-Ns padding.
func pad(plain string, width int) string {
	if len(plain) >= width {
		return ""
	}
	return strings.Repeat(" ", width-len(plain))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
