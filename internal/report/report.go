// Package report provides the queued incident report record and its spool
// file representation.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the lifecycle state of a queued report.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
)

// Valid reports whether s is a known status value.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusError:
		return true
	}
	return false
}

// IsRetryable reports whether a record in this status is eligible for the
// next sync pass.
func (s SyncStatus) IsRetryable() bool {
	return s == StatusPending || s == StatusError
}

// QueuedReport is an incident report awaiting transmission to the remote
// store. The same shape backs two lifecycles: offline reports (auto-synced)
// and drafts (held until the user promotes them).
//
// The business payload fields are opaque to the sync engine; only the sync_*
// fields and IsDraft drive its behavior.
type QueuedReport struct {
	ID string `json:"id"`

	UserID       string    `json:"user_id"`
	IncidentType string    `json:"incident_type"`
	Location     string    `json:"location"`
	Description  string    `json:"description,omitempty"`
	PatientStatus string   `json:"patient_status,omitempty"`
	UrgencyLevel string    `json:"urgency_level,omitempty"`
	IncidentTime time.Time `json:"incident_time"`

	// MediaPaths are local file references uploaded before submission.
	MediaPaths []string `json:"media_paths,omitempty"`

	SyncStatus      SyncStatus `json:"sync_status"`
	SyncAttempts    int        `json:"sync_attempts"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`

	IsDraft bool `json:"is_draft"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a locally generated report identifier. The qr- prefix keeps
// the local namespace distinct from server-assigned report IDs.
func NewID() string {
	return "qr-" + uuid.NewString()
}

// Validate checks that the record has usable field values.
func (r *QueuedReport) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.IncidentType == "" {
		return fmt.Errorf("incident_type is required")
	}
	if r.Location == "" {
		return fmt.Errorf("location is required")
	}
	if !r.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync_status %q", r.SyncStatus)
	}
	if r.SyncAttempts < 0 {
		return fmt.Errorf("sync_attempts cannot be negative (got %d)", r.SyncAttempts)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults applies defaults for fields a caller may omit when composing a
// new record. Existing values are left alone.
func (r *QueuedReport) SetDefaults() {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.SyncStatus == "" {
		r.SyncStatus = StatusPending
	}
	if r.IncidentTime.IsZero() {
		r.IncidentTime = now
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
}

// Touch stamps UpdatedAt. Call on every mutation.
func (r *QueuedReport) Touch() {
	r.UpdatedAt = time.Now().UTC()
}

// Filename returns the canonical spool filename for this record: {id}.json
func (r *QueuedReport) Filename() string {
	return r.ID + ".json"
}

// ReadSpoolFile reads and validates a report JSON file from the given path.
func ReadSpoolFile(path string) (*QueuedReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report file %s: %w", path, err)
	}

	var rec QueuedReport
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse report file %s: %w", path, err)
	}

	rec.SetDefaults()
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report file %s: %w", path, err)
	}

	return &rec, nil
}

// WriteSpoolFile writes a record to dir/{id}.json with pretty formatting.
func WriteSpoolFile(dir string, rec *QueuedReport) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid report: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report %s: %w", rec.ID, err)
	}

	path := filepath.Join(dir, rec.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report file %s: %w", path, err)
	}

	return nil
}

// ReadAllSpoolFiles reads every report JSON file in dir, skipping invalid
// files with a warning to stderr. A missing directory is treated as empty.
func ReadAllSpoolFiles(dir string) ([]*QueuedReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*QueuedReport{}, nil
		}
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var recs []*QueuedReport
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		rec, err := ReadSpoolFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid report file %s: %v\n", entry.Name(), err)
			continue
		}

		recs = append(recs, rec)
	}

	return recs, nil
}
