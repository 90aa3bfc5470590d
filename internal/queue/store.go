// Package queue provides the durable local queue store for incident reports.
//
// The store holds two independent collections (offline reports awaiting
// automatic submission, and drafts held until the user promotes them) plus a
// small metadata table recording the last completed sync pass. It is backed
// by embedded SQLite with WAL mode so the queue survives process restarts and
// tolerates concurrent readers.
//
// Collection names (offline_reports, drafts) and the metadata key layout are
// part of the on-disk contract and must stay stable across versions, or
// queued user data would be orphaned on upgrade.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/reliefops/fieldsync/internal/report"
)

// ErrNotFound is returned when a record id does not exist in the collection
// it was looked up in.
var ErrNotFound = errors.New("record not found")

const lastSyncKey = "last_sync_time"

// Store wraps the SQLite connection with queue-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a queue store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	// WAL keeps readers unblocked while the sync pass writes
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return s, nil
}

// Close closes the store, checkpointing the WAL first so all queued records
// land in the main database file.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the queue tables if they don't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the queue schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS offline_reports (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		incident_type TEXT NOT NULL,
		location TEXT NOT NULL,
		description TEXT,
		patient_status TEXT,
		urgency_level TEXT,
		incident_time TEXT NOT NULL,
		media_paths TEXT,  -- JSON array
		sync_status TEXT NOT NULL DEFAULT 'pending',
		sync_attempts INTEGER NOT NULL DEFAULT 0,
		last_sync_attempt TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS drafts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		incident_type TEXT NOT NULL,
		location TEXT NOT NULL,
		description TEXT,
		patient_status TEXT,
		urgency_level TEXT,
		incident_time TEXT NOT NULL,
		media_paths TEXT,  -- JSON array
		sync_status TEXT NOT NULL DEFAULT 'pending',
		sync_attempts INTEGER NOT NULL DEFAULT 0,
		last_sync_attempt TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_status ON offline_reports(sync_status);
	CREATE INDEX IF NOT EXISTS idx_drafts_status ON drafts(sync_status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return nil
}

// tableFor maps the two record lifecycles onto their collections.
func tableFor(draft bool) string {
	if draft {
		return "drafts"
	}
	return "offline_reports"
}

// EnqueueReport adds a new offline report to the queue.
//
// A fresh id is assigned if the record doesn't carry one, sync fields are
// reset to their initial values, and the record is persisted. The assigned id
// is returned. Never touches the network.
func (s *Store) EnqueueReport(rec *report.QueuedReport) (string, error) {
	return s.EnqueueReportContext(context.Background(), rec)
}

// EnqueueReportContext adds a new offline report with context support.
func (s *Store) EnqueueReportContext(ctx context.Context, rec *report.QueuedReport) (string, error) {
	rec.IsDraft = false
	return s.insert(ctx, rec)
}

// SaveDraft adds a new draft to the queue.
func (s *Store) SaveDraft(rec *report.QueuedReport) (string, error) {
	return s.SaveDraftContext(context.Background(), rec)
}

// SaveDraftContext adds a new draft with context support.
func (s *Store) SaveDraftContext(ctx context.Context, rec *report.QueuedReport) (string, error) {
	rec.IsDraft = true
	return s.insert(ctx, rec)
}

func (s *Store) insert(ctx context.Context, rec *report.QueuedReport) (string, error) {
	rec.SetDefaults()
	rec.SyncStatus = report.StatusPending
	rec.SyncAttempts = 0
	rec.LastSyncAttempt = nil
	rec.ErrorMessage = ""

	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("invalid report: %w", err)
	}

	mediaJSON, err := json.Marshal(rec.MediaPaths)
	if err != nil {
		return "", fmt.Errorf("failed to marshal media paths: %w", err)
	}

	query := `
	INSERT INTO ` + tableFor(rec.IsDraft) + ` (
		id, user_id, incident_type, location, description,
		patient_status, urgency_level, incident_time, media_paths,
		sync_status, sync_attempts, last_sync_attempt, error_message,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.IncidentType,
		rec.Location,
		rec.Description,
		rec.PatientStatus,
		rec.UrgencyLevel,
		rec.IncidentTime.Format(time.RFC3339),
		string(mediaJSON),
		string(rec.SyncStatus),
		rec.CreatedAt.Format(time.RFC3339),
		rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert report %s: %w", rec.ID, err)
	}

	return rec.ID, nil
}

const recordColumns = `id, user_id, incident_type, location, description,
	patient_status, urgency_level, incident_time, media_paths,
	sync_status, sync_attempts, last_sync_attempt, error_message,
	created_at, updated_at`

// ListReports returns a snapshot of all offline reports in insertion order.
func (s *Store) ListReports(ctx context.Context) ([]*report.QueuedReport, error) {
	return s.list(ctx, false, "")
}

// ListDrafts returns a snapshot of all drafts in insertion order.
func (s *Store) ListDrafts(ctx context.Context) ([]*report.QueuedReport, error) {
	return s.list(ctx, true, "")
}

// ListPending returns offline reports eligible for the next sync pass
// (status pending or error), in insertion order. This is the sync engine's
// primary read.
func (s *Store) ListPending(ctx context.Context) ([]*report.QueuedReport, error) {
	return s.list(ctx, false, "sync_status IN ('pending', 'error')")
}

// ListSyncingDrafts returns drafts the user has promoted for submission.
// Drafts still in pending status are never picked up automatically.
func (s *Store) ListSyncingDrafts(ctx context.Context) ([]*report.QueuedReport, error) {
	return s.list(ctx, true, "sync_status = 'syncing'")
}

func (s *Store) list(ctx context.Context, draft bool, where string) ([]*report.QueuedReport, error) {
	query := "SELECT " + recordColumns + " FROM " + tableFor(draft)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY rowid ASC"

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", tableFor(draft), err)
	}
	defer rows.Close()

	return scanRecords(rows, draft)
}

// GetReport fetches a single offline report by id.
// Returns ErrNotFound if the id is absent.
func (s *Store) GetReport(ctx context.Context, id string) (*report.QueuedReport, error) {
	return s.get(ctx, false, id)
}

// GetDraft fetches a single draft by id.
// Returns ErrNotFound if the id is absent.
func (s *Store) GetDraft(ctx context.Context, id string) (*report.QueuedReport, error) {
	return s.get(ctx, true, id)
}

func (s *Store) get(ctx context.Context, draft bool, id string) (*report.QueuedReport, error) {
	query := "SELECT " + recordColumns + " FROM " + tableFor(draft) + " WHERE id = ?"

	rows, err := s.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query record %s: %w", id, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows, draft)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return recs[0], nil
}

// MarkSyncing transitions a record into syncing status.
//
// The transition increments sync_attempts and stamps last_sync_attempt; a
// record already in syncing status is left untouched, so attempts grow once
// per pass the record is picked up in, never twice.
func (s *Store) MarkSyncing(ctx context.Context, id string, draft bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
	UPDATE ` + tableFor(draft) + `
	SET sync_status = 'syncing',
	    sync_attempts = sync_attempts + 1,
	    last_sync_attempt = ?,
	    updated_at = ?
	WHERE id = ? AND sync_status != 'syncing'
	`

	if _, err := s.conn.ExecContext(ctx, query, now, now, id); err != nil {
		return fmt.Errorf("failed to mark %s syncing: %w", id, err)
	}
	return nil
}

// MarkSynced transitions a record into synced status.
//
// Synced offline reports are expected to be removed immediately afterwards;
// the status exists so an intercepted read between submit and removal sees a
// well-defined state.
func (s *Store) MarkSynced(ctx context.Context, id string, draft bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
	UPDATE ` + tableFor(draft) + `
	SET sync_status = 'synced', error_message = NULL, updated_at = ?
	WHERE id = ?
	`

	if _, err := s.conn.ExecContext(ctx, query, now, id); err != nil {
		return fmt.Errorf("failed to mark %s synced: %w", id, err)
	}
	return nil
}

// MarkError transitions a record into error status with the failure reason.
func (s *Store) MarkError(ctx context.Context, id string, draft bool, msg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
	UPDATE ` + tableFor(draft) + `
	SET sync_status = 'error', error_message = ?, updated_at = ?
	WHERE id = ?
	`

	if _, err := s.conn.ExecContext(ctx, query, msg, now, id); err != nil {
		return fmt.Errorf("failed to mark %s errored: %w", id, err)
	}
	return nil
}

// ResetErrored moves every errored offline report back to pending and clears
// its error message. Returns the number of records reset.
func (s *Store) ResetErrored(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
	UPDATE offline_reports
	SET sync_status = 'pending', error_message = NULL, updated_at = ?
	WHERE sync_status = 'error'
	`

	res, err := s.conn.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset errored reports: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset reports: %w", err)
	}
	return int(n), nil
}

// RemoveReport deletes a fully-synced offline report.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) RemoveReport(ctx context.Context, id string) error {
	query := `DELETE FROM offline_reports WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to remove report %s: %w", id, err)
	}
	return nil
}

// DeleteDraft deletes a draft outright.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) DeleteDraft(ctx context.Context, id string) error {
	query := `DELETE FROM drafts WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete draft %s: %w", id, err)
	}
	return nil
}

// PromoteDraft makes a draft eligible for the next sync pass by moving it
// into syncing status. This is the only path by which a draft becomes
// pass-eligible; the periodic timer never picks up pending drafts.
//
// The transition counts as a sync attempt, matching MarkSyncing semantics.
// Returns ErrNotFound if the draft is absent or already syncing.
func (s *Store) PromoteDraft(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
	UPDATE drafts
	SET sync_status = 'syncing',
	    sync_attempts = sync_attempts + 1,
	    last_sync_attempt = ?,
	    error_message = NULL,
	    updated_at = ?
	WHERE id = ? AND sync_status != 'syncing'
	`

	res, err := s.conn.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to promote draft %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check draft promotion %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	return nil
}

// DraftPatch holds partial updates for a draft's business payload.
// Nil fields are left unchanged.
type DraftPatch struct {
	IncidentType  *string
	Location      *string
	Description   *string
	PatientStatus *string
	UrgencyLevel  *string
	IncidentTime  *time.Time
	MediaPaths    *[]string
}

// UpdateDraft applies a partial payload update to a draft and stamps
// updated_at. Returns ErrNotFound if the draft is absent.
func (s *Store) UpdateDraft(ctx context.Context, id string, patch DraftPatch) error {
	var sets []string
	var args []interface{}

	add := func(col string, val interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.IncidentType != nil {
		add("incident_type", *patch.IncidentType)
	}
	if patch.Location != nil {
		add("location", *patch.Location)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.PatientStatus != nil {
		add("patient_status", *patch.PatientStatus)
	}
	if patch.UrgencyLevel != nil {
		add("urgency_level", *patch.UrgencyLevel)
	}
	if patch.IncidentTime != nil {
		add("incident_time", patch.IncidentTime.Format(time.RFC3339))
	}
	if patch.MediaPaths != nil {
		mediaJSON, err := json.Marshal(*patch.MediaPaths)
		if err != nil {
			return fmt.Errorf("failed to marshal media paths: %w", err)
		}
		add("media_paths", string(mediaJSON))
	}

	if len(sets) == 0 {
		return nil
	}

	add("updated_at", time.Now().UTC().Format(time.RFC3339))

	query := "UPDATE drafts SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update draft %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check draft update %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetLastSyncTime records when the most recent sync pass completed.
func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	query := `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`

	if _, err := s.conn.ExecContext(ctx, query, lastSyncKey, t.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to set last sync time: %w", err)
	}
	return nil
}

// LastSyncTime returns the completion time of the most recent sync pass, or
// nil if no pass has completed yet.
func (s *Store) LastSyncTime(ctx context.Context) (*time.Time, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_meta WHERE key = ?", lastSyncKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync time: %w", err)
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last sync time %q: %w", value, err)
	}
	return &t, nil
}

func scanRecords(rows *sql.Rows, draft bool) ([]*report.QueuedReport, error) {
	var recs []*report.QueuedReport

	for rows.Next() {
		var (
			rec           report.QueuedReport
			description   sql.NullString
			patientStatus sql.NullString
			urgencyLevel  sql.NullString
			mediaJSON     sql.NullString
			status        string
			lastAttempt   sql.NullString
			errorMessage  sql.NullString
			incidentTime  string
			createdAt     string
			updatedAt     string
		)

		err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.IncidentType,
			&rec.Location,
			&description,
			&patientStatus,
			&urgencyLevel,
			&incidentTime,
			&mediaJSON,
			&status,
			&rec.SyncAttempts,
			&lastAttempt,
			&errorMessage,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec.Description = description.String
		rec.PatientStatus = patientStatus.String
		rec.UrgencyLevel = urgencyLevel.String
		rec.SyncStatus = report.SyncStatus(status)
		rec.ErrorMessage = errorMessage.String
		rec.IsDraft = draft

		if mediaJSON.Valid && mediaJSON.String != "" && mediaJSON.String != "null" {
			if err := json.Unmarshal([]byte(mediaJSON.String), &rec.MediaPaths); err != nil {
				return nil, fmt.Errorf("failed to parse media paths for %s: %w", rec.ID, err)
			}
		}

		if rec.IncidentTime, err = time.Parse(time.RFC3339, incidentTime); err != nil {
			return nil, fmt.Errorf("failed to parse incident_time for %s: %w", rec.ID, err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for %s: %w", rec.ID, err)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at for %s: %w", rec.ID, err)
		}
		if lastAttempt.Valid {
			t, err := time.Parse(time.RFC3339, lastAttempt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse last_sync_attempt for %s: %w", rec.ID, err)
			}
			rec.LastSyncAttempt = &t
		}

		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return recs, nil
}
