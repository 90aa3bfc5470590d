package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/remote"
	"github.com/reliefops/fieldsync/internal/report"
)

// SubmitResult is the outcome of a direct submission attempt. Exactly one of
// ServerID and QueuedID is set: ServerID when the report reached the remote
// store immediately, QueuedID when it fell back to the offline queue.
type SubmitResult struct {
	ServerID string
	QueuedID string
}

// SubmitDirect attempts to submit a report immediately, falling back to the
// offline queue when that isn't possible.
//
// A rate-limit response is surfaced as remote.ErrRateLimited without
// queueing, so the UI can tell the user to wait rather than silently
// deferring an urgent report. Any other failure, or being offline, enqueues
// the report for the next sync pass.
func (e *Engine) SubmitDirect(ctx context.Context, rec *report.QueuedReport) (SubmitResult, error) {
	rec.SetDefaults()
	if err := rec.Validate(); err != nil {
		return SubmitResult{}, fmt.Errorf("invalid report: %w", err)
	}

	if e.conn.IsOnline() {
		serverID, err := e.submitOnce(ctx, rec)
		if err == nil {
			e.config.Logger.Printf("Direct submission of %s accepted as %s", rec.ID, serverID)
			return SubmitResult{ServerID: serverID}, nil
		}
		if errors.Is(err, remote.ErrRateLimited) {
			return SubmitResult{}, err
		}
		e.config.Logger.Printf("Direct submission of %s failed, queueing: %v", rec.ID, err)
	}

	id, err := e.Enqueue(ctx, rec)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{QueuedID: id}, nil
}

func (e *Engine) submitOnce(ctx context.Context, rec *report.QueuedReport) (string, error) {
	var mediaURLs []string
	if len(rec.MediaPaths) > 0 {
		uploaded, err := e.uploader.UploadMany(ctx, rec.UserID, rec.MediaPaths)
		if err != nil {
			return "", fmt.Errorf("media upload failed: %w", err)
		}
		for _, msg := range uploaded.Errors {
			e.config.Logger.Printf("Media error for %s: %s", rec.ID, msg)
		}
		mediaURLs = uploaded.URLs
	}

	return e.api.Create(ctx, rec, mediaURLs)
}

// Enqueue adds a report to the offline queue and announces it on the bus.
func (e *Engine) Enqueue(ctx context.Context, rec *report.QueuedReport) (string, error) {
	id, err := e.store.EnqueueReportContext(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to queue report: %w", err)
	}

	e.bus.Publish(events.Event{Type: events.TypeReportQueued, ReportID: id})
	return id, nil
}

// SaveDraft stores a draft for later. Drafts never sync until promoted.
func (e *Engine) SaveDraft(ctx context.Context, rec *report.QueuedReport) (string, error) {
	id, err := e.store.SaveDraftContext(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to save draft: %w", err)
	}
	return id, nil
}

// PromoteDraft marks a draft for submission and, when online, kicks off a
// pass so the user sees it go out promptly rather than on the next tick.
func (e *Engine) PromoteDraft(ctx context.Context, id string) error {
	if err := e.store.PromoteDraft(ctx, id); err != nil {
		return err
	}

	e.bus.Publish(events.Event{Type: events.TypeDraftPromoted, ReportID: id})

	if e.conn.IsOnline() {
		go e.Sync(context.WithoutCancel(ctx))
	}
	return nil
}
