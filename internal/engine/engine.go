// Package engine orchestrates sync passes that move queued incident reports
// to the remote store.
//
// The engine:
// 1. Runs a pass immediately on start, then on a fixed interval while online
// 2. Runs a pass on every offline-to-online transition
// 3. Guards against concurrent passes with a single running flag
// 4. Emits lifecycle events on the bus for UI feedback
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/queue"
	"github.com/reliefops/fieldsync/internal/remote"
	"github.com/reliefops/fieldsync/internal/report"
)

// ErrOffline is returned by the manual sync entry point when invoked without
// connectivity. This is a precondition violation, not a sync failure, so the
// caller can show an immediate "no connection" message.
var ErrOffline = errors.New("no network connection")

// ReportAPI is the remote report store collaborator.
type ReportAPI interface {
	// Create submits a report with resolved media URLs and returns the
	// server-assigned id.
	Create(ctx context.Context, rec *report.QueuedReport, mediaURLs []string) (string, error)
}

// MediaUploader is the media upload collaborator. Partial success is normal;
// an error means total inability to attempt the upload.
type MediaUploader interface {
	UploadMany(ctx context.Context, userID string, paths []string) (remote.UploadResult, error)
}

// Connectivity reports the current network state.
type Connectivity interface {
	IsOnline() bool
}

// Config holds engine configuration.
type Config struct {
	// Interval between automatic sync passes while online (default: 30s).
	Interval time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Logger:   log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// PassResult summarizes one sync pass.
type PassResult struct {
	// Ran is false when the pass did not execute: another pass was already
	// running, or the network was offline.
	Ran    bool
	Synced int
	Failed int
}

// Engine runs synchronization passes over the queue store.
type Engine struct {
	store    *queue.Store
	bus      *events.Bus
	conn     Connectivity
	api      ReportAPI
	uploader MediaUploader
	config   *Config

	// passRunning enforces at-most-one concurrent pass; a reentrant call
	// observes the flag and returns a no-op result.
	passRunning atomic.Bool

	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates an Engine. All collaborators are required.
func New(store *queue.Store, bus *events.Bus, conn Connectivity, api ReportAPI, uploader MediaUploader, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if api == nil {
		return nil, fmt.Errorf("report API cannot be nil")
	}
	if uploader == nil {
		return nil, fmt.Errorf("media uploader cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	return &Engine{
		store:    store,
		bus:      bus,
		conn:     conn,
		api:      api,
		uploader: uploader,
		config:   config,
	}, nil
}

// Start begins automatic synchronization: an immediate pass, a pass on every
// reconnect, and periodic passes while online. Call Stop to halt scheduling;
// a pass already in progress always runs to completion.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.unsubscribe = e.bus.Subscribe(func(evt events.Event) {
		if evt.Type == events.TypeNetworkChanged && evt.Online {
			go e.Sync(ctx)
		}
	})

	go e.Sync(ctx)

	e.wg.Add(1)
	go e.scheduleLoop(ctx)
}

// Stop halts scheduling. No new passes start; a running pass finishes.
func (e *Engine) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) scheduleLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if e.conn.IsOnline() {
				e.Sync(ctx)
			}
		}
	}
}

// Sync runs one synchronization pass.
//
// A reentrant call while a pass is active is a no-op returning Ran=false, so
// two passes can never race on the same record. A pass started while offline
// also returns Ran=false without mutating any record.
func (e *Engine) Sync(ctx context.Context) PassResult {
	if !e.passRunning.CompareAndSwap(false, true) {
		return PassResult{}
	}
	defer e.passRunning.Store(false)

	if !e.conn.IsOnline() {
		return PassResult{}
	}

	return e.runPass(ctx)
}

// SyncNow is the explicit user-triggered sync entry point. Unlike scheduled
// passes, it returns ErrOffline when there is no connectivity.
func (e *Engine) SyncNow(ctx context.Context) (PassResult, error) {
	if !e.conn.IsOnline() {
		return PassResult{}, ErrOffline
	}
	return e.Sync(ctx), nil
}

// RetryFailed resets every errored offline report back to pending, then runs
// a normal pass if online. The reset happens regardless of connectivity, so
// the records are picked up by the next scheduled pass either way.
func (e *Engine) RetryFailed(ctx context.Context) (PassResult, error) {
	n, err := e.store.ResetErrored(ctx)
	if err != nil {
		return PassResult{}, fmt.Errorf("failed to reset errored reports: %w", err)
	}
	e.config.Logger.Printf("Reset %d errored reports to pending", n)

	if !e.conn.IsOnline() {
		return PassResult{}, nil
	}
	return e.Sync(ctx), nil
}

func (e *Engine) runPass(ctx context.Context) (result PassResult) {
	result.Ran = true

	// A panic outside the per-item scope is converted into a sync_failed
	// event; every record stays at its last durably written status and the
	// next scheduled pass revisits it.
	defer func() {
		if r := recover(); r != nil {
			e.config.Logger.Printf("Sync pass panicked: %v", r)
			result.Failed++
			e.bus.Publish(events.Event{
				Type:   events.TypeSyncFailed,
				Synced: result.Synced,
				Failed: result.Failed,
				Err:    fmt.Sprintf("sync pass aborted: %v", r),
			})
		}
	}()

	start := time.Now()
	e.bus.Publish(events.Event{Type: events.TypeSyncStarted})

	items := e.gatherEligible(ctx)
	e.config.Logger.Printf("Sync pass started: %d eligible items", len(items))

	for _, rec := range items {
		if err := e.syncItem(ctx, rec); err != nil {
			result.Failed++
		} else {
			result.Synced++
		}
	}

	if err := e.store.SetLastSyncTime(ctx, time.Now()); err != nil {
		e.config.Logger.Printf("Warning: failed to record sync time: %v", err)
	}

	evt := events.Event{Synced: result.Synced, Failed: result.Failed}
	if result.Failed == 0 {
		evt.Type = events.TypeSyncCompleted
	} else {
		evt.Type = events.TypeSyncFailed
	}
	e.bus.Publish(evt)

	e.config.Logger.Printf("Sync pass complete in %v: synced=%d, failed=%d",
		time.Since(start).Round(time.Millisecond), result.Synced, result.Failed)

	return result
}

// gatherEligible selects the pass's work set: offline reports in pending or
// error status, plus drafts the user explicitly promoted into syncing.
// Pending drafts are never auto-picked. Storage read failures are logged and
// the affected collection treated as empty for this pass.
func (e *Engine) gatherEligible(ctx context.Context) []*report.QueuedReport {
	var items []*report.QueuedReport

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		e.config.Logger.Printf("Warning: failed to read pending reports: %v", err)
	} else {
		items = append(items, pending...)
	}

	drafts, err := e.store.ListSyncingDrafts(ctx)
	if err != nil {
		e.config.Logger.Printf("Warning: failed to read promoted drafts: %v", err)
	} else {
		items = append(items, drafts...)
	}

	return items
}

// syncItem moves one record toward synced or error.
func (e *Engine) syncItem(ctx context.Context, rec *report.QueuedReport) error {
	// Skip the syncing transition if the record is already mid-flight, so
	// attempts grow once per pass, not twice.
	if rec.SyncStatus != report.StatusSyncing {
		if err := e.store.MarkSyncing(ctx, rec.ID, rec.IsDraft); err != nil {
			e.config.Logger.Printf("Warning: failed to mark %s syncing: %v", rec.ID, err)
		}
	}

	var mediaURLs []string
	if len(rec.MediaPaths) > 0 {
		uploaded, err := e.uploader.UploadMany(ctx, rec.UserID, rec.MediaPaths)
		if err != nil {
			return e.failItem(ctx, rec, fmt.Sprintf("media upload failed: %v", err))
		}
		// Partial media failure is not a sync error; submit with what we got.
		for _, msg := range uploaded.Errors {
			e.config.Logger.Printf("Media error for %s: %s", rec.ID, msg)
		}
		mediaURLs = uploaded.URLs
	}

	serverID, err := e.api.Create(ctx, rec, mediaURLs)
	if err != nil {
		return e.failItem(ctx, rec, err.Error())
	}

	if rec.IsDraft {
		// A synced draft is promoted to a server-resident report; the local
		// draft record is deleted outright.
		if err := e.store.DeleteDraft(ctx, rec.ID); err != nil {
			e.config.Logger.Printf("Warning: failed to delete synced draft %s: %v", rec.ID, err)
		}
	} else {
		if err := e.store.MarkSynced(ctx, rec.ID, false); err != nil {
			e.config.Logger.Printf("Warning: failed to mark %s synced: %v", rec.ID, err)
		}
		if err := e.store.RemoveReport(ctx, rec.ID); err != nil {
			e.config.Logger.Printf("Warning: failed to remove synced report %s: %v", rec.ID, err)
		}
	}

	e.config.Logger.Printf("Synced report %s as %s", rec.ID, serverID)
	e.bus.Publish(events.Event{Type: events.TypeReportSynced, ReportID: rec.ID})
	return nil
}

func (e *Engine) failItem(ctx context.Context, rec *report.QueuedReport, msg string) error {
	if err := e.store.MarkError(ctx, rec.ID, rec.IsDraft, msg); err != nil {
		e.config.Logger.Printf("Warning: failed to mark %s errored: %v", rec.ID, err)
	}
	e.config.Logger.Printf("Report %s failed: %s", rec.ID, msg)
	e.bus.Publish(events.Event{Type: events.TypeReportFailed, ReportID: rec.ID, Err: msg})
	return errors.New(msg)
}

// Status recomputes the sync-status projection from the queue store and the
// current connectivity state.
func (e *Engine) Status(ctx context.Context) (*queue.Status, error) {
	return e.store.Status(ctx, e.conn.IsOnline())
}
