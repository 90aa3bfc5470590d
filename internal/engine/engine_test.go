package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/queue"
	"github.com/reliefops/fieldsync/internal/remote"
	"github.com/reliefops/fieldsync/internal/report"
)

// fakeConn is a settable Connectivity.
type fakeConn struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeConn) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeConn) set(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

// fakeAPI records submissions and fails or blocks on demand.
type fakeAPI struct {
	mu        sync.Mutex
	calls     []string
	mediaURLs map[string][]string
	failFor   map[string]error
	onCreate  func(rec *report.QueuedReport)
	block     chan struct{}
	started   chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		mediaURLs: make(map[string][]string),
		failFor:   make(map[string]error),
	}
}

func (f *fakeAPI) Create(ctx context.Context, rec *report.QueuedReport, mediaURLs []string) (string, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.onCreate != nil {
		f.onCreate(rec)
	}

	f.mu.Lock()
	f.calls = append(f.calls, rec.ID)
	f.mediaURLs[rec.ID] = mediaURLs
	err := f.failFor[rec.ID]
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	return "srv-" + rec.ID, nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeUploader returns a canned result.
type fakeUploader struct {
	mu     sync.Mutex
	calls  [][]string
	result remote.UploadResult
	err    error
	panics bool
}

func (f *fakeUploader) UploadMany(ctx context.Context, userID string, paths []string) (remote.UploadResult, error) {
	if f.panics {
		panic("uploader exploded")
	}
	f.mu.Lock()
	f.calls = append(f.calls, paths)
	f.mu.Unlock()
	return f.result, f.err
}

type testEnv struct {
	store    *queue.Store
	bus      *events.Bus
	conn     *fakeConn
	api      *fakeAPI
	uploader *fakeUploader
	engine   *Engine

	mu     sync.Mutex
	events []events.Event
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()

	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	env := &testEnv{
		store:    store,
		bus:      events.NewBus(log.New(os.Stderr, "[test] ", 0)),
		conn:     &fakeConn{online: true},
		api:      newFakeAPI(),
		uploader: &fakeUploader{},
	}

	env.bus.Subscribe(func(evt events.Event) {
		env.mu.Lock()
		env.events = append(env.events, evt)
		env.mu.Unlock()
	})

	eng, err := New(store, env.bus, env.conn, env.api, env.uploader, &Config{
		Interval: 20 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	env.engine = eng

	return env
}

func (env *testEnv) enqueue(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := env.store.EnqueueReport(&report.QueuedReport{
			UserID:       "user-1",
			IncidentType: "fire",
			Location:     fmt.Sprintf("block %d", i+1),
		})
		if err != nil {
			t.Fatalf("EnqueueReport failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func (env *testEnv) eventsOf(typ events.Type) []events.Event {
	env.mu.Lock()
	defer env.mu.Unlock()
	var out []events.Event
	for _, evt := range env.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestPassSyncsAllPending(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	env.enqueue(t, 3)

	result := env.engine.Sync(ctx)

	if !result.Ran {
		t.Fatal("expected pass to run")
	}
	if result.Synced != 3 || result.Failed != 0 {
		t.Errorf("expected 3 synced / 0 failed, got %d / %d", result.Synced, result.Failed)
	}

	recs, err := env.store.ListReports(ctx)
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("synced reports must be removed, %d remain", len(recs))
	}

	status, err := env.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.PendingCount != 0 {
		t.Errorf("expected pending count 0, got %d", status.PendingCount)
	}
	if status.LastSyncTime == nil {
		t.Error("expected last sync time to be stamped")
	}

	if got := env.eventsOf(events.TypeSyncStarted); len(got) != 1 {
		t.Errorf("expected 1 sync_started, got %d", len(got))
	}
	completed := env.eventsOf(events.TypeSyncCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 sync_completed, got %d", len(completed))
	}
	if completed[0].Synced != 3 || completed[0].Failed != 0 {
		t.Errorf("unexpected counts in sync_completed: %+v", completed[0])
	}
	if got := env.eventsOf(events.TypeReportSynced); len(got) != 3 {
		t.Errorf("expected 3 report_synced events, got %d", len(got))
	}
}

func TestConcurrentPassIsNoop(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	env.enqueue(t, 1)

	env.api.block = make(chan struct{})
	env.api.started = make(chan struct{}, 1)

	done := make(chan PassResult, 1)
	go func() { done <- env.engine.Sync(ctx) }()

	// Wait until the first pass is inside a submission
	select {
	case <-env.api.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first pass never reached the API")
	}

	second := env.engine.Sync(ctx)
	if second.Ran {
		t.Error("reentrant pass must be a no-op")
	}

	close(env.api.block)
	first := <-done
	if !first.Ran || first.Synced != 1 {
		t.Errorf("first pass should have synced 1, got %+v", first)
	}

	// Exactly one pass executed
	if got := env.eventsOf(events.TypeSyncStarted); len(got) != 1 {
		t.Errorf("expected 1 sync_started, got %d", len(got))
	}
	if env.api.callCount() != 1 {
		t.Errorf("expected 1 submission, got %d", env.api.callCount())
	}
}

func TestOfflinePassMutatesNothing(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	env.conn.set(false)
	ids := env.enqueue(t, 2)

	result := env.engine.Sync(ctx)

	if result.Ran {
		t.Error("offline pass must not run")
	}
	if env.api.callCount() != 0 {
		t.Errorf("offline pass must not touch the API, got %d calls", env.api.callCount())
	}

	for _, id := range ids {
		rec, err := env.store.GetReport(ctx, id)
		if err != nil {
			t.Fatalf("GetReport failed: %v", err)
		}
		if rec.SyncStatus != report.StatusPending {
			t.Errorf("record %s status changed to %s", id, rec.SyncStatus)
		}
		if rec.SyncAttempts != 0 {
			t.Errorf("record %s attempts changed to %d", id, rec.SyncAttempts)
		}
	}

	env.mu.Lock()
	n := len(env.events)
	env.mu.Unlock()
	if n != 0 {
		t.Errorf("offline pass must not emit events, got %d", n)
	}
}

func TestSyncNowOfflineReturnsError(t *testing.T) {
	env := setupEngine(t)
	env.conn.set(false)

	_, err := env.engine.SyncNow(context.Background())
	if !errors.Is(err, ErrOffline) {
		t.Errorf("expected ErrOffline, got %v", err)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	ids := env.enqueue(t, 3)

	env.api.failFor[ids[1]] = errors.New("gateway timeout")

	result := env.engine.Sync(ctx)

	if result.Synced != 2 || result.Failed != 1 {
		t.Errorf("expected 2 synced / 1 failed, got %d / %d", result.Synced, result.Failed)
	}

	// Records 1 and 3 removed, record 2 errored with a message
	if _, err := env.store.GetReport(ctx, ids[0]); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("record 1 should be removed, got %v", err)
	}
	if _, err := env.store.GetReport(ctx, ids[2]); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("record 3 should be removed, got %v", err)
	}

	rec, err := env.store.GetReport(ctx, ids[1])
	if err != nil {
		t.Fatalf("record 2 should remain: %v", err)
	}
	if rec.SyncStatus != report.StatusError {
		t.Errorf("expected error status, got %s", rec.SyncStatus)
	}
	if rec.ErrorMessage == "" {
		t.Error("expected non-empty error message")
	}

	failed := env.eventsOf(events.TypeSyncFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 sync_failed, got %d", len(failed))
	}
	if failed[0].Synced != 2 || failed[0].Failed != 1 {
		t.Errorf("unexpected counts in sync_failed: %+v", failed[0])
	}
	if got := env.eventsOf(events.TypeSyncCompleted); len(got) != 0 {
		t.Errorf("pass with failures must not emit sync_completed")
	}
	perItem := env.eventsOf(events.TypeReportFailed)
	if len(perItem) != 1 || perItem[0].ReportID != ids[1] {
		t.Errorf("expected report_failed for %s, got %v", ids[1], perItem)
	}
}

func TestDraftIsolation(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	draftID, err := env.store.SaveDraft(&report.QueuedReport{
		UserID:       "user-1",
		IncidentType: "medical",
		Location:     "clinic",
	})
	if err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}

	// Automatic pass must never pick up a pending draft
	env.engine.Sync(ctx)
	if env.api.callCount() != 0 {
		t.Fatalf("pending draft was submitted by an automatic pass")
	}

	// Promote while offline so no background pass races the assertion
	env.conn.set(false)
	if err := env.engine.PromoteDraft(ctx, draftID); err != nil {
		t.Fatalf("PromoteDraft failed: %v", err)
	}
	env.conn.set(true)

	result := env.engine.Sync(ctx)
	if result.Synced != 1 {
		t.Fatalf("expected promoted draft to sync, got %+v", result)
	}

	// Draft deleted outright, never copied into the offline collection
	if _, err := env.store.GetDraft(ctx, draftID); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("synced draft should be deleted, got %v", err)
	}
	reports, _ := env.store.ListReports(ctx)
	if len(reports) != 0 {
		t.Errorf("draft must never appear among offline reports")
	}
}

func TestRetryGrowsAttempts(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	ids := env.enqueue(t, 1)
	id := ids[0]

	env.api.failFor[id] = errors.New("503 service unavailable")
	env.engine.Sync(ctx)

	rec, err := env.store.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if rec.SyncStatus != report.StatusError || rec.SyncAttempts != 1 {
		t.Fatalf("expected errored with 1 attempt, got %s/%d", rec.SyncStatus, rec.SyncAttempts)
	}

	// Intercept the pre-removal state at submission time
	var attemptsAtSubmit int
	env.api.onCreate = func(r *report.QueuedReport) {
		if current, err := env.store.GetReport(ctx, r.ID); err == nil {
			attemptsAtSubmit = current.SyncAttempts
		}
	}

	delete(env.api.failFor, id)
	result, err := env.engine.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if result.Synced != 1 {
		t.Fatalf("expected retry to sync, got %+v", result)
	}

	if attemptsAtSubmit < 2 {
		t.Errorf("expected >= 2 attempts before removal, got %d", attemptsAtSubmit)
	}
	if _, err := env.store.GetReport(ctx, id); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("retried record should be removed after success, got %v", err)
	}
}

func TestReconnectTriggersPass(t *testing.T) {
	env := setupEngine(t)
	env.conn.set(false)
	env.enqueue(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.engine.Start(ctx)
	defer env.engine.Stop()

	// Still queued while offline
	time.Sleep(50 * time.Millisecond)
	if env.api.callCount() != 0 {
		t.Fatal("reports submitted while offline")
	}

	env.conn.set(true)
	env.bus.Publish(events.Event{Type: events.TypeNetworkChanged, Online: true})

	waitFor(t, 2*time.Second, func() bool {
		recs, err := env.store.ListReports(context.Background())
		return err == nil && len(recs) == 0
	})
}

func TestMediaPartialFailureStillSubmits(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	env.uploader.result = remote.UploadResult{
		URLs:   []string{"https://cdn/a.jpg"},
		Errors: []string{"b.jpg: too large"},
	}

	id, err := env.store.EnqueueReport(&report.QueuedReport{
		UserID:       "user-1",
		IncidentType: "fire",
		Location:     "warehouse",
		MediaPaths:   []string{"/tmp/a.jpg", "/tmp/b.jpg"},
	})
	if err != nil {
		t.Fatalf("EnqueueReport failed: %v", err)
	}

	result := env.engine.Sync(ctx)
	if result.Synced != 1 || result.Failed != 0 {
		t.Fatalf("partial media failure must not fail the item, got %+v", result)
	}

	env.api.mu.Lock()
	urls := env.api.mediaURLs[id]
	env.api.mu.Unlock()
	if len(urls) != 1 || urls[0] != "https://cdn/a.jpg" {
		t.Errorf("expected submission with the successful url, got %v", urls)
	}
}

func TestMediaTotalFailureMarksError(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	env.uploader.err = errors.New("upload service unreachable")

	id, err := env.store.EnqueueReport(&report.QueuedReport{
		UserID:       "user-1",
		IncidentType: "fire",
		Location:     "warehouse",
		MediaPaths:   []string{"/tmp/a.jpg"},
	})
	if err != nil {
		t.Fatalf("EnqueueReport failed: %v", err)
	}

	result := env.engine.Sync(ctx)
	if result.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", result)
	}
	if env.api.callCount() != 0 {
		t.Error("submission must not be attempted after total upload failure")
	}

	rec, err := env.store.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if rec.SyncStatus != report.StatusError {
		t.Errorf("expected error status, got %s", rec.SyncStatus)
	}
}

func TestPassPanicEmitsSyncFailed(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	env.uploader.panics = true

	id, err := env.store.EnqueueReport(&report.QueuedReport{
		UserID:       "user-1",
		IncidentType: "fire",
		Location:     "warehouse",
		MediaPaths:   []string{"/tmp/a.jpg"},
	})
	if err != nil {
		t.Fatalf("EnqueueReport failed: %v", err)
	}

	result := env.engine.Sync(ctx)
	if result.Failed == 0 {
		t.Errorf("expected failure counted after panic, got %+v", result)
	}

	if got := env.eventsOf(events.TypeSyncFailed); len(got) != 1 {
		t.Errorf("expected 1 sync_failed after panic, got %d", len(got))
	}

	// The record stays at its last durable status for the next pass
	rec, err := env.store.GetReport(ctx, id)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if rec.SyncStatus != report.StatusSyncing {
		t.Errorf("expected record left in syncing, got %s", rec.SyncStatus)
	}

	// A later pass can run again: the guard was released
	env.uploader.panics = false
	env.uploader.result = remote.UploadResult{URLs: []string{"https://cdn/a.jpg"}}
	second := env.engine.Sync(ctx)
	if !second.Ran {
		t.Error("guard not released after panicked pass")
	}
}

func TestSubmitDirect(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	// Online success
	res, err := env.engine.SubmitDirect(ctx, &report.QueuedReport{
		UserID:       "user-1",
		IncidentType: "fire",
		Location:     "market",
	})
	if err != nil {
		t.Fatalf("SubmitDirect failed: %v", err)
	}
	if res.ServerID == "" || res.QueuedID != "" {
		t.Errorf("expected direct success, got %+v", res)
	}

	// Rate limited: surfaced, not queued
	rec := &report.QueuedReport{UserID: "user-1", IncidentType: "fire", Location: "market"}
	rec.SetDefaults()
	env.api.failFor[rec.ID] = remote.ErrRateLimited
	if _, err := env.engine.SubmitDirect(ctx, rec); !errors.Is(err, remote.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	reports, _ := env.store.ListReports(ctx)
	if len(reports) != 0 {
		t.Errorf("rate-limited submission must not be queued, found %d", len(reports))
	}

	// Generic failure falls back to the queue
	rec2 := &report.QueuedReport{UserID: "user-1", IncidentType: "fire", Location: "market"}
	rec2.SetDefaults()
	env.api.failFor[rec2.ID] = errors.New("boom")
	res, err = env.engine.SubmitDirect(ctx, rec2)
	if err != nil {
		t.Fatalf("SubmitDirect fallback failed: %v", err)
	}
	if res.QueuedID == "" {
		t.Error("expected fallback to queue")
	}

	// Offline goes straight to the queue without touching the API
	env.conn.set(false)
	before := env.api.callCount()
	res, err = env.engine.SubmitDirect(ctx, &report.QueuedReport{
		UserID:       "user-1",
		IncidentType: "fire",
		Location:     "market",
	})
	if err != nil {
		t.Fatalf("offline SubmitDirect failed: %v", err)
	}
	if res.QueuedID == "" {
		t.Error("expected offline submission to queue")
	}
	if env.api.callCount() != before {
		t.Error("offline submission must not call the API")
	}
}

func TestStartRunsImmediatePass(t *testing.T) {
	env := setupEngine(t)
	env.enqueue(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.engine.Start(ctx)
	defer env.engine.Stop()

	waitFor(t, 2*time.Second, func() bool {
		recs, err := env.store.ListReports(context.Background())
		return err == nil && len(recs) == 0
	})
}
