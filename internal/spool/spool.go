// Package spool ingests incident reports dropped as JSON files by the UI
// layer into the durable queue store.
//
// The UI writes a report file into <spool>/reports (or <spool>/drafts) and
// forgets about it; the watcher picks the file up, validates it, enqueues it,
// and removes the file. Invalid files are left in place so they can be
// inspected, and never block the rest of the spool.
package spool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/reliefops/fieldsync/internal/report"
)

// Ingestor receives validated spool records. Satisfied by the sync engine.
type Ingestor interface {
	Enqueue(ctx context.Context, rec *report.QueuedReport) (string, error)
	SaveDraft(ctx context.Context, rec *report.QueuedReport) (string, error)
}

// Config holds watcher configuration.
type Config struct {
	// DebounceInterval batches rapid writes to the same file (default: 100ms).
	DebounceInterval time.Duration

	// Logger for spool activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Watcher moves spool files into the queue store.
type Watcher struct {
	ingestor   Ingestor
	reportsDir string
	draftsDir  string
	config     *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> queued-at
	changeQueueMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a spool watcher over <dir>/reports and <dir>/drafts, creating
// both directories if needed.
func New(ingestor Ingestor, dir string, config *Config) (*Watcher, error) {
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	reportsDir := filepath.Join(dir, "reports")
	draftsDir := filepath.Join(dir, "drafts")
	for _, d := range []string{reportsDir, draftsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory %s: %w", d, err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		ingestor:    ingestor,
		reportsDir:  reportsDir,
		draftsDir:   draftsDir,
		config:      config,
		watcher:     fw,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start sweeps files already in the spool, then begins watching for new
// ones. Returns after the sweep; watching continues until Stop or context
// cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.sweep(ctx)

	if err := w.watcher.Add(w.reportsDir); err != nil {
		return fmt.Errorf("failed to watch reports spool: %w", err)
	}
	if err := w.watcher.Add(w.draftsDir); err != nil {
		return fmt.Errorf("failed to watch drafts spool: %w", err)
	}

	w.config.Logger.Printf("Watching spool: %s, %s", w.reportsDir, w.draftsDir)

	w.wg.Add(2)
	go w.watchFileEvents(ctx)
	go w.processChangeQueue(ctx)

	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
}

// sweep ingests everything already sitting in the spool directories.
func (w *Watcher) sweep(ctx context.Context) {
	for _, dir := range []string{w.reportsDir, w.draftsDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			w.config.Logger.Printf("Warning: failed to read spool %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			w.ingestFile(ctx, filepath.Join(dir, entry.Name()))
		}
	}
}

func (w *Watcher) watchFileEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()
	w.changeQueue[path] = time.Now()
}

func (w *Watcher) processChangeQueue(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges ingests files that have been quiet long enough.
func (w *Watcher) processPendingChanges(ctx context.Context) {
	w.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	for _, path := range ready {
		w.ingestFile(ctx, path)
	}
}

// ingestFile reads one spool file, hands it to the ingestor, and removes it.
// A file that fails to parse stays in place; a file that fails to enqueue
// stays in place and is retried on the next event or sweep.
func (w *Watcher) ingestFile(ctx context.Context, path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	rec, err := report.ReadSpoolFile(path)
	if err != nil {
		w.config.Logger.Printf("Warning: leaving invalid spool file %s: %v", filepath.Base(path), err)
		return
	}

	var id string
	if filepath.Dir(path) == w.draftsDir {
		id, err = w.ingestor.SaveDraft(ctx, rec)
	} else {
		id, err = w.ingestor.Enqueue(ctx, rec)
	}
	if err != nil {
		w.config.Logger.Printf("Warning: failed to ingest %s, will retry: %v", filepath.Base(path), err)
		return
	}

	if err := os.Remove(path); err != nil {
		w.config.Logger.Printf("Warning: failed to remove ingested spool file %s: %v", path, err)
	}

	w.config.Logger.Printf("Ingested %s as %s", filepath.Base(path), id)
}
