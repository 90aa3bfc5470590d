// Package events provides the in-process event bus broadcasting sync
// lifecycle events to interested observers (UI, dashboard, diagnostics).
package events

import (
	"log"
	"os"
	"sync"
	"time"
)

// Type identifies a lifecycle event.
type Type string

const (
	// TypeSyncStarted is emitted once at the beginning of a sync pass.
	TypeSyncStarted Type = "sync_started"

	// TypeSyncCompleted is emitted when a pass finishes with zero errors.
	TypeSyncCompleted Type = "sync_completed"

	// TypeSyncFailed is emitted when a pass finishes with one or more errors,
	// or when the pass itself fails outside the per-item scope.
	TypeSyncFailed Type = "sync_failed"

	// TypeReportSynced is emitted per item as it reaches the remote store.
	TypeReportSynced Type = "report_synced"

	// TypeReportFailed is emitted per item whose submission failed.
	TypeReportFailed Type = "report_failed"

	// TypeReportQueued is emitted when a new record enters the queue.
	TypeReportQueued Type = "report_queued"

	// TypeDraftPromoted is emitted when a user promotes a draft for syncing.
	TypeDraftPromoted Type = "draft_promoted"

	// TypeNetworkChanged is emitted on every connectivity transition,
	// exactly once per actual change.
	TypeNetworkChanged Type = "network_changed"
)

// Event is a lifecycle notification. Only the fields relevant to the type
// are populated.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// ReportID is set on per-item events.
	ReportID string `json:"report_id,omitempty"`

	// Online is set on network_changed events.
	Online bool `json:"online,omitempty"`

	// Synced and Failed carry pass-level counts on sync_completed/sync_failed.
	Synced int `json:"synced,omitempty"`
	Failed int `json:"failed,omitempty"`

	// Err is the failure reason on report_failed and sync_failed.
	Err string `json:"error,omitempty"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(Event)

// Bus multicasts events to any number of subscribers.
//
// A panicking subscriber is isolated: delivery continues to the remaining
// subscribers and the emitter is never crashed.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	logger   *log.Logger
}

// NewBus creates an event bus. If logger is nil, a default stderr logger
// is used.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish delivers the event to all current subscribers. The timestamp is
// stamped if the caller left it zero.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	// Deliver in subscription order
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
}

// deliver invokes one handler inside its own failure boundary.
func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("Subscriber panicked on %s event: %v", evt.Type, r)
		}
	}()
	h(evt)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
