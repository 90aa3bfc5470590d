// Package netmon observes network connectivity and exposes the current
// online/offline state plus change notifications over the event bus.
package netmon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/reliefops/fieldsync/internal/events"
)

// Probe reports whether the network is currently reachable.
type Probe func(ctx context.Context) bool

// DialProbe returns a probe that attempts a TCP dial to addr with the given
// timeout. This is the default connectivity check.
func DialProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// Config holds monitor configuration.
type Config struct {
	// Probe checks reachability. Required unless set by DefaultConfig.
	Probe Probe

	// PollInterval is how often the probe runs (default: 10s).
	PollInterval time.Duration

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. The default probe dials a public
// resolver, which answers on any network with outbound connectivity.
func DefaultConfig() *Config {
	return &Config{
		Probe:        DialProbe("1.1.1.1:443", 3*time.Second),
		PollInterval: 10 * time.Second,
		Logger:       log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor tracks connectivity state and emits exactly one network_changed
// event per actual transition. Repeated identical observations are silent.
type Monitor struct {
	config *Config
	bus    *events.Bus

	mu     sync.Mutex
	online bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor publishing transitions on bus.
func New(bus *events.Bus, config *Config) (*Monitor, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Probe == nil {
		return nil, fmt.Errorf("probe cannot be nil")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	return &Monitor{
		config: config,
		bus:    bus,
	}, nil
}

// IsOnline returns the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records an observed connectivity state. On an actual transition
// it publishes one network_changed event; a repeated identical state does
// nothing. Exposed so platforms with their own reachability callbacks can
// drive the monitor directly.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	m.config.Logger.Printf("Network changed: online=%v", online)
	m.bus.Publish(events.Event{Type: events.TypeNetworkChanged, Online: online})
}

// Start probes immediately, then keeps probing on the poll interval until
// the context is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.SetOnline(m.config.Probe(ctx))

	m.wg.Add(1)
	go m.pollLoop(ctx)
}

// Stop halts probing. The last observed state remains readable.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			m.SetOnline(m.config.Probe(ctx))
		}
	}
}
