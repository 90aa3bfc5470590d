package netmon

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/reliefops/fieldsync/internal/events"
)

func testMonitor(t *testing.T, probe Probe) (*Monitor, *events.Bus) {
	t.Helper()

	bus := events.NewBus(log.New(os.Stderr, "[test] ", 0))
	m, err := New(bus, &Config{
		Probe:        probe,
		PollInterval: 10 * time.Millisecond,
		Logger:       log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	return m, bus
}

func TestSetOnlineEmitsOncePerTransition(t *testing.T) {
	m, bus := testMonitor(t, func(context.Context) bool { return false })

	var mu sync.Mutex
	var got []bool
	bus.Subscribe(func(evt events.Event) {
		if evt.Type != events.TypeNetworkChanged {
			return
		}
		mu.Lock()
		got = append(got, evt.Online)
		mu.Unlock()
	})

	// Duplicate sets must not re-emit
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected online=%v, got %v", i, want[i], got[i])
		}
	}
}

func TestIsOnlineTracksState(t *testing.T) {
	m, _ := testMonitor(t, func(context.Context) bool { return false })

	if m.IsOnline() {
		t.Error("expected offline initially")
	}
	m.SetOnline(true)
	if !m.IsOnline() {
		t.Error("expected online after SetOnline(true)")
	}
}

func TestPollLoopDetectsTransition(t *testing.T) {
	var mu sync.Mutex
	online := false
	probe := func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		return online
	}

	m, bus := testMonitor(t, probe)

	transitions := make(chan bool, 8)
	bus.Subscribe(func(evt events.Event) {
		if evt.Type == events.TypeNetworkChanged {
			transitions <- evt.Online
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	mu.Lock()
	online = true
	mu.Unlock()

	select {
	case v := <-transitions:
		if !v {
			t.Errorf("expected online transition, got offline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition event")
	}
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	probe := DialProbe(ln.Addr().String(), time.Second)
	if !probe(context.Background()) {
		t.Error("expected probe to reach local listener")
	}

	addr := ln.Addr().String()
	ln.Close()
	dead := DialProbe(addr, 200*time.Millisecond)
	if dead(context.Background()) {
		t.Error("expected probe to fail against closed listener")
	}
}
