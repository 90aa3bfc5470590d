// Package dashboard provides a real-time WebSocket view of sync activity.
//
// The server relays every sync lifecycle event to connected clients and
// follows each one with a freshly recomputed sync-status snapshot, so a UI
// never has to maintain its own copy of the projection.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/queue"
)

// MessageType distinguishes the two broadcast payloads.
type MessageType string

const (
	// MessageTypeEvent wraps a sync lifecycle event.
	MessageTypeEvent MessageType = "event"

	// MessageTypeStatus wraps a recomputed sync-status snapshot.
	MessageTypeStatus MessageType = "status"
)

// Message is one dashboard broadcast frame.
type Message struct {
	Type      MessageType   `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Event     *events.Event `json:"event,omitempty"`
	Status    *queue.Status `json:"status,omitempty"`
}

// StatusFunc recomputes the current sync-status projection.
type StatusFunc func(ctx context.Context) (*queue.Status, error)

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8790). Use 0 for an ephemeral port.
	Port int

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8790,
		Logger: log.Default(),
	}
}

// Server manages WebSocket connections and broadcasts sync activity.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	bus    *events.Bus
	status StatusFunc

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx         context.Context
	cancelCtx   context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server fed by the given bus. statusFn is
// called after every event to produce the follow-up snapshot.
func NewServer(bus *events.Bus, statusFn StatusFunc, config *Config) (*Server, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if statusFn == nil {
		return nil, fmt.Errorf("status func cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		bus:       bus,
		status:    statusFn,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancelCtx: cancel,
		logger:    config.Logger,
	}, nil
}

// Start begins the HTTP server and subscribes to the bus.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.unsubscribe = s.bus.Subscribe(s.relayEvent)

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard")

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancelCtx()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// relayEvent queues an event frame and its follow-up status frame.
func (s *Server) relayEvent(evt events.Event) {
	s.enqueue(Message{Type: MessageTypeEvent, Event: &evt})

	status, err := s.status(s.ctx)
	if err != nil {
		s.logger.Printf("Failed to recompute status: %v", err)
		return
	}
	s.enqueue(Message{Type: MessageTypeStatus, Status: status})
}

func (s *Server) enqueue(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// Greet with the current snapshot so the client renders immediately
	if status, err := s.status(r.Context()); err == nil {
		if data, err := json.Marshal(Message{
			Type:      MessageTypeStatus,
			Timestamp: time.Now().UTC(),
			Status:    status,
		}); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleStatus returns the current sync-status projection as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
