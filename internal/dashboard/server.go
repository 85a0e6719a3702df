// Package dashboard serves daemon health over HTTP.
//
// The server only reads health snapshots; it never calls into the
// dispatcher or handlers. Snapshots are pushed to WebSocket clients on a
// fixed interval and whenever the daemon changes state.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mschirtzinger/vaultd/internal/health"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSnapshot carries a full health snapshot.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeState announces a lifecycle transition.
	MessageTypeState MessageType = "state"
)

// Message is the envelope written to WebSocket clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StateData is the payload of a state message.
type StateData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SnapshotSource provides the current health snapshot.
type SnapshotSource interface {
	Status() health.Snapshot
}

// Config holds server configuration
type Config struct {
	// Addr to listen on, host:port. Port 0 picks a free port.
	Addr string

	// BroadcastInterval between snapshot pushes (default: 2s).
	BroadcastInterval time.Duration

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Logger for server activity.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:7777",
		BroadcastInterval: 2 * time.Second,
	}
}

// Server manages WebSocket connections and the read-only HTTP endpoints.
type Server struct {
	cfg      Config
	source   SnapshotSource
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a dashboard server reading from source.
func NewServer(source SnapshotSource, cfg Config) *Server {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = d.BroadcastInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		source:    source,
		logger:    cfg.Logger.With("component", "dashboard"),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on the configured address and begins broadcasting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("dashboard shutdown: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return err
}

// Broadcast queues a message for every client. It never blocks.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// BroadcastState announces a lifecycle transition followed by a fresh
// snapshot.
func (s *Server) BroadcastState(from, to string) {
	data, _ := json.Marshal(StateData{From: from, To: to})
	s.Broadcast(Message{Type: MessageTypeState, Timestamp: time.Now(), Data: data})
	s.Broadcast(s.snapshotMessage())
}

func (s *Server) snapshotMessage() Message {
	data, err := json.Marshal(s.source.Status())
	if err != nil {
		s.logger.Error("failed to marshal snapshot", "error", err)
	}
	return Message{Type: MessageTypeSnapshot, Timestamp: time.Now(), Data: data}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.ClientCount() > 0 {
				s.send(s.snapshotMessage())
			}
		case msg := <-s.broadcast:
			s.send(msg)
		}
	}
}

func (s *Server) send(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", "error", err)
		return
	}

	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.logger.Debug("failed to send to client", "error", err)
			s.removeClient(conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "clients", count)

	// Each client starts with the current snapshot.
	welcome, _ := json.Marshal(s.snapshotMessage())
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the connection alive until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", "clients", count)
}

// handleHealth answers 200 only while the daemon is running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Status()
	code := http.StatusOK
	if !snap.Running() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  snap.State,
		"uptime":  snap.Uptime.Round(time.Second).String(),
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
