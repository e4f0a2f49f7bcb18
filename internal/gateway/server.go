// Package gateway is the WebSocket JSON-RPC 2.0 surface. It authenticates
// clients, routes method calls onto the orchestrator, tool runtime, approval
// flow and session store, and fans bus events out as notifications.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/munlucky/moonbot/internal/approvals"
	"github.com/munlucky/moonbot/internal/bus"
	"github.com/munlucky/moonbot/internal/config"
	"github.com/munlucky/moonbot/internal/orchestrator"
	"github.com/munlucky/moonbot/internal/sessions"
	"github.com/munlucky/moonbot/internal/tools"
	"github.com/munlucky/moonbot/pkg/protocol"
)

// drainTimeout bounds the shutdown grace period for in-flight connections.
const drainTimeout = 5 * time.Second

// Server is the gateway process: one HTTP listener, one WebSocket endpoint,
// and the method router binding the execution plane to connected clients.
type Server struct {
	cfg       *config.Config
	events    bus.EventPublisher
	orch      *orchestrator.Orchestrator
	runtime   *tools.Runtime
	approvals *approvals.Manager
	sessions  *sessions.Manager
	router    *methodRouter

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*Client

	httpServer *http.Server
	started    time.Time

	// cfgPath, when set, lets config.patch persist changes to disk.
	cfgPath string
}

// SetConfigPath enables config.patch persistence. Without it patches apply
// in memory only.
func (s *Server) SetConfigPath(path string) { s.cfgPath = path }

// NewServer wires the gateway to the execution plane and subscribes it to
// the event bus so notifications reach every connection.
func NewServer(cfg *config.Config, events bus.EventPublisher, orch *orchestrator.Orchestrator, rt *tools.Runtime, mgr *approvals.Manager, sess *sessions.Manager) *Server {
	s := &Server{
		cfg:       cfg,
		events:    events,
		orch:      orch,
		runtime:   rt,
		approvals: mgr,
		sessions:  sess,
		clients:   make(map[string]*Client),
		started:   time.Now().UTC(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = newMethodRouter(s)

	events.Subscribe("gateway", func(ev bus.Event) {
		if forwardToClients(ev.Name) {
			s.broadcast(ev.Name, ev.Payload)
		}
	})
	return s
}

// forwardToClients reports whether a bus event becomes a client notification.
// Chat responses, approval lifecycle and task progress all go out; internal
// events stay on the bus.
func forwardToClients(name string) bool {
	switch name {
	case protocol.EventChatResponse,
		protocol.EventApprovalRequested,
		protocol.EventApprovalResolved,
		protocol.EventApprovalUpdated:
		return true
	}
	return strings.HasPrefix(name, "task.") || strings.HasPrefix(name, "tool.")
}

// checkOrigin validates the Origin header against the configured allowlist.
// Non-browser clients send no Origin header and are always admitted.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	slog.Warn("origin rejected", "origin", origin)
	return false
}

// requiresAuth reports whether clients must pass the token handshake. With
// no token configured the listener is loopback-only, so the handshake is a
// plain hello.
func (s *Server) requiresAuth(c *Client) bool {
	return s.cfg.Gateway.TokenHash != ""
}

// limitsFor returns the per-connection rate budget. Authenticated clients
// get the full budget, anonymous ones the stricter anonymous budget.
func (s *Server) limitsFor(authorized bool) (rpm, maxInFlight int) {
	rateRPM, anonRPM, _ := s.cfg.Snapshot()
	rpm = anonRPM
	if authorized {
		rpm = rateRPM
	}
	return rpm, s.cfg.Gateway.MaxInFlight
}

// Start serves until the context is cancelled, then drains and shuts down.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway listening", "addr", addr)

	go func() {
		<-ctx.Done()
		s.Drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Drain tells every client the gateway is going away and closes connections
// after a short flush window.
func (s *Server) Drain() {
	s.broadcast(protocol.EventShutdown, map[string]any{"reason": "shutdown"})
	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	loopback := isLoopback(r.RemoteAddr)
	// Without a configured token the gateway is loopback-only.
	if !loopback && s.cfg.Gateway.TokenHash == "" {
		slog.Warn("rejected non-loopback connection, no token configured", "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s, loopback)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	client.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%q}`, protocol.Version)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "client", c.id, "total", len(s.clients))
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "client", c.id, "total", len(s.clients))
}

// broadcast pushes a notification to every connection. Best effort: one
// saturated client never blocks the rest.
func (s *Server) broadcast(method string, params any) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.sendEvent(method, params)
	}
}

// ClientCount reports connected clients, surfaced by gateway.info.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Uptime reports how long the gateway has been up.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}
