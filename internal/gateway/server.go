// Package gateway is the node's HTTP surface: health and metrics probes,
// provider webhook intake with the 200-then-async contract, the trigger
// webhook endpoint, and the /ws operational event stream.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/config"
	"github.com/tidewater-labs/concierge/internal/lease"
	"github.com/tidewater-labs/concierge/pkg/protocol"
)

// TenantChecker reports whether an inbound sender maps to a known tenant.
// The gateway uses it only to pick the unknown-tenant webhook response.
type TenantChecker interface {
	HasTenant(ctx context.Context, channel, senderID string) bool
}

// TriggerFirer routes authenticated trigger webhook deliveries.
type TriggerFirer interface {
	FireWebhook(triggerID uuid.UUID, payload []byte) (bool, error)
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      *config.Config
	version  string
	eventPub bus.EventPublisher
	router   bus.MessageRouter
	inbox    *Inbox
	tenants  TenantChecker
	triggers TriggerFirer
	secrets  TriggerSecrets

	upgrader    websocket.Upgrader
	rateLimiter *WebhookRateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	draining   atomic.Bool
	kick       chan struct{}
	dispatchWG sync.WaitGroup

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway. The inbox may be nil in tests that do not
// exercise webhook intake.
func NewServer(cfg *config.Config, version string, eventPub bus.EventPublisher, router bus.MessageRouter, inbox *Inbox) *Server {
	s := &Server{
		cfg:      cfg,
		version:  version,
		eventPub: eventPub,
		router:   router,
		inbox:    inbox,
		clients:  make(map[string]*Client),
		kick:     make(chan struct{}, 1),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The stream is operator tooling on a private listener; browser
		// origins are not part of the deployment model.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.rateLimiter = NewWebhookRateLimiter(defaultRateWindow, defaultRateMaxHits)
	return s
}

// SetTenantChecker installs the unknown-tenant lookup. Without one, every
// sender is treated as known.
func (s *Server) SetTenantChecker(tc TenantChecker) { s.tenants = tc }

// SetTriggerHooks installs the trigger webhook routing and secret lookup.
func (s *Server) SetTriggerHooks(tf TriggerFirer, ts TriggerSecrets) {
	s.triggers = tf
	s.secrets = ts
}

// SetDraining flips the health endpoint to 503. Call at shutdown start so
// load balancers stop routing before listeners close.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

// BuildMux creates and caches the mux with all routes registered. Call
// before Start when the mux is needed for additional listeners.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/webhooks/trigger/", s.handleTriggerWebhook)
	mux.HandleFunc("/webhooks/", s.handleChannelWebhook)

	s.mux = mux
	return mux
}

// Start listens until ctx is done, then shuts down gracefully. The webhook
// dispatcher runs alongside the listener.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	if s.inbox != nil {
		s.dispatchWG.Add(1)
		go s.dispatchInbox(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway: starting", "addr", addr)

	go func() {
		<-ctx.Done()
		s.SetDraining(true)
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	err := s.httpServer.ListenAndServe()
	s.dispatchWG.Wait()
	if err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// handleHealth reports liveness. 503 while draining.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "ok"
	code := http.StatusOK
	if s.draining.Load() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"version":%q,"timestamp":%q}`,
		status, s.version, time.Now().UTC().Format(time.RFC3339))
}

// handleWebSocket upgrades the connection and streams node events until the
// client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn)
	client.SendEvent(*protocol.NewHello(s.version, lease.Owner()))
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// BroadcastEvent pushes one frame to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("gateway: client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.eventPub.Unsubscribe(c.id)
	slog.Info("gateway: client disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	frame := protocol.NewEvent(protocol.EventShutdown, nil)
	for _, c := range clients {
		c.SendEvent(*frame)
		c.Close()
	}
}
