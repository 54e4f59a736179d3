// Package gateway is the subscriber-facing WebSocket server. Admission runs
// shutdown flag, then connection rate limit, then resource guard, then the
// connection semaphore before the upgrade; broadcast pushes pre-serialized
// frames at copy-on-write room snapshots with a three-strike slow-client
// policy.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/config"
	"github.com/marketwire/streamgate/internal/limits"
	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// Close code for a reconnect frame without lastReceiveTimestamp.
const closeCodeReconnectNoTimestamp = 4400

const slowClientMaxStrikes = 3

// IntentHandler receives parsed client intents. Implemented by the core
// orchestrator; the gateway stays transport-only.
type IntentHandler interface {
	HandleSubscribe(clientID string, symbols []string, capability, preferredProvider string) (subscribed, failed []string, err error)
	HandleUnsubscribe(clientID string, symbols []string) (removed []string, err error)
	HandleHeartbeat(clientID string)
	HandleReconnect(intent ReconnectIntent) (resubscribed []string, err error)
	HandleDisconnect(clientID string)
}

// ReconnectIntent is a validated reconnect request handed to the core.
// MaxRecoveryWindow is the client's requested cap in milliseconds; zero
// means the server default applies.
type ReconnectIntent struct {
	ClientID             string
	Symbols              []string
	LastReceiveTimestamp int64
	MaxRecoveryWindow    int64
	Capability           string
	PreferredProvider    string
	Capabilities         types.ClientCapabilities
}

// Server owns the HTTP listener, the room index, and every live client.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	audit  *monitoring.AuditLogger

	handler IntentHandler

	rooms   *RoomIndex
	pool    *clientPool
	connSem chan struct{}

	clientsMu sync.RWMutex
	clients   map[string]*Client // session id and reconnect aliases

	rateLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard

	stats        *types.GatewayStats
	currentConns int64

	httpServer   *http.Server
	shuttingDown int32
}

// NewServer builds the gateway. SetHandler must be called before Start.
func NewServer(cfg *config.Config, guard *limits.ResourceGuard, rateLimiter *limits.ConnectionRateLimiter, audit *monitoring.AuditLogger, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "gateway").Logger(),
		audit:       audit,
		rooms:       NewRoomIndex(),
		pool:        newClientPool(cfg.SendBufferSize, cfg.ClientMsgRate, cfg.ClientMsgBurst),
		connSem:     make(chan struct{}, cfg.MaxConnections),
		clients:     make(map[string]*Client),
		rateLimiter: rateLimiter,
		guard:       guard,
		stats:       types.NewGatewayStats(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", monitoring.HandleMetrics)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}
	return s
}

// SetHandler wires the intent handler.
func (s *Server) SetHandler(h IntentHandler) { s.handler = h }

// SetResourceGuard installs the admission guard. The guard needs the live
// connection counter, which this server owns, so it arrives after New.
func (s *Server) SetResourceGuard(guard *limits.ResourceGuard) { s.guard = guard }

// Stats exposes the transport counters for /healthz and the collector.
func (s *Server) Stats() *types.GatewayStats { return s.stats }

// CurrentConnsPtr hands the live connection counter to the resource guard.
func (s *Server) CurrentConnsPtr() *int64 { return &s.currentConns }

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Gateway listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops admission, closes every client with a going-away frame,
// and drains within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	if s.audit != nil {
		s.audit.Info(monitoring.EventServerShutdown, "Gateway shutting down", map[string]any{
			"connections": atomic.LoadInt64(&s.currentConns),
		})
	}

	s.clientsMu.RLock()
	open := make([]*Client, 0, len(s.clients))
	seen := make(map[*Client]struct{}, len(s.clients))
	for _, c := range s.clients {
		if _, dup := seen[c]; !dup {
			seen[c] = struct{}{}
			open = append(open, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range open {
		s.closeClient(c, ws.StatusGoingAway, "server shutting down")
	}

	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	for atomic.LoadInt64(&s.currentConns) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	return s.httpServer.Shutdown(ctx)
}

// IsServerAvailable reports whether broadcasts can be accepted.
func (s *Server) IsServerAvailable() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 0
}

// HealthCheck returns a status string plus detail for health endpoints.
func (s *Server) HealthCheck() (string, map[string]any) {
	status := "ok"
	if !s.IsServerAvailable() {
		status = "shutting_down"
	}
	return status, map[string]any{
		"connections": atomic.LoadInt64(&s.currentConns),
		"rooms":       s.rooms.Count(),
		"uptime_sec":  int64(time.Since(s.stats.StartTime).Seconds()),
	}
}

// BroadcastToRoom pushes one pre-serialized frame to every member. The
// frame bytes are shared across members; nothing here mutates them. Returns
// false only when members exist and none accepted the frame.
func (s *Server) BroadcastToRoom(room, _ string, payload []byte) bool {
	members := s.rooms.Get(room)
	if len(members) == 0 {
		return true
	}

	delivered := 0
	for _, c := range members {
		if s.sendToClientStruct(c, room, payload) {
			delivered++
		}
	}
	return delivered > 0
}

// SendToClient delivers a frame to one client by id or reconnect alias.
// Used by the recovery pool; false means the client is gone.
func (s *Server) SendToClient(clientID string, payload []byte) bool {
	s.clientsMu.RLock()
	c := s.clients[clientID]
	s.clientsMu.RUnlock()
	if c == nil {
		return false
	}
	return s.sendToClientStruct(c, "", payload)
}

// sendToClientStruct is the non-blocking send with the three-strike slow
// client policy: a full buffer bumps the strike counter, three consecutive
// full buffers disconnect with 1008, and any successful send resets it.
func (s *Server) sendToClientStruct(c *Client, room string, payload []byte) bool {
	select {
	case c.send <- payload:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true
	default:
	}

	if room != "" {
		monitoring.RecordDroppedFrameWithStats(s.stats, room, monitoring.DropReasonBufferFull)
	}

	strikes := atomic.AddInt32(&c.sendAttempts, 1)
	if strikes == slowClientMaxStrikes-1 && atomic.CompareAndSwapInt32(&c.slowClientWarned, 0, 1) {
		s.logger.Warn().
			Str("client_id", c.id).
			Int32("strikes", strikes).
			Msg("Client falling behind, one strike from disconnect")
	}
	if strikes >= slowClientMaxStrikes {
		monitoring.RecordSlowClientAttempt(int(strikes))
		monitoring.IncrementSlowClientDisconnects()
		atomic.AddInt64(&s.stats.SlowClientsDisconnected, 1)
		if s.audit != nil {
			s.audit.ForClient(monitoring.WARNING, c.id, monitoring.EventSlowClientDisconnected,
				"Client too slow to process messages", map[string]any{
					"strikes": strikes,
					"room":    room,
				})
		}
		s.closeClient(c, ws.StatusPolicyViolation, "too slow to process messages")
	}
	return false
}

// RegisterAlias maps a client-supplied recovery id onto a live connection
// so recovery frames scheduled under the old id still land.
func (s *Server) RegisterAlias(alias string, c *Client) {
	if alias == "" || alias == c.id {
		return
	}
	s.clientsMu.Lock()
	s.clients[alias] = c
	s.clientsMu.Unlock()
}

// closeClient writes a close frame and tears the connection down once.
func (s *Server) closeClient(c *Client, code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		conn := c.conn
		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			body := ws.NewCloseFrameBody(code, reason)
			_ = ws.WriteFrame(conn, ws.NewCloseFrame(body))
			conn.Close()
		}
	})
}

// disconnectClient is the single cleanup path shared by both pumps.
func (s *Server) disconnectClient(c *Client, reason, initiatedBy string) {
	s.clientsMu.Lock()
	if s.clients[c.id] != c {
		// Already cleaned up by the other pump.
		s.clientsMu.Unlock()
		return
	}
	for id, registered := range s.clients {
		if registered == c {
			delete(s.clients, id)
		}
	}
	s.clientsMu.Unlock()

	s.closeClient(c, ws.StatusNormalClosure, reason)
	c.leaveAllRooms()

	if s.handler != nil {
		s.handler.HandleDisconnect(c.id)
	}

	conns := atomic.AddInt64(&s.currentConns, -1)
	atomic.AddInt64(&s.stats.CurrentConnections, -1)
	monitoring.SetActiveConnections(conns)
	monitoring.RecordDisconnectWithStats(s.stats, reason, initiatedBy, time.Since(c.connectedAt))
	<-s.connSem

	s.logger.Debug().
		Str("client_id", c.id).
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("session", time.Since(c.connectedAt)).
		Msg("Client disconnected")

	s.pool.put(c)
}

// handleWebSocket runs the admission chain and upgrades the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)

	if s.rateLimiter != nil && !s.rateLimiter.CheckConnectionAllowed(ip) {
		monitoring.IncrementConnectionRateLimit(monitoring.RateLimitScopePerIP)
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	if s.guard != nil {
		if accept, reason := s.guard.ShouldAcceptConnection(); !accept {
			monitoring.IncrementCapacityRejection(reason)
			if s.audit != nil {
				s.audit.Warning(monitoring.EventServerAtCapacity, "Connection rejected at capacity", map[string]any{
					"reason": reason,
					"ip":     ip,
				})
			}
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	select {
	case s.connSem <- struct{}{}:
	default:
		monitoring.IncrementCapacityRejection(monitoring.CapacityRejectMaxConnections)
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		s.logger.Warn().Err(err).Str("ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	c := s.pool.get()
	c.conn = conn
	c.server = s
	c.id = uuid.NewString()
	c.ip = ip

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()

	conns := atomic.AddInt64(&s.currentConns, 1)
	atomic.AddInt64(&s.stats.TotalConnections, 1)
	atomic.AddInt64(&s.stats.CurrentConnections, 1)
	monitoring.IncrementConnections()
	monitoring.SetActiveConnections(conns)

	s.logger.Debug().Str("client_id", c.id).Str("ip", ip).Msg("Client connected")

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status, detail := s.HealthCheck()

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"detail": detail,
	})
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
