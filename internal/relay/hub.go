package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
)

const rosterTimeout = 2 * time.Second

// Hub implements GET /ws.
type Hub struct {
	cfg      config.Config
	verifier auth.Verifier
	roster   Roster
	metrics  *metrics.Metrics
	log      *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	closed  bool
	clients map[*client]struct{}
	byID    map[string]*client
	// joined is kept in join order; user_list follows it.
	joined []*client
}

// NewHub builds a hub for cfg. A nil roster keeps the roster in memory only.
func NewHub(cfg config.Config, roster Roster, m *metrics.Metrics, logger *slog.Logger) (*Hub, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if roster == nil {
		roster = NewMemoryRoster()
	}
	if cfg.RelayMaxMessageBytes <= 0 {
		cfg.RelayMaxMessageBytes = config.DefaultRelayMaxMessageBytes
	}
	if cfg.RelayMessagesPerSecond <= 0 {
		cfg.RelayMessagesPerSecond = config.DefaultRelayMessagesPerSecond
	}
	if cfg.RelayBurst <= 0 {
		cfg.RelayBurst = config.DefaultRelayBurst
	}
	if cfg.RelaySendBuffer <= 0 {
		cfg.RelaySendBuffer = config.DefaultRelaySendBuffer
	}

	return &Hub{
		cfg:      cfg,
		verifier: verifier,
		roster:   roster,
		metrics:  m,
		log:      logger,
		upgrader: websocket.Upgrader{
			// ServeHTTP applies the origin policy before upgrading.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		byID:    make(map[string]*client),
	}, nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := httpserver.OriginAllowed(r, h.cfg.AllowedOrigins); !ok {
		h.metrics.Inc(metrics.RelayOriginRejected)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if h.verifier != nil {
		cred, err := auth.CredentialFromRequest(h.cfg.AuthMode, r)
		if err == nil {
			err = h.verifier.Verify(cred)
		}
		if err != nil {
			h.metrics.Inc(metrics.RelayAuthFailed)
			h.log.Warn("relay auth rejected", "remote", r.RemoteAddr, "err", err)
			httpserver.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := uuid.NewString()
	c := &client{
		hub:     h,
		conn:    conn,
		id:      id,
		log:     h.log.With("peer_id", id, "remote", r.RemoteAddr),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RelayMessagesPerSecond), h.cfg.RelayBurst),
		send:    make(chan []byte, h.cfg.RelaySendBuffer),
		done:    make(chan struct{}),
	}
	if !h.register(c) {
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	h.metrics.Inc(metrics.RelayConnections)
	c.log.Debug("relay connection opened")

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	left := c.joined && h.byID[c.id] == c
	var slow []*client
	if left {
		delete(h.byID, c.id)
		for i, other := range h.joined {
			if other == c {
				h.joined = append(h.joined[:i], h.joined[i+1:]...)
				break
			}
		}
		slow = h.broadcastUserListLocked()
	}
	h.mu.Unlock()
	dropSlow(slow)

	if !left {
		return
	}
	h.metrics.Inc(metrics.RelayLeaves)
	c.log.Info("peer left", "name", c.name)

	ctx, cancel := context.WithTimeout(context.Background(), rosterTimeout)
	defer cancel()
	if err := h.roster.Leave(ctx, c.id); err != nil {
		h.metrics.Inc(metrics.RelayRosterError)
		c.log.Warn("roster leave failed", "err", err)
	}
}

func (h *Hub) dispatch(c *client, env signaling.Envelope) {
	switch env.Type {
	case signaling.MessageTypeJoin:
		h.join(c, env.Name)
		return
	case signaling.MessageTypePeerRequest,
		signaling.MessageTypePeerAccept,
		signaling.MessageTypePeerDecline,
		signaling.MessageTypeSignal:
	default:
		h.metrics.Inc(metrics.RelayInvalidMessage)
		c.sendError(signaling.ErrorCodeInvalidMessage, fmt.Sprintf("%s is only sent by the relay", env.Type))
		return
	}

	if !c.isJoined() {
		h.metrics.Inc(metrics.RelayNotJoined)
		c.sendError(signaling.ErrorCodeNotJoined, "send join before "+string(env.Type))
		return
	}
	if env.To == "" {
		h.metrics.Inc(metrics.RelayInvalidMessage)
		c.sendError(signaling.ErrorCodeInvalidMessage, string(env.Type)+": missing to")
		return
	}

	out := signaling.Envelope{
		Type:   env.Type,
		From:   c.id,
		Reason: env.Reason,
		Data:   env.Data,
	}
	if env.Type == signaling.MessageTypePeerRequest {
		out.FromName = c.name
	}
	b, err := out.Marshal()
	if err != nil {
		h.metrics.Inc(metrics.RelayInvalidMessage)
		c.sendError(signaling.ErrorCodeInvalidMessage, err.Error())
		return
	}

	h.mu.Lock()
	target := h.byID[env.To]
	h.mu.Unlock()
	if target == nil {
		h.metrics.Inc(metrics.RelayUnknownPeer)
		c.sendError(signaling.ErrorCodeUnknownPeer, fmt.Sprintf("peer %s is not connected", env.To))
		return
	}

	if !target.enqueue(b) {
		target.drop()
		return
	}
	h.metrics.Inc(metrics.RelayForwarded)
	c.log.Debug("forwarded envelope", "type", env.Type, "to", env.To)
}

func (h *Hub) join(c *client, name string) {
	h.mu.Lock()
	if c.joined {
		h.mu.Unlock()
		c.sendError(signaling.ErrorCodeAlreadyJoined, "already joined as "+c.id)
		return
	}
	if name == "" {
		name = defaultName(c.id)
	}
	c.name = name
	c.joined = true
	h.byID[c.id] = c
	h.joined = append(h.joined, c)

	// self_id is queued under the lock so it precedes every user_list the
	// client sees.
	var slow []*client
	if b, err := (signaling.Envelope{Type: signaling.MessageTypeSelfID, ID: c.id}).Marshal(); err == nil && !c.enqueue(b) {
		slow = append(slow, c)
	}
	slow = append(slow, h.broadcastUserListLocked()...)
	h.mu.Unlock()
	dropSlow(slow)

	h.metrics.Inc(metrics.RelayJoins)
	c.log.Info("peer joined", "name", name)

	ctx, cancel := context.WithTimeout(context.Background(), rosterTimeout)
	defer cancel()
	if err := h.roster.Join(ctx, signaling.User{ID: c.id, Name: name}); err != nil {
		h.metrics.Inc(metrics.RelayRosterError)
		c.log.Warn("roster join failed", "err", err)
	}
}

// defaultName names a peer that joined without one after its id, in the
// same peer-xxxxxx form the CLI generates.
func defaultName(id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 6 {
		short = short[:6]
	}
	return "peer-" + short
}

func (h *Hub) usersLocked() []signaling.User {
	users := make([]signaling.User, 0, len(h.joined))
	for _, c := range h.joined {
		users = append(users, signaling.User{ID: c.id, Name: c.name})
	}
	return users
}

// broadcastUserListLocked queues the current roster to every joined client
// and returns the ones whose queues were full.
func (h *Hub) broadcastUserListLocked() []*client {
	b, err := (signaling.Envelope{Type: signaling.MessageTypeUserList, Users: h.usersLocked()}).Marshal()
	if err != nil {
		h.log.Error("encode user_list", "err", err)
		return nil
	}
	var slow []*client
	for _, c := range h.joined {
		if !c.enqueue(b) {
			slow = append(slow, c)
		}
	}
	return slow
}

func dropSlow(slow []*client) {
	for _, c := range slow {
		c.drop()
	}
}

// Users returns the joined users in join order.
func (h *Hub) Users() []signaling.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usersLocked()
}

// Ready reports whether the roster backend is reachable.
func (h *Hub) Ready(ctx context.Context) error {
	return h.roster.Ping(ctx)
}

// Close disconnects every client with a going-away close frame and rejects
// new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
