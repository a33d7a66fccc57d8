package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// defaultConnectBuffer sizes the connect-signal channel. Signals beyond the
// buffer are dropped; the dispatcher's reconcile sweep covers the loss.
const defaultConnectBuffer = 64

// Opts holds configuration options for the hub.
type Opts struct {
	PresenceTTL   time.Duration
	ConnectBuffer int
}

// Option defines a configuration option for the hub.
type Option func(*Opts)

// WithPresenceTTL overrides how long presence entries live between refreshes.
func WithPresenceTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.PresenceTTL = ttl }
}

// WithConnectBuffer overrides the connect-signal channel capacity.
func WithConnectBuffer(n int) Option {
	return func(o *Opts) { o.ConnectBuffer = n }
}

// Hub owns this process's client connections and bridges them to the broker.
type Hub struct {
	broker      Broker
	presenceTTL time.Duration

	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{}

	connects chan string
	upgrader websocket.Upgrader
}

// NewHub creates a hub over the given broker and installs itself as the
// broker's payload handler.
func NewHub(broker Broker, opts ...Option) *Hub {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.ConnectBuffer <= 0 {
		cfg.ConnectBuffer = defaultConnectBuffer
	}
	h := &Hub{
		broker:      broker,
		presenceTTL: cfg.PresenceTTL,
		conns:       make(map[string]map[*Conn]struct{}),
		connects:    make(chan string, cfg.ConnectBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement belongs to the fronting proxy, like the rest
			// of authentication.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	broker.SetHandler(h.deliverLocal)
	return h
}

// HandleWebSocket upgrades the request and registers the connection. The
// user is identified by the user_id query parameter; authentication happens
// upstream.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Hub.HandleWebSocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn := newConn(userID, ws)
	if err := h.register(r.Context(), conn); err != nil {
		slog.Error("Hub.HandleWebSocket registration failed", "user_id", userID, "error", err)
		ws.Close()
		return
	}
	slog.Info("Hub.HandleWebSocket connection established", "user_id", userID, "conn_id", conn.ID)

	go conn.writePump()
	go conn.readPump(h)
}

// register adds the connection to the local set, subscribes the hub to the
// user's topic on their first connection, and records presence.
func (h *Hub) register(ctx context.Context, conn *Conn) error {
	h.mu.Lock()
	set, ok := h.conns[conn.UserID]
	if !ok {
		if err := h.broker.Subscribe(ctx, conn.UserID); err != nil {
			h.mu.Unlock()
			return fmt.Errorf("failed to subscribe to user topic: %w", err)
		}
		set = make(map[*Conn]struct{})
		h.conns[conn.UserID] = set
	}
	set[conn] = struct{}{}
	h.mu.Unlock()

	// Presence is best effort here; the refresh sweep repairs missed writes.
	if err := h.broker.AddPresence(ctx, conn.UserID, conn.ID, h.presenceTTL); err != nil {
		slog.Warn("Hub.register presence write failed", "user_id", conn.UserID, "conn_id", conn.ID, "error", err)
	}

	h.signalConnect(conn.UserID)
	return nil
}

// deregister removes the connection, unsubscribing from the user's topic
// when it was the last one.
func (h *Hub) deregister(conn *Conn) {
	h.mu.Lock()
	set, ok := h.conns[conn.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := set[conn]; !member {
		h.mu.Unlock()
		return
	}
	delete(set, conn)
	last := len(set) == 0
	if last {
		delete(h.conns, conn.UserID)
	}
	close(conn.send)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if last {
		if err := h.broker.Unsubscribe(ctx, conn.UserID); err != nil {
			slog.Warn("Hub.deregister unsubscribe failed", "user_id", conn.UserID, "error", err)
		}
	}
	if err := h.broker.RemovePresence(ctx, conn.UserID, conn.ID); err != nil {
		slog.Warn("Hub.deregister presence removal failed", "user_id", conn.UserID, "conn_id", conn.ID, "error", err)
	}
	slog.Info("Hub connection closed", "user_id", conn.UserID, "conn_id", conn.ID)
}

// SendToUser publishes an event toward every process holding a connection
// for the user, this one included.
func (h *Hub) SendToUser(ctx context.Context, userID string, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := h.broker.Publish(ctx, userID, payload); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// deliverLocal writes a published payload to this process's connections for
// the user. Slow connections drop the event; clients recover through the
// unacknowledged endpoint.
func (h *Hub) deliverLocal(userID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.conns[userID] {
		if !conn.enqueue(payload) {
			slog.Warn("Hub dropping event for slow connection", "user_id", userID, "conn_id", conn.ID)
		}
	}
}

// IsUserReachable reports whether any process holds a live connection for
// the user. Broker errors read as unreachable.
func (h *Hub) IsUserReachable(ctx context.Context, userID string) bool {
	count, err := h.broker.PresenceCount(ctx, userID)
	if err != nil {
		slog.Warn("Hub.IsUserReachable presence lookup failed", "user_id", userID, "error", err)
		return false
	}
	return count > 0
}

// LocalConnectionCount reports this process's connections for the user.
func (h *Hub) LocalConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// ConnectSignals returns the channel carrying user IDs as they connect. The
// dispatcher consumes it to resume parked prompts.
func (h *Hub) ConnectSignals() <-chan string {
	return h.connects
}

func (h *Hub) signalConnect(userID string) {
	select {
	case h.connects <- userID:
	default:
		slog.Debug("Hub connect signal dropped", "user_id", userID)
	}
}

// RefreshPresences extends the presence entries for every local connection.
// The scheduler runs it well inside the presence TTL.
func (h *Hub) RefreshPresences(ctx context.Context) {
	h.mu.RLock()
	type entry struct{ userID, connID string }
	var entries []entry
	for userID, set := range h.conns {
		for conn := range set {
			entries = append(entries, entry{userID: userID, connID: conn.ID})
		}
	}
	h.mu.RUnlock()

	for _, e := range entries {
		if err := h.broker.RefreshPresence(ctx, e.userID, e.connID, h.presenceTTL); err != nil {
			slog.Warn("Hub.RefreshPresences refresh failed", "user_id", e.userID, "conn_id", e.connID, "error", err)
		}
	}
}

// Close deregisters every local connection. The broker is owned by the
// caller and stays open.
func (h *Hub) Close() {
	h.mu.RLock()
	var conns []*Conn
	for _, set := range h.conns {
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.deregister(conn)
		conn.ws.Close()
	}
}
