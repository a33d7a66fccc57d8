// Package registry tracks live client connections and routes events to them.
//
// Each process owns the WebSocket connections it accepted. The cross-process
// view is a broker: a pub/sub fabric that fans events out to whichever
// process holds a connection for the user, plus a shared presence set so any
// process can ask "is this user reachable anywhere" without owning the
// socket. A Redis broker backs multi-process deployments; an in-memory bus
// backs single-process runs and tests.
package registry

import (
	"context"
	"sync"
	"time"
)

// DefaultPresenceTTL is how long a presence entry survives without a refresh.
// Connections refresh presence on every heartbeat sweep, so a crashed process
// stops counting toward reachability within one TTL.
const DefaultPresenceTTL = 90 * time.Second

// Broker is the cross-process fabric behind the connection registry. Publish
// reaches every process subscribed to the user, including the publishing one.
type Broker interface {
	// Publish sends a payload to all processes holding connections for the user.
	Publish(ctx context.Context, userID string, payload []byte) error
	// Subscribe starts receiving the user's payloads on the handler.
	Subscribe(ctx context.Context, userID string) error
	// Unsubscribe stops receiving the user's payloads.
	Unsubscribe(ctx context.Context, userID string) error
	// SetHandler installs the callback invoked for each received payload.
	// It must be called before the first Subscribe.
	SetHandler(handler func(userID string, payload []byte))

	// AddPresence registers a connection in the shared presence set.
	AddPresence(ctx context.Context, userID, connID string, ttl time.Duration) error
	// RefreshPresence extends a connection's presence entry.
	RefreshPresence(ctx context.Context, userID, connID string, ttl time.Duration) error
	// RemovePresence drops a connection from the shared presence set.
	RemovePresence(ctx context.Context, userID, connID string) error
	// PresenceCount reports how many live connections the user has anywhere.
	PresenceCount(ctx context.Context, userID string) (int, error)

	Close() error
}

// MemoryBus is an in-process broker fabric. Every broker created from the
// same bus sees the other brokers' publishes, which lets tests run several
// hubs against one shared presence view.
type MemoryBus struct {
	mu       sync.RWMutex
	brokers  []*MemoryBroker
	presence map[string]map[string]time.Time // userID -> connID -> expiry
	now      func() time.Time
}

// NewMemoryBus creates an empty in-process broker fabric.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		presence: make(map[string]map[string]time.Time),
		now:      time.Now,
	}
}

// NewBroker attaches a new broker to the bus. Each hub gets its own.
func (b *MemoryBus) NewBroker() *MemoryBroker {
	broker := &MemoryBroker{
		bus:  b,
		subs: make(map[string]struct{}),
	}
	b.mu.Lock()
	b.brokers = append(b.brokers, broker)
	b.mu.Unlock()
	return broker
}

// publish fans a payload out to every attached broker subscribed to the user.
func (b *MemoryBus) publish(userID string, payload []byte) {
	b.mu.RLock()
	brokers := make([]*MemoryBroker, len(b.brokers))
	copy(brokers, b.brokers)
	b.mu.RUnlock()
	for _, broker := range brokers {
		broker.deliver(userID, payload)
	}
}

func (b *MemoryBus) addPresence(userID, connID string, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.presence[userID]
	if !ok {
		conns = make(map[string]time.Time)
		b.presence[userID] = conns
	}
	conns[connID] = b.now().Add(ttl)
}

func (b *MemoryBus) removePresence(userID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conns, ok := b.presence[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(b.presence, userID)
		}
	}
}

func (b *MemoryBus) presenceCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.presence[userID]
	if !ok {
		return 0
	}
	now := b.now()
	count := 0
	for connID, expiry := range conns {
		if expiry.Before(now) {
			delete(conns, connID)
			continue
		}
		count++
	}
	if len(conns) == 0 {
		delete(b.presence, userID)
	}
	return count
}

// MemoryBroker is one bus attachment. It implements Broker for a single hub.
type MemoryBroker struct {
	bus *MemoryBus

	mu      sync.RWMutex
	subs    map[string]struct{}
	handler func(userID string, payload []byte)
	closed  bool
}

var _ Broker = (*MemoryBroker)(nil)

// SetHandler installs the payload callback.
func (m *MemoryBroker) SetHandler(handler func(userID string, payload []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Publish fans the payload out across the bus.
func (m *MemoryBroker) Publish(_ context.Context, userID string, payload []byte) error {
	m.bus.publish(userID, payload)
	return nil
}

// Subscribe starts delivering the user's payloads to the handler.
func (m *MemoryBroker) Subscribe(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[userID] = struct{}{}
	return nil
}

// Unsubscribe stops delivering the user's payloads.
func (m *MemoryBroker) Unsubscribe(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, userID)
	return nil
}

// deliver invokes the handler when this broker is subscribed to the user.
func (m *MemoryBroker) deliver(userID string, payload []byte) {
	m.mu.RLock()
	_, subscribed := m.subs[userID]
	handler := m.handler
	closed := m.closed
	m.mu.RUnlock()
	if closed || !subscribed || handler == nil {
		return
	}
	handler(userID, payload)
}

// AddPresence registers a connection in the bus-wide presence view.
func (m *MemoryBroker) AddPresence(_ context.Context, userID, connID string, ttl time.Duration) error {
	m.bus.addPresence(userID, connID, ttl)
	return nil
}

// RefreshPresence extends a connection's presence entry.
func (m *MemoryBroker) RefreshPresence(_ context.Context, userID, connID string, ttl time.Duration) error {
	m.bus.addPresence(userID, connID, ttl)
	return nil
}

// RemovePresence drops a connection from the bus-wide presence view.
func (m *MemoryBroker) RemovePresence(_ context.Context, userID, connID string) error {
	m.bus.removePresence(userID, connID)
	return nil
}

// PresenceCount reports live connections for the user across the bus.
func (m *MemoryBroker) PresenceCount(_ context.Context, userID string) (int, error) {
	return m.bus.presenceCount(userID), nil
}

// Close detaches the broker from the bus.
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]struct{})
	return nil
}
