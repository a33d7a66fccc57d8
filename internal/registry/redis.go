package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Topics carry events; presence sets carry connection IDs.
const (
	redisTopicPrefix    = "coachpipe:user:"
	redisPresencePrefix = "coachpipe:presence:"

	redisConnectTimeout = 10 * time.Second
)

// RedisBroker implements Broker on Redis pub/sub plus presence sets. All
// engine processes sharing one Redis see one registry.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu      sync.RWMutex
	handler func(userID string, payload []byte)

	done chan struct{}
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to Redis at the given URL (redis://host:port/db)
// and starts the subscription dispatch loop.
func NewRedisBroker(redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := &RedisBroker{
		client: client,
		pubsub: client.Subscribe(context.Background()),
		done:   make(chan struct{}),
	}
	go b.dispatchLoop()

	slog.Info("RedisBroker connected", "addr", opts.Addr, "db", opts.DB)
	return b, nil
}

// dispatchLoop forwards received messages to the handler until Close.
func (b *RedisBroker) dispatchLoop() {
	for msg := range b.pubsub.Channel() {
		userID := strings.TrimPrefix(msg.Channel, redisTopicPrefix)
		b.mu.RLock()
		handler := b.handler
		b.mu.RUnlock()
		if handler != nil {
			handler(userID, []byte(msg.Payload))
		}
	}
	slog.Debug("RedisBroker dispatch loop stopped")
}

// SetHandler installs the payload callback.
func (b *RedisBroker) SetHandler(handler func(userID string, payload []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Publish sends the payload to every process subscribed to the user.
func (b *RedisBroker) Publish(ctx context.Context, userID string, payload []byte) error {
	if err := b.client.Publish(ctx, redisTopicPrefix+userID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe adds the user's topic to the shared subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, userID string) error {
	if err := b.pubsub.Subscribe(ctx, redisTopicPrefix+userID); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes the user's topic from the shared subscription.
func (b *RedisBroker) Unsubscribe(ctx context.Context, userID string) error {
	if err := b.pubsub.Unsubscribe(ctx, redisTopicPrefix+userID); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// AddPresence registers the connection in the user's presence set.
func (b *RedisBroker) AddPresence(ctx context.Context, userID, connID string, ttl time.Duration) error {
	key := redisPresencePrefix + userID
	if err := b.client.SAdd(ctx, key, connID).Err(); err != nil {
		return fmt.Errorf("failed to add presence: %w", err)
	}
	if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence expiry: %w", err)
	}
	return nil
}

// RefreshPresence re-registers the connection and extends the set expiry, so
// presence outlives the TTL only while some process keeps refreshing it.
func (b *RedisBroker) RefreshPresence(ctx context.Context, userID, connID string, ttl time.Duration) error {
	return b.AddPresence(ctx, userID, connID, ttl)
}

// RemovePresence drops the connection from the user's presence set.
func (b *RedisBroker) RemovePresence(ctx context.Context, userID, connID string) error {
	if err := b.client.SRem(ctx, redisPresencePrefix+userID, connID).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// PresenceCount reports live connections for the user across all processes.
func (b *RedisBroker) PresenceCount(ctx context.Context, userID string) (int, error) {
	count, err := b.client.SCard(ctx, redisPresencePrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count presence: %w", err)
	}
	return int(count), nil
}

// Close stops the dispatch loop and releases the Redis connections.
func (b *RedisBroker) Close() error {
	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
	}
	if err := b.pubsub.Close(); err != nil {
		slog.Error("RedisBroker pubsub close failed", "error", err)
	}
	return b.client.Close()
}
