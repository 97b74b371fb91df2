package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Change announces that a schema id has a new version.
type Change struct {
	Origin   string `json:"origin"`
	SchemaID string `json:"schemaId"`
	Version  int    `json:"version"`
}

// Notifier carries schema change notifications between registry
// instances. Subscribe blocks until ctx is done.
type Notifier interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(ctx context.Context, fn func(Change)) error
	Close() error
}

// ═══════════════════════════════════════════
// In-process notifier
// ═══════════════════════════════════════════

// LocalNotifier fans changes out to subscribers in the same process.
type LocalNotifier struct {
	mu   sync.RWMutex
	subs map[int]func(Change)
	next int
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[int]func(Change))}
}

func (n *LocalNotifier) Publish(_ context.Context, c Change) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, fn := range n.subs {
		fn(c)
	}
	return nil
}

func (n *LocalNotifier) Subscribe(ctx context.Context, fn func(Change)) error {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	<-ctx.Done()

	n.mu.Lock()
	delete(n.subs, id)
	n.mu.Unlock()
	return nil
}

func (n *LocalNotifier) Close() error { return nil }

// ═══════════════════════════════════════════
// Redis pub/sub notifier
// ═══════════════════════════════════════════

// DefaultChannel is the pub/sub channel used for schema changes.
const DefaultChannel = "schemaflow:schema-changes"

// RedisNotifier publishes changes on a Redis channel so that every
// engine instance refreshes its cache entry for the changed id.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisNotifier connects to addr and verifies the connection. An
// empty channel means DefaultChannel.
func NewRedisNotifier(ctx context.Context, addr, password string, db int, channel string, logger *zap.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}, nil
}

func (n *RedisNotifier) Publish(ctx context.Context, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, data).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, fn func(Change)) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				n.logger.Warn("ignoring malformed schema change", zap.Error(err))
				continue
			}
			fn(c)
		}
	}
}

func (n *RedisNotifier) Close() error { return n.client.Close() }
