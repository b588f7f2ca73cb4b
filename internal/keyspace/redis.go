package keyspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// channelPrefix is the keyspace notification channel of database 0.
const channelPrefix = "__keyspace@0__:"

// RedisWatcher implements Watcher using Redis pub/sub
type RedisWatcher struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	patterns []string
	log      *zap.Logger
}

// NewRedisWatcher creates a new Redis keyspace watcher
func NewRedisWatcher(addr string, log *zap.Logger) (*RedisWatcher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	return &RedisWatcher{
		client: client,
		log:    log,
	}, nil
}

// EnableNotifications turns on keyspace events for generic and string
// commands plus expiry and eviction. Servers that forbid CONFIG SET must be
// configured by hand.
func (rw *RedisWatcher) EnableNotifications(ctx context.Context) error {
	if err := rw.client.ConfigSet(ctx, "notify-keyspace-events", "K$gxe").Err(); err != nil {
		return fmt.Errorf("failed to enable keyspace notifications: %w", err)
	}
	return nil
}

// Subscribe to Redis keyspace notifications. It returns once Redis has
// confirmed the subscription.
func (rw *RedisWatcher) Subscribe(ctx context.Context, patterns []string) (<-chan StorageEvent, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no patterns provided")
	}

	keyspacePatterns := toChannels(patterns)

	pubsub := rw.client.PSubscribe(ctx, keyspacePatterns...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	rw.pubsub = pubsub
	rw.patterns = keyspacePatterns
	rw.log.Info("subscribed to keyspace notifications", zap.Strings("patterns", keyspacePatterns))

	eventChan := make(chan StorageEvent, 100)
	messages := pubsub.Channel()

	go func() {
		defer close(eventChan)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				event := rw.parseMessage(msg)
				if event == nil {
					rw.log.Debug("ignoring message", zap.String("channel", msg.Channel))
					continue
				}
				select {
				case eventChan <- *event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan, nil
}

// parseMessage converts a keyspace notification to a StorageEvent.
// Channel format: __keyspace@0__:<key>, payload: the command (set, del, expired, ...)
func (rw *RedisWatcher) parseMessage(msg *redis.Message) *StorageEvent {
	if msg == nil {
		return nil
	}
	if !strings.HasPrefix(msg.Channel, channelPrefix) {
		return nil
	}

	return &StorageEvent{
		Key:       strings.TrimPrefix(msg.Channel, channelPrefix),
		Operation: msg.Payload,
		Timestamp: time.Now(),
	}
}

// Unsubscribe from patterns
func (rw *RedisWatcher) Unsubscribe(patterns []string) error {
	if rw.pubsub == nil {
		return fmt.Errorf("not subscribed")
	}
	return rw.pubsub.PUnsubscribe(context.Background(), toChannels(patterns)...)
}

// HealthCheck verifies Redis connectivity
func (rw *RedisWatcher) HealthCheck(ctx context.Context) error {
	return rw.client.Ping(ctx).Err()
}

// Close closes the subscription and the client
func (rw *RedisWatcher) Close() error {
	var err error

	if rw.pubsub != nil {
		err = rw.pubsub.Close()
	}

	if rw.client != nil {
		if closeErr := rw.client.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	return err
}

func toChannels(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, pattern := range patterns {
		out[i] = channelPrefix + pattern
	}
	return out
}
