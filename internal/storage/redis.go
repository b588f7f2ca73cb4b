package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kal997/nt-notifier/internal/config"
	"github.com/kal997/nt-notifier/internal/models"
)

// RedisStorage implements the Storage interface using Redis. Each entry is
// a JSON document under prefix+name.
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// storedEntry is the JSON document kept in Redis
type storedEntry struct {
	Value models.Value `json:"value"`
	Flags uint32       `json:"flags"`
}

// NewRedisStorage creates a new Redis storage instance
func NewRedisStorage(cfg *config.Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.GetRedisAddr(),
		DB:   0,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.GetKeyPrefix(), cfg.GetEntryTTL()), nil
}

// NewRedisStorageWithClient wraps an existing client. A zero ttl keeps
// entries until they are deleted.
func NewRedisStorageWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// KeyFor returns the Redis key holding the entry name
func (rs *RedisStorage) KeyFor(name string) string {
	return rs.prefix + name
}

// NameFor returns the entry name stored under key, or false if the key is
// outside the prefix
func (rs *RedisStorage) NameFor(key string) (string, bool) {
	if !strings.HasPrefix(key, rs.prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, rs.prefix), true
}

// Store saves an entry
func (rs *RedisStorage) Store(ctx context.Context, entry models.Entry) error {
	data, err := json.Marshal(storedEntry{Value: entry.Value, Flags: entry.Flags})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := rs.client.Set(ctx, rs.KeyFor(entry.Name), data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store entry in Redis: %w", err)
	}

	return nil
}

// Load reads an entry. The returned entry has no handle; found is false if
// the key does not exist.
func (rs *RedisStorage) Load(ctx context.Context, name string) (entry models.Entry, found bool, err error) {
	data, err := rs.client.Get(ctx, rs.KeyFor(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Entry{}, false, nil
	}
	if err != nil {
		return models.Entry{}, false, fmt.Errorf("failed to load entry from Redis: %w", err)
	}

	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return models.Entry{}, false, fmt.Errorf("failed to unmarshal entry %s: %w", name, err)
	}

	return models.Entry{Name: name, Value: stored.Value, Flags: stored.Flags}, true, nil
}

// Delete removes an entry
func (rs *RedisStorage) Delete(ctx context.Context, name string) error {
	if err := rs.client.Del(ctx, rs.KeyFor(name)).Err(); err != nil {
		return fmt.Errorf("failed to delete entry from Redis: %w", err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity
func (rs *RedisStorage) HealthCheck(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}
