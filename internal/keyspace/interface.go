package keyspace

import (
	"context"
	"time"
)

// Watcher delivers Redis keyspace notifications
type Watcher interface {
	// Subscribe to keyspace notifications for the key patterns
	Subscribe(ctx context.Context, patterns []string) (<-chan StorageEvent, error)

	// Unsubscribe from patterns
	Unsubscribe(patterns []string) error

	// HealthCheck verifies connectivity
	HealthCheck(ctx context.Context) error

	// Close closes the watcher
	Close() error
}

// StorageEvent represents a change to one Redis key
type StorageEvent struct {
	Key       string
	Operation string
	Timestamp time.Time
}
