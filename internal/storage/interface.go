package storage

import (
	"context"

	"github.com/kal997/nt-notifier/internal/models"
)

// Storage mirrors the entry table into an external store.
type Storage interface {
	// Store saves the current value and flags of an entry
	Store(ctx context.Context, entry models.Entry) error

	// Delete removes an entry
	Delete(ctx context.Context, name string) error

	// HealthCheck verifies storage connectivity
	HealthCheck(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}

// Ingester receives every table mutation. *notifier.Engine implements it.
type Ingester interface {
	Ingest(entry models.EntryHandle, name string, value models.Value, kind models.Flags, local, immediate bool)
	HasLocalSubscriptions() bool
}
