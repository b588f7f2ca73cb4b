package keyspace

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kal997/nt-notifier/internal/models"
)

// Loader reads mirrored entries back from Redis. *storage.RedisStorage
// implements it.
type Loader interface {
	NameFor(key string) (string, bool)
	Load(ctx context.Context, name string) (models.Entry, bool, error)
}

// Applier receives remote mutations. *storage.Table implements it.
type Applier interface {
	ApplyRemote(name string, v models.Value, flags uint32)
	DeleteRemote(name string)
}

// Bridge turns keyspace notifications into remote table mutations.
type Bridge struct {
	loader Loader
	table  Applier
	log    *zap.Logger
}

// NewBridge creates a bridge from loader to table.
func NewBridge(loader Loader, table Applier, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{loader: loader, table: table, log: log}
}

// Run applies events until the channel closes or ctx is done. Failed loads
// are logged and skipped.
func (b *Bridge) Run(ctx context.Context, events <-chan StorageEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := b.Apply(ctx, ev); err != nil {
				b.log.Warn("failed to apply keyspace event",
					zap.String("key", ev.Key),
					zap.String("operation", ev.Operation),
					zap.Error(err))
			}
		}
	}
}

// Apply handles one event. Keys outside the storage prefix are ignored.
// Removal operations delete the entry; anything else reloads it.
func (b *Bridge) Apply(ctx context.Context, ev StorageEvent) error {
	name, ok := b.loader.NameFor(ev.Key)
	if !ok || name == "" {
		return nil
	}

	switch ev.Operation {
	case "del", "expired", "evicted":
		b.table.DeleteRemote(name)
		return nil
	}

	entry, found, err := b.loader.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	if !found {
		b.table.DeleteRemote(name)
		return nil
	}
	b.table.ApplyRemote(name, entry.Value, entry.Flags)
	return nil
}
