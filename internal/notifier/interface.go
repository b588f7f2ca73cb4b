package notifier

import (
	"context"
	"time"

	"github.com/kal997/nt-notifier/internal/models"
)

// Notifier is the consumer-facing side of the notification engine.
type Notifier interface {
	CreatePoller() models.PollerHandle
	DestroyPoller(poller models.PollerHandle) bool
	AddPolled(poller models.PollerHandle, filter Filter, mask models.Flags) (models.ListenerHandle, error)
	AddListener(listener Listener, filter Filter, mask models.Flags) (models.ListenerHandle, error)
	RemoveListener(handle models.ListenerHandle) bool
	Poll(poller models.PollerHandle, timeout time.Duration) ([]models.Event, PollStatus, error)
	WaitForQueue(poller models.PollerHandle, timeout time.Duration) (PollStatus, error)
	HasLocalSubscriptions() bool
	Stop(ctx context.Context) error
}

// Listener is a push-style delivery target. Notify runs on the dispatch
// goroutine and must return quickly. A returned error or a panic is logged
// and does not affect delivery to other subscriptions.
type Listener interface {
	Notify(ev models.Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev models.Event) error

func (f ListenerFunc) Notify(ev models.Event) error {
	return f(ev)
}

// Snapshotter reports the entries that currently exist. The engine uses it to
// send NEW|IMMEDIATE notifications to subscriptions that ask for them.
// Snapshot calls fn with the current entries and must keep mutations, and
// therefore their Ingest calls, out until fn returns.
type Snapshotter interface {
	Snapshot(fn func(entries []models.Entry))
}

// SnapshotterFunc adapts a function to the Snapshotter interface.
type SnapshotterFunc func(fn func(entries []models.Entry))

func (f SnapshotterFunc) Snapshot(fn func(entries []models.Entry)) {
	f(fn)
}
