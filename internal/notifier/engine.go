package notifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kal997/nt-notifier/internal/models"
)

// DefaultPollerCapacity is the advisory queue length above which a poller
// logs a warning.
const DefaultPollerCapacity = 1024

// item is one queued notification. A non-zero only addresses a single
// subscription.
type item struct {
	ev   models.Event
	only models.ListenerHandle
}

// Engine receives every mutation of a key space and fans it out to pollers
// and direct listeners. Ingest never blocks; a single dispatch goroutine
// delivers events in ingestion order.
type Engine struct {
	log               *zap.Logger
	snapshotter       Snapshotter
	immediateSnapshot bool
	capacityHint      int

	reg          *registry
	nextListener atomic.Uint64
	nextPoller   atomic.Uint64

	mu       sync.Mutex
	queue    []item
	pending  int
	idle     chan struct{} // closed when pending is zero
	wake     chan struct{}
	started  bool
	stopping bool
	stopped  chan struct{} // closed when the worker exits
}

var _ Notifier = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithSnapshotter sets the source of current entries for IMMEDIATE snapshots.
func WithSnapshotter(s Snapshotter) Option {
	return func(e *Engine) {
		e.snapshotter = s
	}
}

// WithImmediateSnapshot controls whether a subscription requesting
// NEW|IMMEDIATE receives the current value of every matching entry when it
// is added. It has no effect without a Snapshotter. Off by default, in which
// case IMMEDIATE is only carried through on events.
func WithImmediateSnapshot(enabled bool) Option {
	return func(e *Engine) {
		e.immediateSnapshot = enabled
	}
}

// WithPollerCapacity sets the advisory poller queue length. Zero disables
// the warning.
func WithPollerCapacity(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.capacityHint = n
		}
	}
}

// New creates an engine. Events may be ingested right away but are not
// dispatched until Start is called.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:          zap.NewNop(),
		capacityHint: DefaultPollerCapacity,
		reg:          newRegistry(),
		idle:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
	}
	close(e.idle)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the dispatch goroutine. Calling it again is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started || e.stopping {
		return
	}
	e.started = true
	go e.run()
}

// Stop dispatches the events already ingested, stops the worker and
// destroys every poller, which wakes blocked Poll calls with PollDestroyed.
// Pollers and subscriptions created afterwards are never registered.
// Later calls return nil.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	if e.stopping {
		e.mu.Unlock()
		if started {
			select {
			case <-e.stopped:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	e.stopping = true
	if !started {
		e.queue = nil
		if e.pending > 0 {
			e.pending = 0
			close(e.idle)
		}
	}
	e.mu.Unlock()

	if started {
		e.signal()
		select {
		case <-e.stopped:
		case <-ctx.Done():
			return fmt.Errorf("waiting for dispatch to finish: %w", ctx.Err())
		}
	}

	for _, p := range e.reg.close() {
		p.destroy()
	}
	e.log.Debug("notifier stopped")
	return nil
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Ingest queues a mutation for dispatch. kind holds the change-kind bits;
// local marks a mutation made in this process and immediate one that
// bypassed upstream batching. Ingest never blocks on consumers and never
// fails: events are dropped after Stop, and LOCAL events are dropped when
// no subscription asked for them.
func (e *Engine) Ingest(entry models.EntryHandle, name string, value models.Value, kind models.Flags, local, immediate bool) {
	flags := kind.Kinds()
	if local {
		flags |= models.NotifyLocal
	}
	if immediate {
		flags |= models.NotifyImmediate
	}

	if local && !e.reg.hasLocal() {
		e.log.Debug("no local listeners, skipping event",
			zap.String("name", name), zap.Stringer("flags", flags))
		return
	}

	e.enqueue(item{ev: models.Event{
		Entry: entry,
		Name:  name,
		Value: value,
		Flags: flags,
	}})
}

func (e *Engine) enqueue(items ...item) {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		for _, it := range items {
			e.log.Debug("notifier stopped, dropping event",
				zap.String("name", it.ev.Name), zap.Stringer("flags", it.ev.Flags))
		}
		return
	}
	if e.pending == 0 {
		e.idle = make(chan struct{})
	}
	e.pending += len(items)
	e.queue = append(e.queue, items...)
	e.mu.Unlock()

	e.signal()
}

func (e *Engine) run() {
	defer close(e.stopped)

	for {
		e.mu.Lock()
		for len(e.queue) == 0 {
			if e.stopping {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			e.mu.Lock()
		}
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()

		for _, it := range batch {
			e.dispatch(it)
		}

		e.mu.Lock()
		e.pending -= len(batch)
		if e.pending == 0 {
			close(e.idle)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) dispatch(it item) {
	subs := e.reg.match(it.ev, it.only)
	e.log.Debug("dispatching",
		zap.String("name", it.ev.Name),
		zap.Stringer("flags", it.ev.Flags),
		zap.Int("matches", len(subs)))

	for _, s := range subs {
		ev := it.ev
		ev.Listener = s.handle
		if s.poller != nil {
			s.poller.push(ev)
			continue
		}
		e.invoke(s, ev)
	}
}

// invoke calls a direct listener, containing its errors and panics.
func (e *Engine) invoke(s *subscription, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("listener panicked",
				zap.Stringer("listener", s.handle),
				zap.Stringer("entry", ev.Entry),
				zap.String("name", ev.Name),
				zap.Stringer("flags", ev.Flags),
				zap.Any("panic", r))
		}
	}()

	if err := s.listener.Notify(ev); err != nil {
		e.log.Error("listener failed",
			zap.Stringer("listener", s.handle),
			zap.Stringer("entry", ev.Entry),
			zap.String("name", ev.Name),
			zap.Stringer("flags", ev.Flags),
			zap.Error(err))
	}
}

// WaitForDispatch blocks until every event ingested so far has been
// delivered, or the timeout elapses. A negative timeout waits forever.
func (e *Engine) WaitForDispatch(timeout time.Duration) bool {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return true
	default:
	}
	if timeout == 0 {
		return false
	}
	if timeout < 0 {
		<-idle
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// CreatePoller allocates an empty poller. After Stop the handle is never
// registered, so Poll and WaitForQueue on it fail with ErrInvalidHandle.
func (e *Engine) CreatePoller() models.PollerHandle {
	h := models.PollerHandle(e.nextPoller.Add(1))
	if !e.reg.addPoller(newPoller(h, e.capacityHint, e.log)) {
		e.log.Debug("notifier stopped, poller not registered", zap.Stringer("poller", h))
	}
	return h
}

// DestroyPoller cancels the poller's subscriptions, discards its queue and
// wakes any blocked Poll. It reports false if the handle was unknown.
func (e *Engine) DestroyPoller(h models.PollerHandle) bool {
	p := e.reg.removePoller(h)
	if p == nil {
		return false
	}
	p.destroy()
	return true
}

// Target is the delivery target of a subscription: a poller or a listener.
type Target struct {
	Poller   models.PollerHandle
	Listener Listener
}

// Subscribe registers filter and mask against target.
func (e *Engine) Subscribe(target Target, filter Filter, mask models.Flags) (models.ListenerHandle, error) {
	if err := filter.validate(); err != nil {
		return 0, err
	}
	if e.isStopping() {
		return 0, ErrStopped
	}

	s := &subscription{filter: filter, mask: mask}
	switch {
	case target.Listener != nil:
		s.listener = target.Listener
	case target.Poller != 0:
		p, ok := e.reg.poller(target.Poller)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrInvalidHandle, target.Poller)
		}
		s.poller = p
	default:
		return 0, ErrNilListener
	}

	s.handle = models.ListenerHandle(e.nextListener.Add(1))
	if err := e.reg.add(s); err != nil {
		return 0, err
	}

	if e.immediateSnapshot && e.snapshotter != nil && mask.Has(models.NotifyImmediate|models.NotifyNew) {
		e.sendSnapshot(s)
	}
	return s.handle, nil
}

// sendSnapshot queues NEW|IMMEDIATE for every current entry matching s,
// addressed to s only. The items are queued inside the Snapshotter callback
// so a mutation racing with the subscribe call is queued after them.
func (e *Engine) sendSnapshot(s *subscription) {
	e.snapshotter.Snapshot(func(entries []models.Entry) {
		var items []item
		for _, ent := range entries {
			if !s.filter.MatchSubject(ent.Handle, ent.Name) {
				continue
			}
			items = append(items, item{
				ev: models.Event{
					Entry: ent.Handle,
					Name:  ent.Name,
					Value: ent.Value,
					Flags: models.NotifyNew | models.NotifyImmediate,
				},
				only: s.handle,
			})
		}
		if len(items) > 0 {
			e.enqueue(items...)
		}
	})
}

// AddPolled subscribes a poller.
func (e *Engine) AddPolled(poller models.PollerHandle, filter Filter, mask models.Flags) (models.ListenerHandle, error) {
	if poller == 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidHandle, poller)
	}
	return e.Subscribe(Target{Poller: poller}, filter, mask)
}

// AddListener subscribes a direct listener.
func (e *Engine) AddListener(listener Listener, filter Filter, mask models.Flags) (models.ListenerHandle, error) {
	if listener == nil {
		return 0, ErrNilListener
	}
	return e.Subscribe(Target{Listener: listener}, filter, mask)
}

// Unsubscribe removes a subscription. Events already queued in a poller
// stay there. It reports false if the handle was unknown.
func (e *Engine) Unsubscribe(h models.ListenerHandle) bool {
	return e.reg.remove(h)
}

// RemoveListener is Unsubscribe.
func (e *Engine) RemoveListener(h models.ListenerHandle) bool {
	return e.Unsubscribe(h)
}

// Poll returns every queued event of the poller, waiting up to timeout for
// the first one. A negative timeout waits forever and zero does not wait.
func (e *Engine) Poll(h models.PollerHandle, timeout time.Duration) ([]models.Event, PollStatus, error) {
	p, ok := e.reg.poller(h)
	if !ok {
		return nil, PollDestroyed, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	events, status := p.wait(timeout, true)
	return events, status, nil
}

// WaitForQueue is Poll without draining: it reports PollReady as soon as
// the poller holds at least one event.
func (e *Engine) WaitForQueue(h models.PollerHandle, timeout time.Duration) (PollStatus, error) {
	p, ok := e.reg.poller(h)
	if !ok {
		return PollDestroyed, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	_, status := p.wait(timeout, false)
	return status, nil
}

// HasLocalSubscriptions reports whether any live subscription wants LOCAL
// events. Producers may skip building local events when it is false.
func (e *Engine) HasLocalSubscriptions() bool {
	return e.reg.hasLocal()
}

// Subscriptions returns the number of live subscriptions.
func (e *Engine) Subscriptions() int {
	return e.reg.count()
}

func (e *Engine) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.stopping
}
