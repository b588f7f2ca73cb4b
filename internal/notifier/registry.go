package notifier

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kal997/nt-notifier/internal/models"
)

// subscription is a registered filter and its delivery target. Exactly one
// of poller and listener is set and neither changes after creation.
type subscription struct {
	handle   models.ListenerHandle
	filter   Filter
	mask     models.Flags
	poller   *poller
	listener Listener
}

// registry holds live subscriptions and pollers. Subscriptions are kept in
// handle order so every event visits them in the same order.
type registry struct {
	mu       sync.RWMutex
	subs     []*subscription
	byHandle map[models.ListenerHandle]*subscription
	pollers  map[models.PollerHandle]*poller
	closed   bool

	local atomic.Int64
}

func newRegistry() *registry {
	return &registry{
		byHandle: make(map[models.ListenerHandle]*subscription),
		pollers:  make(map[models.PollerHandle]*poller),
	}
}

// addPoller registers p. It fails once the registry is closed.
func (r *registry) addPoller(p *poller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.pollers[p.handle] = p
	return true
}

func (r *registry) poller(h models.PollerHandle) (*poller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pollers[h]
	return p, ok
}

// removePoller unregisters a poller and every subscription targeting it.
// It returns nil if the poller is unknown.
func (r *registry) removePoller(h models.PollerHandle) *poller {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pollers[h]
	if !ok {
		return nil
	}
	delete(r.pollers, h)

	kept := r.subs[:0]
	for _, s := range r.subs {
		if s.poller == p {
			r.forget(s)
			continue
		}
		kept = append(kept, s)
	}
	clear(r.subs[len(kept):])
	r.subs = kept
	return p
}

// close removes and returns every poller, drops every subscription and
// refuses further registrations.
func (r *registry) close() []*poller {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	out := make([]*poller, 0, len(r.pollers))
	for h, p := range r.pollers {
		out = append(out, p)
		delete(r.pollers, h)
	}
	for _, s := range r.subs {
		r.forget(s)
	}
	r.subs = nil
	return out
}

// add registers s. It fails with ErrStopped once the registry is closed
// and, for polled subscriptions, with ErrInvalidHandle if the poller has
// been removed in the meantime.
func (r *registry) add(s *subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStopped
	}
	if s.poller != nil {
		if p, ok := r.pollers[s.poller.handle]; !ok || p != s.poller {
			return fmt.Errorf("%w: %s", ErrInvalidHandle, s.poller.handle)
		}
	}
	r.subs = append(r.subs, s)
	r.byHandle[s.handle] = s
	if s.mask.IsLocal() {
		r.local.Add(1)
	}
	return nil
}

func (r *registry) remove(h models.ListenerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byHandle[h]
	if !ok {
		return false
	}
	r.forget(s)
	for i, cur := range r.subs {
		if cur == s {
			last := len(r.subs) - 1
			copy(r.subs[i:], r.subs[i+1:])
			r.subs[last] = nil
			r.subs = r.subs[:last]
			break
		}
	}
	return true
}

// forget drops s from the handle index. Caller holds mu and fixes up subs.
func (r *registry) forget(s *subscription) {
	delete(r.byHandle, s.handle)
	if s.mask.IsLocal() {
		r.local.Add(-1)
	}
}

// match returns the subscriptions that should receive ev, in handle order.
// A non-zero only restricts the result to that one subscription.
func (r *registry) match(ev models.Event, only models.ListenerHandle) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if only != 0 {
		s, ok := r.byHandle[only]
		if !ok || !Matches(s.filter, s.mask, ev) {
			return nil
		}
		return []*subscription{s}
	}

	var out []*subscription
	for _, s := range r.subs {
		if Matches(s.filter, s.mask, ev) {
			out = append(out, s)
		}
	}
	return out
}

func (r *registry) hasLocal() bool {
	return r.local.Load() > 0
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs)
}
