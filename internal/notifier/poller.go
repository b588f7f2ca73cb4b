package notifier

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kal997/nt-notifier/internal/models"
)

// PollStatus is the outcome of Poll and WaitForQueue.
type PollStatus int

const (
	// PollReady means events were available.
	PollReady PollStatus = iota
	// PollTimedOut means the timeout elapsed with nothing queued.
	PollTimedOut
	// PollDestroyed means the poller was destroyed, before or during the wait.
	PollDestroyed
)

func (s PollStatus) String() string {
	switch s {
	case PollReady:
		return "ready"
	case PollTimedOut:
		return "timed out"
	case PollDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// poller is a FIFO of delivered events. Producers never block on it;
// capacityHint only triggers a warning when a consumer falls behind.
type poller struct {
	handle       models.PollerHandle
	capacityHint int
	log          *zap.Logger

	mu        sync.Mutex
	queue     []models.Event
	ready     chan struct{} // closed while queue is non-empty
	done      chan struct{} // closed on destroy
	destroyed bool
	overHint  bool
}

func newPoller(h models.PollerHandle, capacityHint int, log *zap.Logger) *poller {
	return &poller{
		handle:       h,
		capacityHint: capacityHint,
		log:          log,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// push appends ev and wakes waiters. It reports false if the poller is gone.
func (p *poller) push(ev models.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return false
	}
	if len(p.queue) == 0 {
		close(p.ready)
	}
	p.queue = append(p.queue, ev)

	if p.capacityHint > 0 && len(p.queue) > p.capacityHint && !p.overHint {
		p.overHint = true
		p.log.Warn("poller queue above capacity hint",
			zap.Stringer("poller", p.handle),
			zap.Int("queued", len(p.queue)),
			zap.Int("hint", p.capacityHint))
	}
	return true
}

// destroy discards the queue and wakes every waiter. Safe to call twice.
func (p *poller) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	p.destroyed = true
	p.queue = nil
	close(p.done)
}

func (p *poller) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}

// wait blocks until the queue is non-empty, the poller is destroyed or the
// timeout elapses. A negative timeout waits forever and zero checks once.
// With drain set the queued events are removed and returned.
func (p *poller) wait(timeout time.Duration, drain bool) ([]models.Event, PollStatus) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return nil, PollDestroyed
		}
		if len(p.queue) > 0 {
			var out []models.Event
			if drain {
				out = p.queue
				p.queue = nil
				p.ready = make(chan struct{})
				p.overHint = false
			}
			p.mu.Unlock()
			return out, PollReady
		}
		ready := p.ready
		p.mu.Unlock()

		if timeout == 0 {
			return nil, PollTimedOut
		}

		select {
		case <-ready:
		case <-p.done:
		case <-expired:
			// one last look before reporting the timeout
			timeout = 0
		}
	}
}
