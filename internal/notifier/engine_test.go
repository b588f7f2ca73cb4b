package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kal997/nt-notifier/internal/models"
)

func newStartedEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(opts...)
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, e.Stop(ctx))
	})
	return e
}

// generateNotifications ingests every flag combination storage can produce
// for three keys with handles 5, 6 and 7.
func generateNotifications(e *Engine) {
	type combo struct {
		kind             models.Flags
		local, immediate bool
	}
	combos := []combo{
		{kind: models.NotifyNew},
		{kind: models.NotifyDelete},
		{kind: models.NotifyUpdate},
		{kind: models.NotifyFlags},
		{kind: models.NotifyUpdate | models.NotifyFlags},
		{kind: models.NotifyNew, immediate: true},
		{kind: models.NotifyNew, local: true},
		{kind: models.NotifyDelete, local: true},
		{kind: models.NotifyUpdate, local: true},
		{kind: models.NotifyFlags, local: true},
		{kind: models.NotifyUpdate | models.NotifyFlags, local: true},
	}
	keys := []string{"/foo/bar", "/baz", "/boo"}

	val := models.MakeDouble(1)
	entry := models.EntryHandle(5)
	for _, key := range keys {
		for _, c := range combos {
			e.Ingest(entry, key, val, c.kind, c.local, c.immediate)
		}
		entry++
	}
}

func pollNow(t *testing.T, e *Engine, p models.PollerHandle) []models.Event {
	t.Helper()
	require.True(t, e.WaitForDispatch(time.Second))
	events, status, err := e.Poll(p, 0)
	require.NoError(t, err)
	require.Equal(t, PollReady, status)
	return events
}

func mustAddPolled(t *testing.T, e *Engine, p models.PollerHandle, f Filter, mask models.Flags) models.ListenerHandle {
	t.Helper()
	h, err := e.AddPolled(p, f, mask)
	require.NoError(t, err)
	return h
}

func TestPollBasic(t *testing.T) {
	tests := []struct {
		name      string
		filter    Filter
		wantName  func(string) bool
		wantEntry models.EntryHandle
	}{
		{
			name:      "entry filter",
			filter:    Entry(6),
			wantName:  func(n string) bool { return n == "/baz" },
			wantEntry: 6,
		},
		{
			name:      "prefix filter",
			filter:    Prefix("/foo"),
			wantName:  func(n string) bool { return n == "/foo/bar" },
			wantEntry: 5,
		},
		{
			name:      "key filter",
			filter:    Key("/boo"),
			wantName:  func(n string) bool { return n == "/boo" },
			wantEntry: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newStartedEngine(t)
			p := e.CreatePoller()
			g1 := mustAddPolled(t, e, p, tt.filter, models.NotifyNew)
			g2 := mustAddPolled(t, e, p, tt.filter, models.NotifyDelete)
			g3 := mustAddPolled(t, e, p, tt.filter, models.NotifyUpdate)
			g4 := mustAddPolled(t, e, p, tt.filter, models.NotifyFlags)
			mustAddPolled(t, e, p, Prefix("/bar"), models.NotifyNew|models.NotifyDelete|models.NotifyUpdate|models.NotifyFlags)

			require.False(t, e.HasLocalSubscriptions())

			generateNotifications(e)

			counts := map[models.ListenerHandle]int{}
			for _, ev := range pollNow(t, e, p) {
				assert.True(t, tt.wantName(ev.Name), ev.String())
				assert.Equal(t, tt.wantEntry, ev.Entry)
				assert.True(t, ev.Value.Equal(models.MakeDouble(1)))
				assert.False(t, ev.Flags.IsLocal())
				counts[ev.Listener]++

				switch ev.Listener {
				case g1:
					assert.True(t, ev.Flags&models.NotifyNew != 0)
				case g2:
					assert.True(t, ev.Flags&models.NotifyDelete != 0)
				case g3:
					assert.True(t, ev.Flags&models.NotifyUpdate != 0)
				case g4:
					assert.True(t, ev.Flags&models.NotifyFlags != 0)
				default:
					t.Errorf("unknown listener %s", ev.Listener)
				}
			}
			assert.Equal(t, 2, counts[g1])
			assert.Equal(t, 1, counts[g2])
			assert.Equal(t, 2, counts[g3])
			assert.Equal(t, 2, counts[g4])
		})
	}
}

func TestPollMultiple(t *testing.T) {
	for _, f := range []Filter{Entry(6), Prefix("/foo")} {
		t.Run(f.String(), func(t *testing.T) {
			e := newStartedEngine(t)
			p1 := e.CreatePoller()
			p2 := e.CreatePoller()
			p3 := e.CreatePoller()
			h1 := mustAddPolled(t, e, p1, f, models.NotifyNew)
			h2 := mustAddPolled(t, e, p2, f, models.NotifyNew)
			h3 := mustAddPolled(t, e, p3, f, models.NotifyUpdate)

			generateNotifications(e)

			for _, tc := range []struct {
				poller models.PollerHandle
				want   models.ListenerHandle
			}{{p1, h1}, {p2, h2}, {p3, h3}} {
				events := pollNow(t, e, tc.poller)
				require.Len(t, events, 2)
				for _, ev := range events {
					assert.Equal(t, tc.want, ev.Listener)
				}
			}
		})
	}
}

func TestPollImmediatePassThrough(t *testing.T) {
	for _, f := range []Filter{Entry(6), Prefix("/foo")} {
		t.Run(f.String(), func(t *testing.T) {
			e := newStartedEngine(t)
			p := e.CreatePoller()
			mustAddPolled(t, e, p, f, models.NotifyNew|models.NotifyImmediate)
			mustAddPolled(t, e, p, f, models.NotifyNew)

			require.False(t, e.HasLocalSubscriptions())

			generateNotifications(e)

			assert.Len(t, pollNow(t, e, p), 4)
		})
	}
}

func TestPollLocal(t *testing.T) {
	for _, f := range []Filter{Entry(6), Prefix("/foo")} {
		t.Run(f.String(), func(t *testing.T) {
			e := newStartedEngine(t)
			p := e.CreatePoller()
			hl := mustAddPolled(t, e, p, f, models.NotifyNew|models.NotifyLocal)
			hr := mustAddPolled(t, e, p, f, models.NotifyNew)

			require.True(t, e.HasLocalSubscriptions())

			generateNotifications(e)

			events := pollNow(t, e, p)
			// local: NEW, IMMEDIATE|NEW, LOCAL|NEW; remote only: NEW, IMMEDIATE|NEW
			require.Len(t, events, 5)
			for _, ev := range events {
				if ev.Flags.IsLocal() {
					assert.Equal(t, hl, ev.Listener)
				}
			}
			var remote int
			for _, ev := range events {
				if ev.Listener == hr {
					remote++
				}
			}
			assert.Equal(t, 2, remote)
		})
	}
}

func TestThreePollersOnOneKey(t *testing.T) {
	e := newStartedEngine(t)
	p1 := e.CreatePoller()
	p2 := e.CreatePoller()
	p3 := e.CreatePoller()
	mustAddPolled(t, e, p1, Key("/baz"), models.NotifyNew)
	mustAddPolled(t, e, p2, Key("/baz"), models.NotifyNew)
	mustAddPolled(t, e, p3, Key("/baz"), models.NotifyUpdate)

	e.Ingest(1, "/baz", models.MakeDouble(1), models.NotifyNew, false, false)
	e.Ingest(1, "/baz", models.MakeDouble(2), models.NotifyUpdate, false, false)

	r1 := pollNow(t, e, p1)
	require.Len(t, r1, 1)
	assert.Equal(t, models.NotifyNew, r1[0].Flags)

	// draining p1 leaves p2 and p3 untouched
	r2 := pollNow(t, e, p2)
	require.Len(t, r2, 1)
	assert.Equal(t, models.NotifyNew, r2[0].Flags)
	assert.True(t, r1[0].Value.Equal(r2[0].Value))

	r3 := pollNow(t, e, p3)
	require.Len(t, r3, 1)
	assert.Equal(t, models.NotifyUpdate, r3[0].Flags)
	assert.Equal(t, 2.0, r3[0].Value.Double)
}

func TestPollPreservesOrder(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()
	mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew|models.NotifyDelete)

	const n = 500
	for i := 0; i < n; i++ {
		kind := models.NotifyNew
		if i%2 == 1 {
			kind = models.NotifyDelete
		}
		e.Ingest(models.EntryHandle(i+1), fmt.Sprintf("/k%d", i), models.MakeDouble(float64(i)), kind, false, false)
	}

	status, err := e.WaitForQueue(p, time.Second)
	require.NoError(t, err)
	require.Equal(t, PollReady, status)

	events := pollNow(t, e, p)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, float64(i), ev.Value.Double)
		if i%2 == 1 {
			assert.Equal(t, models.NotifyDelete, ev.Flags)
		} else {
			assert.Equal(t, models.NotifyNew, ev.Flags)
		}
	}
}

func TestPollOrderAcrossSubscriptions(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()
	ha := mustAddPolled(t, e, p, Prefix("/a"), models.NotifyUpdate)
	hb := mustAddPolled(t, e, p, Prefix("/a/"), models.NotifyUpdate)

	e.Ingest(1, "/a/x", models.MakeDouble(1), models.NotifyUpdate, false, false)
	e.Ingest(1, "/a/x", models.MakeDouble(2), models.NotifyUpdate, false, false)

	events := pollNow(t, e, p)
	require.Len(t, events, 4)
	assert.Equal(t, []models.ListenerHandle{ha, hb, ha, hb},
		[]models.ListenerHandle{events[0].Listener, events[1].Listener, events[2].Listener, events[3].Listener})
	assert.Equal(t, []float64{1, 1, 2, 2},
		[]float64{events[0].Value.Double, events[1].Value.Double, events[2].Value.Double, events[3].Value.Double})
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()
	mustAddPolled(t, e, p, Prefix("/p"), models.NotifyUpdate)

	const producers, perProducer = 4, 250
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("/p%d", id)
			for j := 0; j < perProducer; j++ {
				e.Ingest(models.EntryHandle(id+1), name, models.MakeDouble(float64(j)), models.NotifyUpdate, false, false)
			}
		}(i)
	}
	wg.Wait()

	events := pollNow(t, e, p)
	require.Len(t, events, producers*perProducer)

	last := map[string]float64{}
	for _, ev := range events {
		prev, seen := last[ev.Name]
		if seen {
			assert.Greater(t, ev.Value.Double, prev, ev.Name)
		}
		last[ev.Name] = ev.Value.Double
	}
}

func TestFanOut(t *testing.T) {
	e := newStartedEngine(t)
	const k = 5
	pollers := make([]models.PollerHandle, k)
	for i := range pollers {
		pollers[i] = e.CreatePoller()
		mustAddPolled(t, e, pollers[i], Key("/x"), models.NotifyNew)
	}

	e.Ingest(9, "/x", models.MakeString("v"), models.NotifyNew, false, false)

	for _, p := range pollers {
		events := pollNow(t, e, p)
		require.Len(t, events, 1)
		assert.Equal(t, "/x", events[0].Name)
	}
}

func TestPrefixDoesNotCheckSeparator(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()
	mustAddPolled(t, e, p, Prefix("/foo"), models.NotifyNew)

	for i, name := range []string{"/foo", "/foo/bar", "/foobar", "/fo", "/bar/foo"} {
		e.Ingest(models.EntryHandle(i+1), name, models.MakeBoolean(true), models.NotifyNew, false, false)
	}

	var names []string
	for _, ev := range pollNow(t, e, p) {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"/foo", "/foo/bar", "/foobar"}, names)
}

func TestFlagMasking(t *testing.T) {
	e := newStartedEngine(t)
	pu := e.CreatePoller()
	pnd := e.CreatePoller()
	mustAddPolled(t, e, pu, Key("/k"), models.NotifyUpdate)
	mustAddPolled(t, e, pnd, Key("/k"), models.NotifyNew|models.NotifyDelete)

	for _, kind := range []models.Flags{models.NotifyNew, models.NotifyUpdate, models.NotifyFlags, models.NotifyDelete, models.NotifyNew} {
		e.Ingest(1, "/k", models.MakeDouble(0), kind, false, false)
	}

	updates := pollNow(t, e, pu)
	require.Len(t, updates, 1)
	assert.Equal(t, models.NotifyUpdate, updates[0].Flags)

	nd := pollNow(t, e, pnd)
	require.Len(t, nd, 3)
	assert.Equal(t, models.NotifyNew, nd[0].Flags)
	assert.Equal(t, models.NotifyDelete, nd[1].Flags)
	assert.Equal(t, models.NotifyNew, nd[2].Flags)
}

func TestLocalIsolation(t *testing.T) {
	e := newStartedEngine(t)
	remote := e.CreatePoller()
	local := e.CreatePoller()
	mustAddPolled(t, e, remote, Prefix("/"), models.NotifyUpdate)
	assert.False(t, e.HasLocalSubscriptions())

	hl := mustAddPolled(t, e, local, Prefix("/"), models.NotifyUpdate|models.NotifyLocal)
	assert.True(t, e.HasLocalSubscriptions())

	e.Ingest(1, "/a", models.MakeDouble(1), models.NotifyUpdate, true, false)
	e.Ingest(1, "/a", models.MakeDouble(2), models.NotifyUpdate, false, false)

	r := pollNow(t, e, remote)
	require.Len(t, r, 1)
	assert.False(t, r[0].Flags.IsLocal())

	l := pollNow(t, e, local)
	require.Len(t, l, 2)
	assert.True(t, l[0].Flags.IsLocal())
	assert.False(t, l[1].Flags.IsLocal())

	assert.True(t, e.Unsubscribe(hl))
	assert.False(t, e.HasLocalSubscriptions())
}

func TestLocalEventsSkippedWithoutLocalSubscribers(t *testing.T) {
	e := New()
	p := e.CreatePoller()
	mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew)

	e.Ingest(1, "/a", models.MakeDouble(1), models.NotifyNew, true, false)

	e.mu.Lock()
	queued := len(e.queue)
	e.mu.Unlock()
	assert.Zero(t, queued)
}

func TestIdempotentTeardown(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()
	h := mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew)

	assert.True(t, e.Unsubscribe(h))
	assert.False(t, e.Unsubscribe(h))
	assert.False(t, e.RemoveListener(h))

	assert.True(t, e.DestroyPoller(p))
	assert.False(t, e.DestroyPoller(p))
	assert.False(t, e.DestroyPoller(models.PollerHandle(12345)))
}

func TestDestroyPollerCancelsSubscriptions(t *testing.T) {
	e := newStartedEngine(t)
	p1 := e.CreatePoller()
	p2 := e.CreatePoller()
	h1 := mustAddPolled(t, e, p1, Prefix("/"), models.NotifyNew)
	mustAddPolled(t, e, p2, Prefix("/"), models.NotifyNew)
	require.Equal(t, 2, e.Subscriptions())

	require.True(t, e.DestroyPoller(p1))
	assert.Equal(t, 1, e.Subscriptions())
	assert.False(t, e.Unsubscribe(h1))

	_, _, err := e.Poll(p1, 0)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = e.AddPolled(p1, Prefix("/"), models.NotifyNew)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestUnsubscribeKeepsQueuedEvents(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()
	h := mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew)

	e.Ingest(1, "/a", models.MakeDouble(1), models.NotifyNew, false, false)
	require.True(t, e.WaitForDispatch(time.Second))
	require.True(t, e.Unsubscribe(h))
	e.Ingest(2, "/b", models.MakeDouble(1), models.NotifyNew, false, false)

	events := pollNow(t, e, p)
	require.Len(t, events, 1)
	assert.Equal(t, "/a", events[0].Name)
}

func TestPollTimeout(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()

	start := time.Now()
	events, status, err := e.Poll(p, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, PollTimedOut, status)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestPollZeroTimeoutDoesNotBlock(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()

	start := time.Now()
	_, status, err := e.Poll(p, 0)
	require.NoError(t, err)
	assert.Equal(t, PollTimedOut, status)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPollWakesOnDelivery(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()
	mustAddPolled(t, e, p, Key("/late"), models.NotifyUpdate)

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Ingest(1, "/late", models.MakeDouble(3), models.NotifyUpdate, false, false)
	}()

	events, status, err := e.Poll(p, -1)
	require.NoError(t, err)
	assert.Equal(t, PollReady, status)
	require.Len(t, events, 1)
	assert.Equal(t, "/late", events[0].Name)
}

func TestWaitForQueueDoesNotDrain(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()
	mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew)

	status, err := e.WaitForQueue(p, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, PollTimedOut, status)

	e.Ingest(1, "/a", models.MakeDouble(1), models.NotifyNew, false, false)

	status, err = e.WaitForQueue(p, time.Second)
	require.NoError(t, err)
	assert.Equal(t, PollReady, status)

	status, err = e.WaitForQueue(p, 0)
	require.NoError(t, err)
	assert.Equal(t, PollReady, status)

	assert.Len(t, pollNow(t, e, p), 1)
}

func TestDestroyWakesBlockedPoll(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()

	type result struct {
		status PollStatus
		err    error
	}
	pollDone := make(chan result, 1)
	waitDone := make(chan result, 1)
	go func() {
		_, status, err := e.Poll(p, -1)
		pollDone <- result{status, err}
	}()
	go func() {
		status, err := e.WaitForQueue(p, 10*time.Second)
		waitDone <- result{status, err}
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, e.DestroyPoller(p))

	for _, ch := range []chan result{pollDone, waitDone} {
		select {
		case r := <-ch:
			assert.NoError(t, r.err)
			assert.Equal(t, PollDestroyed, r.status)
		case <-time.After(time.Second):
			t.Fatal("blocked call was not woken by DestroyPoller")
		}
	}
}

func TestPollUnknownPoller(t *testing.T) {
	e := newStartedEngine(t)

	_, _, err := e.Poll(models.PollerHandle(77), 0)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = e.WaitForQueue(models.PollerHandle(77), 0)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestSubscribeErrors(t *testing.T) {
	e := newStartedEngine(t)

	_, err := e.AddPolled(0, Prefix("/"), models.NotifyNew)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = e.AddListener(nil, Prefix("/"), models.NotifyNew)
	assert.ErrorIs(t, err, ErrNilListener)

	_, err = e.Subscribe(Target{}, Prefix("/"), models.NotifyNew)
	assert.ErrorIs(t, err, ErrNilListener)

	p := e.CreatePoller()
	_, err = e.AddPolled(p, Key(""), models.NotifyNew)
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestHandlesAreUnique(t *testing.T) {
	e := newStartedEngine(t)
	p := e.CreatePoller()

	seen := map[models.ListenerHandle]bool{}
	for i := 0; i < 100; i++ {
		h := mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew)
		assert.False(t, seen[h])
		assert.NotZero(t, h)
		seen[h] = true
		if i%2 == 0 {
			e.Unsubscribe(h)
		}
	}
}

func TestDirectListener(t *testing.T) {
	e := newStartedEngine(t)

	var mu sync.Mutex
	var got []models.Event
	h, err := e.AddListener(ListenerFunc(func(ev models.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	}), Prefix("/robot"), models.NotifyNew|models.NotifyUpdate)
	require.NoError(t, err)

	e.Ingest(1, "/robot/speed", models.MakeDouble(1), models.NotifyNew, false, false)
	e.Ingest(1, "/robot/speed", models.MakeDouble(2), models.NotifyUpdate, false, false)
	e.Ingest(2, "/dash/x", models.MakeDouble(2), models.NotifyUpdate, false, false)
	require.True(t, e.WaitForDispatch(time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, h, ev.Listener)
		assert.Equal(t, "/robot/speed", ev.Name)
	}
	assert.Equal(t, 2.0, got[1].Value.Double)
}

func TestListenerFaultsAreContained(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	e := newStartedEngine(t, WithLogger(zap.New(core)))

	failing, err := e.AddListener(ListenerFunc(func(ev models.Event) error {
		return errors.New("boom")
	}), Prefix("/"), models.NotifyNew)
	require.NoError(t, err)

	panicking, err := e.AddListener(ListenerFunc(func(ev models.Event) error {
		panic("kaboom")
	}), Prefix("/"), models.NotifyNew)
	require.NoError(t, err)

	p := e.CreatePoller()
	mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew)

	e.Ingest(1, "/a", models.MakeDouble(1), models.NotifyNew, false, false)
	e.Ingest(2, "/b", models.MakeDouble(1), models.NotifyNew, false, false)

	events := pollNow(t, e, p)
	require.Len(t, events, 2)

	failed := logs.FilterMessage("listener failed")
	assert.Equal(t, 2, failed.Len())
	for _, entry := range failed.All() {
		assert.Equal(t, failing.String(), entry.ContextMap()["listener"])
		assert.Equal(t, "boom", entry.ContextMap()["error"])
	}

	panicked := logs.FilterMessage("listener panicked")
	assert.Equal(t, 2, panicked.Len())
	for _, entry := range panicked.All() {
		assert.Equal(t, panicking.String(), entry.ContextMap()["listener"])
	}
}

func TestListenerMayUnsubscribeItself(t *testing.T) {
	e := newStartedEngine(t)

	var calls int
	var h models.ListenerHandle
	var err error
	h, err = e.AddListener(ListenerFunc(func(ev models.Event) error {
		calls++
		e.Unsubscribe(h)
		return nil
	}), Prefix("/"), models.NotifyNew)
	require.NoError(t, err)

	e.Ingest(1, "/a", models.MakeDouble(1), models.NotifyNew, false, false)
	require.True(t, e.WaitForDispatch(time.Second))
	e.Ingest(2, "/b", models.MakeDouble(1), models.NotifyNew, false, false)
	require.True(t, e.WaitForDispatch(time.Second))

	assert.Equal(t, 1, calls)
}

func TestEventsBufferedUntilStart(t *testing.T) {
	e := New()
	p := e.CreatePoller()
	mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew)

	e.Ingest(1, "/early", models.MakeDouble(1), models.NotifyNew, false, false)
	assert.False(t, e.WaitForDispatch(20*time.Millisecond))

	_, status, err := e.Poll(p, 0)
	require.NoError(t, err)
	assert.Equal(t, PollTimedOut, status)

	e.Start()
	e.Start()
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	events := pollNow(t, e, p)
	require.Len(t, events, 1)
	assert.Equal(t, "/early", events[0].Name)
}

func TestStop(t *testing.T) {
	e := New()
	e.Start()
	p := e.CreatePoller()
	mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew)

	pollDone := make(chan PollStatus, 1)
	go func() {
		_, status, _ := e.Poll(p, -1)
		pollDone <- status
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, e.Stop(context.Background()))

	select {
	case status := <-pollDone:
		assert.Equal(t, PollDestroyed, status)
	case <-time.After(time.Second):
		t.Fatal("Stop did not wake the blocked poll")
	}

	// dropped silently
	e.Ingest(1, "/late", models.MakeDouble(1), models.NotifyNew, false, false)
	assert.True(t, e.WaitForDispatch(time.Second))

	_, err := e.AddListener(ListenerFunc(func(models.Event) error { return nil }), Prefix("/"), models.NotifyNew)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopDispatchesQueuedEvents(t *testing.T) {
	e := New()
	var mu sync.Mutex
	var names []string
	_, err := e.AddListener(ListenerFunc(func(ev models.Event) error {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, ev.Name)
		return nil
	}), Prefix("/"), models.NotifyNew)
	require.NoError(t, err)

	e.Ingest(1, "/a", models.MakeDouble(1), models.NotifyNew, false, false)
	e.Ingest(2, "/b", models.MakeDouble(1), models.NotifyNew, false, false)
	e.Start()
	require.NoError(t, e.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/a", "/b"}, names)
}

func TestCreatePollerAfterStop(t *testing.T) {
	e := New()
	e.Start()
	require.NoError(t, e.Stop(context.Background()))

	p := e.CreatePoller()
	assert.NotZero(t, p)

	done := make(chan error, 1)
	go func() {
		_, _, err := e.Poll(p, -1)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInvalidHandle)
	case <-time.After(time.Second):
		t.Fatal("Poll on a poller created after Stop blocked")
	}

	_, err := e.WaitForQueue(p, -1)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, err = e.AddPolled(p, Prefix("/"), models.NotifyNew)
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, e.DestroyPoller(p))
}

func TestPollersCreatedDuringStopNeverHang(t *testing.T) {
	e := New()
	e.Start()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			p := e.CreatePoller()
			_, status, err := e.Poll(p, -1)
			if err == nil && status != PollDestroyed {
				err = fmt.Errorf("unexpected status %s", status)
			}
			if errors.Is(err, ErrInvalidHandle) {
				err = nil
			}
			results <- err
		}()
	}

	close(start)
	require.NoError(t, e.Stop(context.Background()))

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("a Poll issued around Stop never returned")
	}
	close(results)
	for err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, e.Subscriptions())
}

func TestStopBeforeStart(t *testing.T) {
	e := New()
	e.Ingest(1, "/a", models.MakeDouble(1), models.NotifyNew, false, false)
	require.NoError(t, e.Stop(context.Background()))
	assert.True(t, e.WaitForDispatch(0))

	e.Start()
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	assert.False(t, started)
}

type fakeSnapshot []models.Entry

func (f fakeSnapshot) Snapshot(fn func([]models.Entry)) { fn(f) }

// lockedEntries shares one lock between mutations and snapshots, the way a
// table does.
type lockedEntries struct {
	mu      sync.Mutex
	entries []models.Entry
	taken   chan struct{}
}

func (l *lockedEntries) Snapshot(fn func([]models.Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := append([]models.Entry(nil), l.entries...)
	if l.taken != nil {
		close(l.taken)
		l.taken = nil
	}
	// leave the deleter time to try and slip in
	time.Sleep(20 * time.Millisecond)
	fn(cur)
}

func (l *lockedEntries) delete(e *Engine, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, ent := range l.entries {
		if ent.Name == name {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			e.Ingest(ent.Handle, ent.Name, ent.Value, models.NotifyDelete, false, false)
			return
		}
	}
}

func TestImmediateSnapshotOrderedBeforeConcurrentDelete(t *testing.T) {
	src := &lockedEntries{
		entries: []models.Entry{
			{Handle: 1, Name: "/foo/a", Value: models.MakeDouble(1)},
			{Handle: 2, Name: "/foo/b", Value: models.MakeDouble(2)},
		},
		taken: make(chan struct{}),
	}
	e := newStartedEngine(t, WithSnapshotter(src), WithImmediateSnapshot(true))
	p := e.CreatePoller()

	taken := src.taken
	deleted := make(chan struct{})
	go func() {
		defer close(deleted)
		<-taken
		src.delete(e, "/foo/a")
	}()

	mustAddPolled(t, e, p, Prefix("/foo"), models.NotifyNew|models.NotifyDelete|models.NotifyImmediate)
	select {
	case <-deleted:
	case <-time.After(time.Second):
		t.Fatal("delete never ran")
	}

	events := pollNow(t, e, p)
	require.Len(t, events, 3)
	assert.Equal(t, "/foo/a", events[0].Name)
	assert.Equal(t, models.NotifyNew|models.NotifyImmediate, events[0].Flags)
	assert.Equal(t, "/foo/b", events[1].Name)
	assert.Equal(t, models.NotifyNew|models.NotifyImmediate, events[1].Flags)
	// the delete is the last word on /foo/a
	assert.Equal(t, "/foo/a", events[2].Name)
	assert.Equal(t, models.NotifyDelete, events[2].Flags)
}

func TestImmediateSnapshot(t *testing.T) {
	snap := fakeSnapshot{
		{Handle: 1, Name: "/foo/a", Value: models.MakeDouble(1)},
		{Handle: 2, Name: "/foo/b", Value: models.MakeDouble(2)},
		{Handle: 3, Name: "/bar", Value: models.MakeDouble(3)},
	}

	t.Run("enabled", func(t *testing.T) {
		e := newStartedEngine(t, WithSnapshotter(snap), WithImmediateSnapshot(true))
		p := e.CreatePoller()
		other := e.CreatePoller()
		mustAddPolled(t, e, other, Prefix("/foo"), models.NotifyNew)
		h := mustAddPolled(t, e, p, Prefix("/foo"), models.NotifyNew|models.NotifyImmediate)

		events := pollNow(t, e, p)
		require.Len(t, events, 2)
		for i, ev := range events {
			assert.Equal(t, h, ev.Listener)
			assert.Equal(t, models.NotifyNew|models.NotifyImmediate, ev.Flags)
			assert.Equal(t, snap[i].Name, ev.Name)
		}

		_, status, err := e.Poll(other, 0)
		require.NoError(t, err)
		assert.Equal(t, PollTimedOut, status)
	})

	t.Run("requires new", func(t *testing.T) {
		e := newStartedEngine(t, WithSnapshotter(snap), WithImmediateSnapshot(true))
		p := e.CreatePoller()
		mustAddPolled(t, e, p, Prefix("/foo"), models.NotifyUpdate|models.NotifyImmediate)

		require.True(t, e.WaitForDispatch(time.Second))
		_, status, err := e.Poll(p, 0)
		require.NoError(t, err)
		assert.Equal(t, PollTimedOut, status)
	})

	t.Run("disabled by default", func(t *testing.T) {
		e := newStartedEngine(t, WithSnapshotter(snap))
		p := e.CreatePoller()
		mustAddPolled(t, e, p, Prefix("/"), models.NotifyNew|models.NotifyImmediate)

		require.True(t, e.WaitForDispatch(time.Second))
		_, status, err := e.Poll(p, 0)
		require.NoError(t, err)
		assert.Equal(t, PollTimedOut, status)
	})
}

func TestPollerCapacityHintWarnsOnce(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := newStartedEngine(t, WithLogger(zap.New(core)), WithPollerCapacity(3))
	p := e.CreatePoller()
	mustAddPolled(t, e, p, Prefix("/"), models.NotifyUpdate)

	for i := 0; i < 10; i++ {
		e.Ingest(1, "/a", models.MakeDouble(float64(i)), models.NotifyUpdate, false, false)
	}

	// nothing is dropped, the hint is advisory
	assert.Len(t, pollNow(t, e, p), 10)
	assert.Equal(t, 1, logs.FilterMessage("poller queue above capacity hint").Len())
}
