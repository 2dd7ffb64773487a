// Package reactor runs the client core: a single-goroutine cooperative
// event loop.  Callbacks posted to the loop execute serially, so state
// touched only from loop callbacks needs no locking.
package reactor

import (
	"context"
	"sync"
	"time"
)

// Loop is a single-threaded event dispatcher.  Work enters through
// Post and runs on whichever goroutine calls Run (or Flush).
type Loop struct {
	events chan func()
}

// New returns an idle loop.
func New() *Loop {
	return &Loop{events: make(chan func(), 256)}
}

// Post schedules fn to run on the loop.
func (l *Loop) Post(fn func()) {
	l.events <- fn
}

// Run executes posted callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.events:
			fn()
		}
	}
}

// Flush synchronously runs every callback already queued, including
// ones queued by the callbacks themselves.  Intended for tests and
// single-owner drivers; must not race with Run.
func (l *Loop) Flush() {
	for {
		select {
		case fn := <-l.events:
			fn()
		default:
			return
		}
	}
}

// ── Readiness watches ────────────────────────────────────────────────

// Watch is a persistent readiness registration: every token received on
// the watched channel becomes one invocation of the callback on the
// loop.  It mirrors a persistent read event on a file descriptor.
//
// Cancellation stops forwarding but a wakeup already posted may still
// run; loop callbacks must tolerate stale wakeups for torn-down owners.
type Watch struct {
	stop chan struct{}
	once sync.Once
}

// Watch begins forwarding readiness tokens from ready to fn.
func (l *Loop) Watch(ready <-chan struct{}, fn func()) *Watch {
	w := &Watch{stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-w.stop:
				return
			case _, ok := <-ready:
				if !ok {
					return
				}
				l.Post(fn)
			}
		}
	}()
	return w
}

// Cancel stops the watch.  Safe to call more than once.
func (w *Watch) Cancel() {
	w.once.Do(func() { close(w.stop) })
}

// ── Timers ───────────────────────────────────────────────────────────

// Timer is a one-shot timer bound to a loop callback.  A Timer is
// assigned once and armed separately; an unarmed Timer never fires.
type Timer struct {
	loop *Loop
	fn   func()

	mu      sync.Mutex
	pending *time.Timer
}

// NewTimer assigns a timer for fn without arming it.
func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn}
}

// Arm schedules the callback to run on the loop after d, replacing any
// pending schedule.
func (t *Timer) Arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
	}
	t.pending = time.AfterFunc(d, func() {
		t.loop.Post(t.fn)
	})
}

// Stop cancels a pending schedule, if any.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}
