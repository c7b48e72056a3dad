package sync

import (
	"sync"
	"time"
)

// debouncer coalesces rapid repeated events on the same path into the
// single latest event, so a large file copy does not trigger a transfer for
// every intermediate write. Each path gets its own timer; a new event for a
// pending path replaces the event and restarts the timer.
type debouncer struct {
	window time.Duration
	emit   func(ChangeEvent)

	mu      sync.Mutex
	stopped bool
	pending map[string]*pendingChange
}

type pendingChange struct {
	event ChangeEvent
	timer *time.Timer
}

func newDebouncer(window time.Duration, emit func(ChangeEvent)) *debouncer {
	return &debouncer{
		window:  window,
		emit:    emit,
		pending: make(map[string]*pendingChange),
	}
}

// Offer schedules ev for emission after the window elapses with no further
// event for the same path.
func (d *debouncer) Offer(ev ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if pc, ok := d.pending[ev.Path]; ok {
		pc.event = ev
		pc.timer.Reset(d.window)
		return
	}
	pc := &pendingChange{event: ev}
	pc.timer = time.AfterFunc(d.window, func() { d.fire(ev.Path) })
	d.pending[ev.Path] = pc
}

func (d *debouncer) fire(path string) {
	d.mu.Lock()
	pc, ok := d.pending[path]
	if ok {
		delete(d.pending, path)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if ok && !stopped {
		d.emit(pc.event)
	}
}

// Stop cancels all pending timers. Events not yet emitted are dropped; the
// next startup's reconciliation pass picks them up.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, pc := range d.pending {
		pc.timer.Stop()
		delete(d.pending, path)
	}
}
