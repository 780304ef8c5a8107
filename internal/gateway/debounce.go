package gateway

import (
	"sync"
	"time"
)

// debouncer turns bursts of change notifications into single reload
// requests. It holds at most one pending timer, and at most one fired
// request waits in the queue; further fires while one is queued are dropped.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	queue chan struct{}
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay: delay,
		queue: make(chan struct{}, 1),
	}
}

// Trigger (re)starts the quiet period.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *debouncer) fire() {
	select {
	case d.queue <- struct{}{}:
	default:
	}
}

// C delivers one value per coalesced burst.
func (d *debouncer) C() <-chan struct{} {
	return d.queue
}

// Stop cancels a pending timer.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
