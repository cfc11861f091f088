package middleware

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of calls per key: each Trigger restarts the
// key's timer and only the last function runs once the window has elapsed.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*debounced
	closed  bool
}

type debounced struct {
	timer *time.Timer
	fn    func()
	seq   uint64
}

// NewDebouncer constructs a debouncer with the given window.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, pending: map[string]*debounced{}}
}

// Trigger schedules fn for key, replacing and re-arming any pending call.
// Triggers after Close are ignored.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	entry := d.pending[key]
	if entry == nil {
		entry = &debounced{}
		d.pending[key] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.fn = fn
	entry.seq++
	seq := entry.seq
	entry.timer = time.AfterFunc(d.delay, func() {
		d.fire(key, seq)
	})
}

func (d *Debouncer) fire(key string, seq uint64) {
	d.mu.Lock()
	entry := d.pending[key]
	if entry == nil || entry.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	fn := entry.fn
	d.mu.Unlock()
	fn()
}

// Pending lists keys with a scheduled call.
func (d *Debouncer) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.pending))
	for key := range d.pending {
		keys = append(keys, key)
	}
	return keys
}

// Flush runs every pending call now, on the calling goroutine.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.pending))
	for key, entry := range d.pending {
		entry.timer.Stop()
		fns = append(fns, entry.fn)
		delete(d.pending, key)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Cancel drops the pending call for key without running it.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry := d.pending[key]; entry != nil {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}

// Close flushes pending calls and rejects further triggers.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.Flush()
}
