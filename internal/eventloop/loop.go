// Package eventloop runs driver events and timer callbacks one at a time on a
// single goroutine, so the code they call needs no locking of its own.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// Loop is a cooperative single-consumer callback queue.
type Loop struct {
	queue chan func()
}

// New creates a loop that buffers up to depth pending callbacks.
func New(depth int) *Loop {
	if depth <= 0 {
		depth = 256
	}
	return &Loop{queue: make(chan func(), depth)}
}

// Post enqueues fn without blocking. It returns false when the queue is
// full and fn was dropped.
func (l *Loop) Post(fn func()) bool {
	select {
	case l.queue <- fn:
		return true
	default:
		return false
	}
}

// Run executes callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			fn()
		}
	}
}

// Timer is a one-shot or repeating timer whose callback runs on the loop.
type Timer struct {
	loop   *Loop
	period time.Duration
	repeat bool
	fn     func()

	mu      sync.Mutex
	t       *time.Timer
	stopped bool
	gen     uint64
}

// SetTimer arms a timer that fires after d and, if repeat is set, every d
// after that.
func (l *Loop) SetTimer(d time.Duration, repeat bool, fn func()) *Timer {
	t := &Timer{loop: l, period: d, repeat: repeat, fn: fn}
	t.mu.Lock()
	t.armLocked()
	t.mu.Unlock()
	return t
}

func (t *Timer) armLocked() {
	t.gen++
	gen := t.gen
	t.t = time.AfterFunc(t.period, func() { t.fire(gen) })
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen {
		t.mu.Unlock()
		return
	}
	if t.repeat {
		t.armLocked()
	}
	t.mu.Unlock()

	t.loop.Post(func() {
		t.mu.Lock()
		live := !t.stopped && (t.repeat || gen == t.gen)
		t.mu.Unlock()
		if live {
			t.fn()
		}
	})
}

// Reset restarts the countdown from now. A stopped timer is re-armed.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.stopped = false
	t.armLocked()
}

// Stop disarms the timer. Callbacks already queued on the loop are skipped.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.gen++
	if t.t != nil {
		t.t.Stop()
	}
}
