//go:build !tinygo

package hal

import (
	"sync"
	"time"
)

// HostTime emits 1ms ticks driven by the wall clock.
//
// Ticks missed because the consumer was slow are accumulated and replayed,
// so the sequence number tracks elapsed milliseconds.
type HostTime struct {
	ch  chan uint64
	seq uint64

	last time.Time
	acc  time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

// NewHostTime starts the tick source.
func NewHostTime() *HostTime {
	t := newHostTime()
	go t.run()
	return t
}

func newHostTime() *HostTime {
	return &HostTime{ch: make(chan uint64, 1024), done: make(chan struct{})}
}

func (t *HostTime) Ticks() <-chan uint64 { return t.ch }

// Stop halts the tick source. Ticks already queued remain readable.
func (t *HostTime) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *HostTime) run() {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.step()
		}
	}
}

func (t *HostTime) step() {
	now := time.Now()
	if t.last.IsZero() {
		t.last = now
		t.acc = 0
		t.stepN(1)
		return
	}

	t.acc += now.Sub(t.last)
	t.last = now

	const tickDur = time.Millisecond
	ticks := uint64(t.acc / tickDur)
	if ticks == 0 {
		return
	}
	t.acc = t.acc % tickDur
	t.stepN(ticks)
}

func (t *HostTime) stepN(n uint64) {
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
