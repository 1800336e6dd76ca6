package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"band/hal"
)

const maxTimers = 16

type timerSlot struct {
	inUse bool
	armed bool
	due   uint64
	fn    func(context.Context)
}

// TimerService runs one-shot millisecond timers on a single dispatcher
// goroutine (the timer task). Callbacks run serially and must not block
// for long: every other timer waits behind them.
type TimerService struct {
	ht     hal.Time
	logger hal.Logger

	now  atomic.Uint64
	wake chan struct{}

	mu    sync.Mutex
	slots [maxTimers]timerSlot
}

func NewTimerService(ht hal.Time, logger hal.Logger) *TimerService {
	return &TimerService{ht: ht, logger: logger, wake: make(chan struct{}, 1)}
}

// Now returns the last tick seen, in milliseconds since boot.
func (s *TimerService) Now() uint64 { return s.now.Load() }

// Run drives the tick stream and dispatches due callbacks until ctx is done.
func (s *TimerService) Run(ctx context.Context) {
	ctx = WithTask(ctx, TaskTimer)
	go s.trackTicks(ctx)
	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (s *TimerService) trackTicks(ctx context.Context) {
	if s.ht == nil {
		return
	}
	ch := s.ht.Ticks()
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case seq, ok := <-ch:
			if !ok {
				return
			}
			s.now.Store(seq)
			s.poke()
		}
	}
}

func (s *TimerService) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *TimerService) dispatch(ctx context.Context) {
	for {
		fn := s.claimNext()
		if fn == nil {
			return
		}
		s.run(ctx, fn)
	}
}

func (s *TimerService) run(ctx context.Context, fn func(context.Context)) {
	defer Guard(TaskTimer)
	fn(ctx)
}

func (s *TimerService) claimNext() func(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if fn := s.claimLocked(i); fn != nil {
			return fn
		}
	}
	return nil
}

func (s *TimerService) claimLocked(i int) func(context.Context) {
	sl := &s.slots[i]
	if !sl.inUse || !sl.armed || sl.due > s.now.Load() {
		return nil
	}
	fn := sl.fn
	sl.armed = false
	sl.fn = nil
	return fn
}

// NewTimer allocates a timer slot. Running out of slots is a programming
// error and panics.
func (s *TimerService) NewTimer() *Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].inUse {
			continue
		}
		s.slots[i] = timerSlot{inUse: true}
		return &Timer{s: s, id: i}
	}
	panic("kernel: timer table full")
}

// Timer is a one-shot timer owned by one component.
type Timer struct {
	s  *TimerService
	id int
}

// Start (re)schedules fn to run ms milliseconds from now.
func (t *Timer) Start(ms uint32, fn func(context.Context)) {
	s := t.s
	s.mu.Lock()
	sl := &s.slots[t.id]
	if !sl.inUse {
		s.mu.Unlock()
		panic("kernel: start of deleted timer")
	}
	sl.armed = true
	sl.due = s.now.Load() + uint64(ms)
	sl.fn = fn
	s.mu.Unlock()
	if ms == 0 {
		s.poke()
	}
}

// Stop cancels the timer and reports whether it was scheduled.
func (t *Timer) Stop() bool {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := &s.slots[t.id]
	was := sl.armed
	sl.armed = false
	sl.fn = nil
	return was
}

// Remaining returns the milliseconds left before the timer fires.
func (t *Timer) Remaining() (uint32, bool) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := &s.slots[t.id]
	if !sl.armed {
		return 0, false
	}
	now := s.now.Load()
	if sl.due <= now {
		return 0, true
	}
	return uint32(sl.due - now), true
}

// RunIfDue runs the callback on the caller if it is due and the timer task
// has not picked it up yet.
func (t *Timer) RunIfDue(ctx context.Context) bool {
	s := t.s
	s.mu.Lock()
	fn := s.claimLocked(t.id)
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ctx)
	return true
}

// Delete stops the timer and frees its slot.
func (t *Timer) Delete() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[t.id] = timerSlot{}
}
