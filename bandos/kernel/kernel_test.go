package kernel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type manualTime struct {
	ch chan uint64
}

func newManualTime() *manualTime { return &manualTime{ch: make(chan uint64)} }

func (m *manualTime) Ticks() <-chan uint64 { return m.ch }

// set jumps the clock to seq.
func (m *manualTime) set(seq uint64) { m.ch <- seq }

type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
}

func (l *lineLog) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *lineLog) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.lines {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func waitNow(t *testing.T, s *TimerService, want uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for s.Now() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clock stuck at %d, want %d", s.Now(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTaskContext(t *testing.T) {
	if got := TaskFrom(context.Background()); got != TaskNone {
		t.Fatalf("TaskFrom(background)=%s want none", got)
	}
	ctx := WithTask(context.Background(), TaskConsole)
	if got := TaskFrom(ctx); got != TaskConsole {
		t.Fatalf("TaskFrom=%s want console", got)
	}
	if got := TaskID(40).String(); got != "task40" {
		t.Fatalf("String=%q", got)
	}
}

func TestTimerFiresOnTimerTask(t *testing.T) {
	mt := newManualTime()
	s := NewTimerService(mt, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	fired := make(chan TaskID, 1)
	tm := s.NewTimer()
	tm.Start(10, func(ctx context.Context) { fired <- TaskFrom(ctx) })

	mt.set(9)
	waitNow(t, s, 9)
	select {
	case <-fired:
		t.Fatal("timer fired early")
	case <-time.After(20 * time.Millisecond):
	}

	mt.set(10)
	select {
	case id := <-fired:
		if id != TaskTimer {
			t.Fatalf("callback task=%s want timer", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if _, armed := tm.Remaining(); armed {
		t.Fatal("one-shot timer still armed after firing")
	}
}

func TestTimerRestartAndStop(t *testing.T) {
	s := NewTimerService(nil, nil)
	tm := s.NewTimer()

	tm.Start(5, func(context.Context) {})
	s.now.Store(3)
	tm.Start(5, func(context.Context) {})
	if ms, armed := tm.Remaining(); !armed || ms != 5 {
		t.Fatalf("Remaining=%d,%v want 5,true", ms, armed)
	}
	if !tm.Stop() {
		t.Fatal("Stop should report a scheduled timer")
	}
	if tm.Stop() {
		t.Fatal("second Stop should report nothing scheduled")
	}
}

func TestTimerRunIfDueRunsOnce(t *testing.T) {
	s := NewTimerService(nil, nil)
	tm := s.NewTimer()

	runs := 0
	tm.Start(5, func(context.Context) { runs++ })
	if tm.RunIfDue(context.Background()) {
		t.Fatal("RunIfDue ran a timer that is not due")
	}

	s.now.Store(5)
	if !tm.RunIfDue(context.Background()) {
		t.Fatal("RunIfDue did not run a due timer")
	}
	if fn := s.claimNext(); fn != nil {
		t.Fatal("dispatcher could claim a callback already run inline")
	}
	if tm.RunIfDue(context.Background()) || runs != 1 {
		t.Fatalf("runs=%d want 1", runs)
	}
}

func TestTimerTableFullPanics(t *testing.T) {
	s := NewTimerService(nil, nil)
	timers := make([]*Timer, 0, maxTimers)
	for i := 0; i < maxTimers; i++ {
		timers = append(timers, s.NewTimer())
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic when table is full")
			}
		}()
		s.NewTimer()
	}()

	timers[3].Delete()
	if tm := s.NewTimer(); tm.id != 3 {
		t.Fatalf("reused slot %d want 3", tm.id)
	}
}

func TestWatchdogCheck(t *testing.T) {
	s := NewTimerService(nil, nil)
	w := NewWatchdog(s, nil, 0)
	w.Register(TaskApp)
	w.Register(TaskConsole)

	if got := w.Check(WatchdogTimeoutMs); len(got) != 0 {
		t.Fatalf("Check at timeout=%v want none", got)
	}

	s.now.Store(6000)
	w.Feed(TaskConsole)
	got := w.Check(WatchdogTimeoutMs + 1)
	if len(got) != 1 || got[0] != TaskApp {
		t.Fatalf("Check=%v want [app]", got)
	}

	w.FeedAll()
	if got := w.Check(7000); len(got) != 0 {
		t.Fatalf("Check after FeedAll=%v want none", got)
	}
	if n := w.Feeds(TaskConsole); n != 2 {
		t.Fatalf("Feeds(console)=%d want 2", n)
	}

	w.Unregister(TaskApp)
	if got := w.Check(20000); len(got) != 1 || got[0] != TaskConsole {
		t.Fatalf("Check after unregister=%v want [console]", got)
	}
}

func TestWatchdogRunReportsStarvation(t *testing.T) {
	mt := newManualTime()
	s := NewTimerService(mt, nil)
	log := &lineLog{}
	w := NewWatchdog(s, log, 100)
	w.Register(TaskApp)

	starved := make(chan TaskID, 4)
	w.OnStarve(func(id TaskID) { starved <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	go w.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for s.armedTimers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watchdog never armed its timer")
		}
		time.Sleep(time.Millisecond)
	}

	mt.set(watchdogCheckMs)
	select {
	case id := <-starved:
		if id != TaskApp {
			t.Fatalf("starved=%s want app", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no starvation reported")
	}
	if !log.contains("kernel: watchdog: task app starving") {
		t.Fatalf("log=%v", log.lines)
	}
}

func (s *TimerService) armedTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.slots {
		if s.slots[i].armed {
			n++
		}
	}
	return n
}

func TestStopModeRefcount(t *testing.T) {
	sm := NewStopMode()
	if !sm.StopAllowed() {
		t.Fatal("expected stop allowed initially")
	}
	sm.Inhibit(InhibitorFlash)
	sm.Inhibit(InhibitorFlash)
	if sm.StopAllowed() || sm.Count(InhibitorFlash) != 2 {
		t.Fatalf("count=%d", sm.Count(InhibitorFlash))
	}
	sm.Allow(InhibitorFlash)
	sm.Allow(InhibitorFlash)
	if !sm.StopAllowed() {
		t.Fatal("expected stop allowed after balanced allow")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unbalanced allow")
		}
	}()
	sm.Allow(InhibitorFlash)
}

func TestGuardReportsPanic(t *testing.T) {
	var got PanicInfo
	SetPanicHandler(func(info PanicInfo) { got = info })
	defer SetPanicHandler(nil)

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("re-raised %v want boom", r)
			}
		}()
		defer Guard(TaskApp)
		panic("boom")
	}()

	if got.TaskID != TaskApp || got.Value != "boom" {
		t.Fatalf("panic info=%+v", got)
	}
	if len(got.Stack) == 0 {
		t.Fatal("expected a stack")
	}
	if !InPanicMode() {
		t.Fatal("expected panic mode")
	}
}
