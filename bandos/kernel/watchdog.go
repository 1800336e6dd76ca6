package kernel

import (
	"context"
	"fmt"
	"sync"

	"band/hal"
)

// WatchdogTimeoutMs is how long a registered task may go unfed.
const WatchdogTimeoutMs = 6500

const watchdogCheckMs = 1000

type watchdogTask struct {
	registered bool
	lastFed    uint64
	feeds      uint64
}

// Watchdog tracks task liveness. Tasks feed it while doing long work;
// Check reports the ones that stopped.
type Watchdog struct {
	ts        *TimerService
	logger    hal.Logger
	timeoutMs uint64

	mu       sync.Mutex
	tasks    [maxTasks]watchdogTask
	onStarve func(TaskID)
}

// NewWatchdog creates a watchdog clocked by ts. timeoutMs 0 selects
// WatchdogTimeoutMs.
func NewWatchdog(ts *TimerService, logger hal.Logger, timeoutMs uint32) *Watchdog {
	if timeoutMs == 0 {
		timeoutMs = WatchdogTimeoutMs
	}
	return &Watchdog{ts: ts, logger: logger, timeoutMs: uint64(timeoutMs)}
}

// OnStarve installs a hook called for every starving task found by Run.
func (w *Watchdog) OnStarve(fn func(TaskID)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onStarve = fn
}

func (w *Watchdog) Register(id TaskID) {
	if int(id) >= maxTasks {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[id] = watchdogTask{registered: true, lastFed: w.ts.Now()}
}

func (w *Watchdog) Unregister(id TaskID) {
	if int(id) >= maxTasks {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[id] = watchdogTask{}
}

// Feed marks id as alive. Feeding an unregistered task is counted but
// never checked.
func (w *Watchdog) Feed(id TaskID) {
	if int(id) >= maxTasks {
		return
	}
	now := w.ts.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[id].lastFed = now
	w.tasks[id].feeds++
}

func (w *Watchdog) FeedAll() {
	now := w.ts.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.tasks {
		if w.tasks[i].registered {
			w.tasks[i].lastFed = now
			w.tasks[i].feeds++
		}
	}
}

// Feeds returns how many times id has been fed.
func (w *Watchdog) Feeds(id TaskID) uint64 {
	if int(id) >= maxTasks {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tasks[id].feeds
}

// Check lists the registered tasks not fed within the timeout at now.
func (w *Watchdog) Check(now uint64) []TaskID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []TaskID
	for i := range w.tasks {
		t := &w.tasks[i]
		if !t.registered || now < t.lastFed {
			continue
		}
		if now-t.lastFed > w.timeoutMs {
			out = append(out, TaskID(i))
		}
	}
	return out
}

// Run checks the tasks once a second until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	tm := w.ts.NewTimer()
	defer tm.Delete()

	var check func(context.Context)
	check = func(context.Context) {
		for _, id := range w.Check(w.ts.Now()) {
			if w.logger != nil {
				w.logger.WriteLineString(fmt.Sprintf("kernel: watchdog: task %s starving", id))
			}
			w.mu.Lock()
			fn := w.onStarve
			w.mu.Unlock()
			if fn != nil {
				fn(id)
			}
		}
		tm.Start(watchdogCheckMs, check)
	}
	tm.Start(watchdogCheckMs, check)
	<-ctx.Done()
}
