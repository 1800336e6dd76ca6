package app

import (
	"context"

	"band/bandos/drivers/flash"
	"band/bandos/kernel"
)

const idleCheckMs = 100

// idleTask stands in for the stop-mode entry of the idle loop. While no
// inhibitor is held the flash is powered down for stop; the first check
// that finds one held leaves stop and powers the flash back up.
type idleTask struct {
	ts       *kernel.TimerService
	stop     *kernel.StopMode
	flash    *flash.Driver
	periodMs uint32

	// Only touched on the timer task.
	inStop bool
}

func (t *idleTask) check(context.Context) {
	if t.stop.StopAllowed() {
		if t.flash.PowerDownForStop() {
			t.inStop = true
		}
		return
	}
	if t.inStop {
		t.flash.PowerUpAfterStop()
		t.inStop = false
	}
}

func (t *idleTask) Run(ctx context.Context) {
	tm := t.ts.NewTimer()
	defer tm.Delete()

	var tick func(context.Context)
	tick = func(ctx context.Context) {
		t.check(ctx)
		tm.Start(t.periodMs, tick)
	}
	tm.Start(t.periodMs, tick)
	<-ctx.Done()
}
