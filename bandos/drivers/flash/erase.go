package flash

import (
	"context"
	"fmt"
	"time"

	"band/bandos/analytics"
	"band/bandos/kernel"
	"band/hal"
)

// eraseContext is the one running erase. Guarded by Driver.mu.
type eraseContext struct {
	inProgress bool
	suspended  bool
	subsector  bool
	retries    uint8
	task       kernel.TaskID
	addr       uint32
	done       EraseCallback
	expectedMs uint32
}

type eraseRequest struct {
	addr      uint32
	subsector bool
	task      kernel.TaskID
	done      EraseCallback
	retries   uint8
}

// EraseState is the diagnostic view of the erase state machine.
type EraseState uint8

const (
	EraseIdle EraseState = iota
	EraseRunning
	EraseSuspended
)

func (s EraseState) String() string {
	switch s {
	case EraseIdle:
		return "idle"
	case EraseRunning:
		return "running"
	case EraseSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

type EraseInfo struct {
	State     EraseState
	Addr      uint32
	Subsector bool
	Retries   uint8
	Task      kernel.TaskID
}

// EraseState reports the running erase, if any.
func (d *Driver) EraseState() EraseInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	ec := d.erase
	if !ec.inProgress {
		return EraseInfo{State: EraseIdle}
	}
	info := EraseInfo{State: EraseRunning, Addr: ec.addr, Subsector: ec.subsector, Retries: ec.retries, Task: ec.task}
	if ec.suspended {
		info.State = EraseSuspended
	}
	return info
}

// begin takes the erase token, waiting for any earlier logical erase, and
// starts req. It fails only if ctx ends before the token is obtained.
func (d *Driver) begin(ctx context.Context, req eraseRequest) (uint32, error) {
	if err := d.token.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	return d.start(req), nil
}

// start issues one erase attempt for req; the caller owns the token.
//
// A non-zero result is the delay before the first poll. Zero means the
// request is over: the token has been released and req.done has run.
func (d *Driver) start(req eraseRequest) uint32 {
	d.mu.Lock()
	if d.erase.inProgress {
		running := d.erase.addr
		d.mu.Unlock()
		panic(fmt.Sprintf("flash: erase of %#x started while %#x is in progress", req.addr, running))
	}
	if err := d.usableLocked(); err != nil {
		d.mu.Unlock()
		d.logf("erase %#x rejected: %v", req.addr, err)
		d.finish(req.done, StatusError)
		return 0
	}

	base, expected := d.hw.SectorBase(req.addr), d.hw.TypicalSectorEraseMs()
	if req.subsector {
		base, expected = d.hw.SubsectorBase(req.addr), d.hw.TypicalSubsectorEraseMs()
	}

	d.stop.Inhibit(kernel.InhibitorFlash)

	var blank bool
	var err error
	if req.subsector {
		blank, err = d.hw.BlankCheckSubsector(base)
	} else {
		blank, err = d.hw.BlankCheckSector(base)
	}
	if err == nil && blank {
		d.stop.Allow(kernel.InhibitorFlash)
		d.mu.Unlock()
		d.finish(req.done, StatusNoActionRequired)
		return 0
	}

	if req.subsector {
		err = d.hw.EraseSubsectorBegin(base)
	} else {
		err = d.hw.EraseSectorBegin(base)
	}
	if err != nil {
		d.stop.Allow(kernel.InhibitorFlash)
		d.mu.Unlock()
		d.logf("erase %#x did not start: %v", base, err)
		d.finish(req.done, StatusError)
		return 0
	}

	d.erase = eraseContext{
		inProgress: true,
		subsector:  req.subsector,
		retries:    req.retries,
		task:       req.task,
		addr:       base,
		done:       req.done,
		expectedMs: expected,
	}
	d.nv.StoreWord(EraseRecord{InProgress: true, Subsector: req.subsector, Addr: base}.Pack())
	d.stats.Inc(analytics.FlashEraseCount)
	d.mu.Unlock()

	return maxDelay(expected * 7 / 8)
}

// poll checks the running erase. A non-zero result is the delay before the
// next poll; zero means the logical erase is over and its callback has run.
func (d *Driver) poll() uint32 {
	d.mu.Lock()
	if !d.erase.inProgress {
		d.mu.Unlock()
		return 0
	}
	st, err := d.hw.EraseStatus()
	if err == nil && st != hal.OpDone {
		delay := maxDelay(d.erase.expectedMs / 8)
		d.mu.Unlock()
		return delay
	}

	ec := d.erase
	d.erase = eraseContext{}
	d.nv.StoreWord(0)
	d.resumeTimer.Stop()
	d.stop.Allow(kernel.InhibitorFlash)
	d.mu.Unlock()

	if err == nil {
		d.finish(ec.done, StatusSuccess)
		return 0
	}

	d.logf("erase %#x failed (attempt %d): %v", ec.addr, ec.retries+1, err)
	if ec.retries < MaxEraseRetries {
		d.stats.Inc(analytics.FlashEraseRetries)
		return d.start(eraseRequest{
			addr:      ec.addr,
			subsector: ec.subsector,
			task:      ec.task,
			done:      ec.done,
			retries:   ec.retries + 1,
		})
	}
	d.finish(ec.done, StatusError)
	return 0
}

// finish ends a logical erase: the token goes back, then the callback runs.
func (d *Driver) finish(done EraseCallback, st Status) {
	d.token.Release(1)
	if done != nil {
		done(st)
	}
}

// pauseLocked suspends the running erase so the chip accepts reads and writes.
func (d *Driver) pauseLocked() {
	if !d.erase.inProgress || d.erase.suspended {
		return
	}
	time.Sleep(time.Duration(d.timing.MinEraseSliceMs) * time.Millisecond)
	d.wd.Feed(d.erase.task)

	ok, err := d.hw.EraseSuspend(d.erase.addr)
	if err != nil {
		d.logf("suspend erase %#x: %v", d.erase.addr, err)
		return
	}
	if !ok {
		// Already finished; poll observes the completion.
		return
	}
	d.erase.suspended = true
	d.stats.Inc(analytics.FlashEraseSuspends)
}

func (d *Driver) resumeLocked() {
	if !d.erase.inProgress || !d.erase.suspended {
		return
	}
	if err := d.hw.EraseResume(d.erase.addr); err != nil {
		d.logf("resume erase %#x: %v", d.erase.addr, err)
	}
	d.erase.suspended = false
}

func (d *Driver) autoResume(context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumeLocked()
}

func (d *Driver) pollTick(context.Context) {
	if delay := d.poll(); delay > 0 {
		d.pollTimer.Start(delay, d.pollTick)
	}
}

// eraseAsync starts an erase and polls it from the timer task. done is
// delivered on its own goroutine.
func (d *Driver) eraseAsync(ctx context.Context, addr uint32, subsector bool, done EraseCallback) error {
	if err := d.checkRange("erase", addr, 1); err != nil {
		return err
	}
	if done != nil {
		cb := done
		done = func(st Status) { go cb(st) }
	}
	delay, err := d.begin(ctx, eraseRequest{addr: addr, subsector: subsector, task: kernel.TaskFrom(ctx), done: done})
	if err != nil {
		return err
	}
	if delay > 0 {
		d.pollTimer.Start(delay, d.pollTick)
	}
	return nil
}

// eraseBlocking runs an erase to completion on the caller.
func (d *Driver) eraseBlocking(ctx context.Context, addr uint32, subsector bool) error {
	if err := d.checkRange("erase", addr, 1); err != nil {
		return err
	}
	var status Status
	task := kernel.TaskFrom(ctx)
	delay, err := d.begin(ctx, eraseRequest{addr: addr, subsector: subsector, task: task, done: func(st Status) { status = st }})
	if err != nil {
		return err
	}

	started := time.Now()
	for delay > 0 {
		d.sleepPolling(ctx, delay, task, started)
		delay = d.poll()
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("erase %#x: %w", addr, err)
	}
	return nil
}

// sleepPolling waits delayMs in 1 ms steps. Each step runs the auto-resume
// timer inline if it is due, since the timer task may be the one stuck
// behind this wait, and feeds the caller's watchdog until the cutoff.
func (d *Driver) sleepPolling(ctx context.Context, delayMs uint32, task kernel.TaskID, started time.Time) {
	cutoff := time.Duration(d.timing.WatchdogFeedCutoffMs) * time.Millisecond
	deadline := time.Now().Add(time.Duration(delayMs) * time.Millisecond)
	for {
		d.resumeTimer.RunIfDue(ctx)
		if time.Since(started) < cutoff {
			d.wd.Feed(task)
		}
		left := time.Until(deadline)
		if left <= 0 {
			return
		}
		if left > time.Millisecond {
			left = time.Millisecond
		}
		time.Sleep(left)
	}
}

func maxDelay(ms uint32) uint32 {
	if ms == 0 {
		return 1
	}
	return ms
}
