package flash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"band/bandos/analytics"
	"band/bandos/kernel"
	"band/hal"
)

const (
	recordInProgress = 1 << 31
	recordSubsector  = 1 << 30

	// MaxRecordAddr is the largest address the NVRAM record can hold. The
	// word layout is shared with other readers of the backup register.
	MaxRecordAddr = 1<<30 - 1
)

var errRecoveryTimeout = errors.New("flash: replayed erase did not finish")

// EraseRecord is the erase-in-progress marker kept in NVRAM:
// bit 31 in progress, bit 30 subsector, bits 0-29 address.
type EraseRecord struct {
	InProgress bool
	Subsector  bool
	Addr       uint32
}

// Pack encodes r. Addresses above MaxRecordAddr cannot be represented and panic.
func (r EraseRecord) Pack() uint32 {
	if r.Addr > MaxRecordAddr {
		panic(fmt.Sprintf("flash: erase record address %#x exceeds %#x", r.Addr, MaxRecordAddr))
	}
	w := r.Addr
	if r.InProgress {
		w |= recordInProgress
	}
	if r.Subsector {
		w |= recordSubsector
	}
	return w
}

func UnpackEraseRecord(w uint32) EraseRecord {
	return EraseRecord{
		InProgress: w&recordInProgress != 0,
		Subsector:  w&recordSubsector != 0,
		Addr:       w & MaxRecordAddr,
	}
}

// RecoveryReport describes what Init did about an interrupted erase.
type RecoveryReport struct {
	Replayed  bool
	Addr      uint32
	Subsector bool
	Attempts  int
	OK        bool
}

// Init brings up the chip and replays an erase that a reset interrupted.
// A failed replay is logged, not returned: rebooting would not fix it.
// Init waits for an erase still running from before; ctx bounds only the
// replay.
func (d *Driver) Init(ctx context.Context) error {
	if err := d.token.Acquire(context.WithoutCancel(ctx), 1); err != nil {
		return fmt.Errorf("flash: init: %w", err)
	}
	defer d.token.Release(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.hw.Init(false); err != nil {
		return fmt.Errorf("flash: init: %w", err)
	}
	d.geom = d.hw.Geometry()
	d.erase = eraseContext{}
	d.poweredDown = false
	d.recovery = d.recoverLocked(ctx)
	d.ready = true
	d.stopped = false
	return nil
}

// LastRecovery returns the report of the most recent Init.
func (d *Driver) LastRecovery() RecoveryReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recovery
}

func (d *Driver) recoverLocked(ctx context.Context) RecoveryReport {
	w := d.nv.LoadWord()
	rec := UnpackEraseRecord(w)
	if !rec.InProgress {
		if w != 0 {
			d.nv.StoreWord(0)
		}
		return RecoveryReport{}
	}

	kind := "sector"
	if rec.Subsector {
		kind = "subsector"
	}
	d.logf("replaying interrupted %s erase at %#x", kind, rec.Addr)
	d.stats.Inc(analytics.FlashRecoveryReplays)

	rep := RecoveryReport{Replayed: true, Addr: rec.Addr, Subsector: rec.Subsector}
	for rep.Attempts <= MaxEraseRetries {
		rep.Attempts++
		err := d.replayLocked(ctx, rec)
		if err == nil {
			rep.OK = true
			break
		}
		d.logf("replay %s erase at %#x (attempt %d): %v", kind, rec.Addr, rep.Attempts, err)
		if ctx.Err() != nil {
			break
		}
	}
	if !rep.OK {
		d.logf("giving up on %s at %#x", kind, rec.Addr)
	}
	d.nv.StoreWord(0)
	return rep
}

func (d *Driver) replayLocked(ctx context.Context, rec EraseRecord) error {
	var err error
	if rec.Subsector {
		err = d.hw.EraseSubsectorBegin(rec.Addr)
	} else {
		err = d.hw.EraseSectorBegin(rec.Addr)
	}
	if err != nil {
		return err
	}

	task := kernel.TaskFrom(ctx)
	poll := time.Duration(d.timing.RecoveryPollMs) * time.Millisecond
	deadline := time.Now().Add(time.Duration(d.timing.RecoveryTimeoutMs) * time.Millisecond)
	for {
		st, err := d.hw.EraseStatus()
		if err != nil {
			return err
		}
		switch st {
		case hal.OpDone:
			return nil
		case hal.OpSuspended:
			if err := d.hw.EraseResume(rec.Addr); err != nil {
				return err
			}
		}
		if time.Now().After(deadline) {
			return errRecoveryTimeout
		}
		d.wd.Feed(task)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
