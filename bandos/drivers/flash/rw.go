package flash

import (
	"errors"
	"fmt"
	"runtime"

	"band/bandos/analytics"
	"band/bandos/kernel"
	"band/hal"
)

// Read copies len(p) bytes starting at addr. A running erase is suspended
// for the read and resumed by a short auto-resume timer.
func (d *Driver) Read(p []byte, addr uint32) error {
	if len(p) == 0 {
		return nil
	}
	if err := d.checkRange("read", addr, len(p)); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	d.stats.Add(analytics.FlashReadBytes, uint64(len(p)))
	d.pauseLocked()
	d.resumeTimer.Start(d.timing.ReadResumeMs, d.autoResume)

	if err := d.hw.ReadSync(p, addr); err != nil {
		return fmt.Errorf("flash: read %#x+%d: %w", addr, len(p), err)
	}
	return nil
}

// Write programs p at addr, splitting it at page boundaries. The target
// must be erased. A chip-level write failure panics; a write into a
// protected range or into the region of the running erase is returned as
// an error.
func (d *Driver) Write(p []byte, addr uint32) error {
	if len(p) == 0 {
		return nil
	}
	if err := d.checkRange("write", addr, len(p)); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if d.erasingLocked(addr, uint32(len(p))) {
		return fmt.Errorf("flash: write %#x+%d: %w", addr, len(p), ErrErasing)
	}
	d.stop.Inhibit(kernel.InhibitorFlash)
	defer d.stop.Allow(kernel.InhibitorFlash)

	d.stats.Add(analytics.FlashWriteBytes, uint64(len(p)))
	d.pauseLocked()
	d.resumeTimer.Start(d.timing.WriteResumeMs, d.autoResume)

	for len(p) > 0 {
		n, err := d.hw.WritePageBegin(p, addr)
		if errors.Is(err, hal.ErrFlashProtected) {
			return fmt.Errorf("flash: write %#x: %w", addr, err)
		}
		if err != nil {
			panic(fmt.Sprintf("flash: write %#x+%d failed: %v", addr, len(p), err))
		}
		if n <= 0 {
			panic(fmt.Sprintf("flash: write %#x made no progress", addr))
		}
		d.waitWriteLocked(addr)
		p = p[n:]
		addr += uint32(n)
	}
	return nil
}

// erasingLocked reports whether [addr, addr+n) overlaps the running erase.
func (d *Driver) erasingLocked(addr, n uint32) bool {
	if !d.erase.inProgress {
		return false
	}
	size := d.geom.SectorBytes
	if d.erase.subsector {
		size = d.geom.SubsectorBytes
	}
	start, end := uint64(d.erase.addr), uint64(d.erase.addr)+uint64(size)
	return uint64(addr) < end && start < uint64(addr)+uint64(n)
}

func (d *Driver) waitWriteLocked(addr uint32) {
	for {
		st, err := d.hw.WriteStatus()
		if err != nil {
			panic(fmt.Sprintf("flash: write %#x failed: %v", addr, err))
		}
		if st == hal.OpDone {
			return
		}
		runtime.Gosched()
	}
}
