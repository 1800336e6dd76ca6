package flash

import (
	"context"
	"fmt"
	"hash/crc32"

	"band/bandos/analytics"
	"band/hal"
)

const crcChunkBytes = 1024

// EraseSector erases the sector containing addr and reports the outcome
// through done. It blocks only while an earlier erase holds the token; if
// ctx ends first the erase is not started, ctx.Err() is returned and done
// is never called.
func (d *Driver) EraseSector(ctx context.Context, addr uint32, done EraseCallback) error {
	return d.eraseAsync(ctx, addr, false, done)
}

func (d *Driver) EraseSubsector(ctx context.Context, addr uint32, done EraseCallback) error {
	return d.eraseAsync(ctx, addr, true, done)
}

func (d *Driver) EraseSectorBlocking(ctx context.Context, addr uint32) error {
	return d.eraseBlocking(ctx, addr, false)
}

func (d *Driver) EraseSubsectorBlocking(ctx context.Context, addr uint32) error {
	return d.eraseBlocking(ctx, addr, true)
}

type rangeStep struct {
	addr      uint32
	subsector bool
}

// planRange covers [start, end) with whole sectors where they fit and
// subsectors at the edges.
func (d *Driver) planRange(start, end uint32) ([]rangeStep, error) {
	sub, sec := d.geom.SubsectorBytes, d.geom.SectorBytes
	if start%sub != 0 {
		return nil, &AlignmentError{Op: "erase range", Addr: start, Align: sub}
	}
	if end%sub != 0 {
		return nil, &AlignmentError{Op: "erase range", Addr: end, Align: sub}
	}
	if start >= end || end > d.geom.SizeBytes {
		return nil, &RangeError{Op: "erase range", Addr: start, Len: end - start, Size: d.geom.SizeBytes}
	}

	var steps []rangeStep
	for addr := start; addr < end; {
		if addr%sec == 0 && end-addr >= sec {
			steps = append(steps, rangeStep{addr: addr})
			addr += sec
			continue
		}
		steps = append(steps, rangeStep{addr: addr, subsector: true})
		addr += sub
	}
	return steps, nil
}

// EraseRange erases [start, end), both subsector aligned. done runs once,
// after the last step or the first failed one. Only the first step honours
// ctx cancellation.
func (d *Driver) EraseRange(ctx context.Context, start, end uint32, done EraseCallback) error {
	steps, err := d.planRange(start, end)
	if err != nil {
		return err
	}

	later := context.WithoutCancel(ctx)
	result := StatusNoActionRequired
	var next func(i int) error
	next = func(i int) error {
		stepCtx := later
		if i == 0 {
			stepCtx = ctx
		}
		s := steps[i]
		return d.eraseAsync(stepCtx, s.addr, s.subsector, func(st Status) {
			switch {
			case st == StatusError:
				result = StatusError
			case st == StatusSuccess:
				result = StatusSuccess
			}
			if st == StatusError || i == len(steps)-1 {
				if done != nil {
					done(result)
				}
				return
			}
			if err := next(i + 1); err != nil {
				d.logf("erase range step %#x: %v", steps[i+1].addr, err)
				if done != nil {
					done(StatusError)
				}
			}
		})
	}
	return next(0)
}

func (d *Driver) EraseRangeBlocking(ctx context.Context, start, end uint32) error {
	steps, err := d.planRange(start, end)
	if err != nil {
		return err
	}
	for i, s := range steps {
		if i > 0 {
			ctx = context.WithoutCancel(ctx)
		}
		if err := d.eraseBlocking(ctx, s.addr, s.subsector); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) SectorIsErased(addr uint32) bool    { return d.isErased(addr, false) }
func (d *Driver) SubsectorIsErased(addr uint32) bool { return d.isErased(addr, true) }

func (d *Driver) isErased(addr uint32, subsector bool) bool {
	if d.checkRange("blank check", addr, 1) != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.usableLocked() != nil {
		return false
	}
	d.pauseLocked()
	d.resumeTimer.Start(d.timing.ReadResumeMs, d.autoResume)

	var blank bool
	var err error
	if subsector {
		blank, err = d.hw.BlankCheckSubsector(addr)
	} else {
		blank, err = d.hw.BlankCheckSector(addr)
	}
	if err != nil {
		d.logf("blank check %#x: %v", addr, err)
		return false
	}
	return blank
}

func (d *Driver) SectorBase(addr uint32) uint32    { return d.hw.SectorBase(addr) }
func (d *Driver) SubsectorBase(addr uint32) uint32 { return d.hw.SubsectorBase(addr) }
func (d *Driver) SizeBytes() uint32                { return d.geom.SizeBytes }
func (d *Driver) Geometry() hal.Geometry           { return d.geom }

// EnableLowPowerMode allows the chip to be put in deep power-down around
// stop mode.
func (d *Driver) EnableLowPowerMode(enable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lowPower = enable
	if !enable {
		d.wakeLocked()
	}
}

func (d *Driver) LowPowerModeEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lowPower
}

// PowerDownForStop puts the chip in deep power-down when low-power mode is
// enabled and no erase is running. It reports whether the chip went down.
func (d *Driver) PowerDownForStop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.lowPower || !d.ready || d.stopped || d.poweredDown || d.erase.inProgress {
		return false
	}
	if err := d.hw.EnterLowPower(); err != nil {
		d.logf("enter low power: %v", err)
		return false
	}
	d.poweredDown = true
	return true
}

func (d *Driver) PowerUpAfterStop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wakeLocked()
}

// EnableWriteProtection protects [start, end) against program and erase.
func (d *Driver) EnableWriteProtection(start, end uint32) error {
	if start >= end || end > d.geom.SizeBytes {
		return &RangeError{Op: "protect", Addr: start, Len: end - start, Size: d.geom.SizeBytes}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if err := d.hw.WriteProtect(start, end); err != nil {
		return fmt.Errorf("flash: protect [%#x, %#x): %w", start, end, err)
	}
	d.logf("write protected [%#x, %#x)", start, end)
	return nil
}

func (d *Driver) DisableWriteProtection() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if err := d.hw.Unprotect(); err != nil {
		return fmt.Errorf("flash: unprotect: %w", err)
	}
	return nil
}

// Use takes a reference on the bus clock. The first reference ungates it.
func (d *Driver) Use() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clockRefs++
	if d.clockRefs == 1 {
		if g, ok := d.hw.(hal.FlashClockGate); ok {
			g.Use()
		}
	}
}

func (d *Driver) Release() { d.ReleaseMany(1) }

// ReleaseMany drops n clock references. Dropping more than were taken panics.
func (d *Driver) ReleaseMany(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > d.clockRefs {
		panic(fmt.Sprintf("flash: release of %d clock references, %d held", n, d.clockRefs))
	}
	if n <= 0 {
		return
	}
	d.clockRefs -= n
	if d.clockRefs == 0 {
		if g, ok := d.hw.(hal.FlashClockGate); ok {
			g.Release()
		}
	}
}

func (d *Driver) ClockRefs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clockRefs
}

func (d *Driver) SetBurstMode(enable bool) error {
	b, ok := d.hw.(hal.FlashBurstMode)
	if !ok {
		return hal.ErrNotImplemented
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	return b.SetBurstMode(enable)
}

func (d *Driver) securityRegisters() (hal.FlashSecurityRegisters, error) {
	s, ok := d.hw.(hal.FlashSecurityRegisters)
	if !ok {
		return nil, hal.ErrNotImplemented
	}
	return s, nil
}

func (d *Driver) SecurityRegisters() (hal.SecurityRegisterInfo, error) {
	s, err := d.securityRegisters()
	if err != nil {
		return hal.SecurityRegisterInfo{}, err
	}
	return s.SecurityRegisterInfo(), nil
}

func (d *Driver) ReadSecurityRegister(addr uint32) (byte, error) {
	s, err := d.securityRegisters()
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	d.pauseLocked()
	d.resumeTimer.Start(d.timing.ReadResumeMs, d.autoResume)
	return s.ReadSecurityRegister(addr)
}

// withToken runs fn under the lock with no erase in flight: security
// register updates are refused by chips while an erase is suspended.
func (d *Driver) withToken(ctx context.Context, fn func(hal.FlashSecurityRegisters) error) error {
	s, err := d.securityRegisters()
	if err != nil {
		return err
	}
	if err := d.token.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.token.Release(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	return fn(s)
}

func (d *Driver) WriteSecurityRegister(ctx context.Context, addr uint32, v byte) error {
	return d.withToken(ctx, func(s hal.FlashSecurityRegisters) error {
		return s.WriteSecurityRegister(addr, v)
	})
}

func (d *Driver) EraseSecurityRegister(ctx context.Context, addr uint32) error {
	return d.withToken(ctx, func(s hal.FlashSecurityRegisters) error {
		return s.EraseSecurityRegister(addr)
	})
}

func (d *Driver) LockSecurityRegisters(ctx context.Context) error {
	return d.withToken(ctx, func(s hal.FlashSecurityRegisters) error {
		d.logf("locking security registers")
		return s.LockSecurityRegisters()
	})
}

func (d *Driver) SecurityRegistersLocked() (bool, error) {
	s, err := d.securityRegisters()
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return false, err
	}
	return s.SecurityRegistersLocked()
}

// CRC32 returns the IEEE CRC of [addr, addr+length).
func (d *Driver) CRC32(addr, length uint32) (uint32, error) {
	if err := d.checkRange("crc", addr, int(length)); err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	buf := make([]byte, crcChunkBytes)
	for length > 0 {
		n := uint32(len(buf))
		if length < n {
			n = length
		}
		if err := d.Read(buf[:n], addr); err != nil {
			return 0, err
		}
		h.Write(buf[:n])
		addr += n
		length -= n
	}
	return h.Sum32(), nil
}

// Stop waits for the running erase, powers the chip down and rejects every
// later operation with ErrStopped. Erases queued behind it report StatusError.
func (d *Driver) Stop(ctx context.Context) error {
	if err := d.token.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.token.Release(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	d.resumeTimer.Stop()
	d.stopped = true
	if d.ready && !d.poweredDown {
		if err := d.hw.EnterLowPower(); err != nil {
			d.logf("stop: enter low power: %v", err)
		} else {
			d.poweredDown = true
		}
	}
	d.logf("stopped")
	return nil
}

// Stats returns the current counters.
func (d *Driver) Stats() analytics.Snapshot { return d.stats.Snapshot() }
