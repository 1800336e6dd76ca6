//go:build tinygo && baremetal && (rp2040 || rp2350)

package hal

import (
	"fmt"
	"machine"
)

const (
	rp2SectorBytes = 64 * 1024
	rp2PageBytes   = 256
)

// rp2Flash exposes the XIP flash data area. The boot ROM erases
// synchronously with XIP disabled, so erases finish inside the Begin call
// and can never be suspended.
type rp2Flash struct {
	geom     Geometry
	eraseErr error
}

func newRP2Flash() NorFlash {
	f := &rp2Flash{}
	sz := machine.Flash.Size()
	bs := machine.Flash.EraseBlockSize()
	if sz > 0 && bs > 0 {
		size := uint32(sz) &^ (rp2SectorBytes - 1)
		f.geom = Geometry{
			SizeBytes:      size,
			SectorBytes:    rp2SectorBytes,
			SubsectorBytes: uint32(bs),
			PageBytes:      rp2PageBytes,
		}
	}
	return f
}

func (f *rp2Flash) Init(crashMode bool) error {
	_ = crashMode
	if f.geom.SizeBytes == 0 {
		return ErrNotImplemented
	}
	return nil
}

func (f *rp2Flash) Geometry() Geometry { return f.geom }

func (f *rp2Flash) inRange(addr, n uint32) bool {
	return addr < f.geom.SizeBytes && n <= f.geom.SizeBytes-addr
}

func (f *rp2Flash) ReadSync(p []byte, addr uint32) error {
	if !f.inRange(addr, uint32(len(p))) {
		return fmt.Errorf("flash read at %d: %w", addr, ErrFlashAddress)
	}
	if _, err := machine.Flash.ReadAt(p, int64(addr)); err != nil {
		return fmt.Errorf("flash read at %d: %w", addr, err)
	}
	return nil
}

func (f *rp2Flash) WritePageBegin(p []byte, addr uint32) (int, error) {
	n := rp2PageBytes - addr%rp2PageBytes
	if int(n) > len(p) {
		n = uint32(len(p))
	}
	if !f.inRange(addr, n) {
		return 0, fmt.Errorf("flash write at %d: %w", addr, ErrFlashAddress)
	}
	if _, err := machine.Flash.WriteAt(p[:n], int64(addr)); err != nil {
		return 0, fmt.Errorf("flash write at %d: %w", addr, err)
	}
	return int(n), nil
}

func (f *rp2Flash) WriteStatus() (OpState, error) { return OpDone, nil }

func (f *rp2Flash) EraseSubsectorBegin(addr uint32) error {
	return f.erase(f.SubsectorBase(addr), f.geom.SubsectorBytes)
}

func (f *rp2Flash) EraseSectorBegin(addr uint32) error {
	return f.erase(f.SectorBase(addr), f.geom.SectorBytes)
}

func (f *rp2Flash) erase(base, size uint32) error {
	if !f.inRange(base, size) {
		return fmt.Errorf("flash erase at %d: %w", base, ErrFlashAddress)
	}
	bs := f.geom.SubsectorBytes
	f.eraseErr = nil
	if err := machine.Flash.EraseBlocks(int64(base/bs), int64(size/bs)); err != nil {
		f.eraseErr = fmt.Errorf("flash erase at %d: %w: %v", base, ErrFlashHardware, err)
	}
	return nil
}

func (f *rp2Flash) EraseStatus() (OpState, error) { return OpDone, f.eraseErr }

func (f *rp2Flash) EraseSuspend(addr uint32) (bool, error) {
	_ = addr
	return false, nil
}

func (f *rp2Flash) EraseResume(addr uint32) error {
	_ = addr
	return nil
}

func (f *rp2Flash) BlankCheckSubsector(addr uint32) (bool, error) {
	return f.blankCheck(f.SubsectorBase(addr), f.geom.SubsectorBytes)
}

func (f *rp2Flash) BlankCheckSector(addr uint32) (bool, error) {
	return f.blankCheck(f.SectorBase(addr), f.geom.SectorBytes)
}

func (f *rp2Flash) blankCheck(base, size uint32) (bool, error) {
	var buf [64]byte
	for off := uint32(0); off < size; off += uint32(len(buf)) {
		if err := f.ReadSync(buf[:], base+off); err != nil {
			return false, err
		}
		for _, b := range buf {
			if b != 0xFF {
				return false, nil
			}
		}
	}
	return true, nil
}

func (f *rp2Flash) SubsectorBase(addr uint32) uint32 { return addr &^ (f.geom.SubsectorBytes - 1) }
func (f *rp2Flash) SectorBase(addr uint32) uint32    { return addr &^ (f.geom.SectorBytes - 1) }

func (f *rp2Flash) EnterLowPower() error { return nil }
func (f *rp2Flash) ExitLowPower() error  { return nil }

func (f *rp2Flash) TypicalSubsectorEraseMs() uint32 { return 45 }
func (f *rp2Flash) TypicalSectorEraseMs() uint32    { return 150 }

func (f *rp2Flash) WriteProtect(start, end uint32) error {
	_ = start
	_ = end
	return ErrNotImplemented
}

func (f *rp2Flash) Unprotect() error { return nil }
