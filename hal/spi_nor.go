package hal

import (
	"fmt"

	"tinygo.org/x/drivers"
)

// Serial NOR instruction set (W25Q/MT25Q common subset).
const (
	norCmdRead            = 0x03
	norCmdPageProgram     = 0x02
	norCmdWriteEnable     = 0x06
	norCmdReadStatus1     = 0x05
	norCmdReadStatus2     = 0x35
	norCmdReadStatus3     = 0x15
	norCmdWriteStatus2    = 0x31
	norCmdWriteStatus3    = 0x11
	norCmdReadFlagStatus  = 0x70
	norCmdClearFlagStatus = 0x50
	norCmdSubsectorErase  = 0x20
	norCmdSectorErase     = 0xD8
	norCmdSuspend         = 0x75
	norCmdResume          = 0x7A
	norCmdPowerDown       = 0xB9
	norCmdReleasePD       = 0xAB
	norCmdJEDEC           = 0x9F
	norCmdResetEnable     = 0x66
	norCmdReset           = 0x99
	norCmdBlockLock       = 0x36
	norCmdGlobalUnlock    = 0x98
	norCmdSecRead         = 0x48
	norCmdSecProgram      = 0x42
	norCmdSecErase        = 0x44
	norCmdSetBurstWrap    = 0x77

	norSR1Busy = 0x01
	norSR2Sus  = 0x80
	norSR2LBs  = 0x38 // LB1..LB3
	norSR3WPS  = 0x04

	norFlagEraseSuspended = 0x40
	norFlagEraseError     = 0x20
	norFlagProgramError   = 0x10

	// Upper bound on status polls while waiting for a short command to settle.
	norSettlePolls = 10000
)

// SPINorConfig describes a serial NOR chip on an SPI bus.
type SPINorConfig struct {
	Geometry Geometry

	SubsectorEraseMs uint32
	SectorEraseMs    uint32

	// FlagStatus selects Micron-style flag status reporting for suspend
	// state and program/erase failures. Otherwise status register 2 is used
	// and failures are not reported by the chip.
	FlagStatus bool

	SecurityRegisters     int
	SecurityRegisterBytes uint32
}

// DefaultSPINorConfig matches a 16 MiB W25Q128.
func DefaultSPINorConfig() SPINorConfig {
	return SPINorConfig{
		Geometry: Geometry{
			SizeBytes:      16 * 1024 * 1024,
			SectorBytes:    64 * 1024,
			SubsectorBytes: 4 * 1024,
			PageBytes:      256,
		},
		SubsectorEraseMs:      45,
		SectorEraseMs:         150,
		SecurityRegisters:     3,
		SecurityRegisterBytes: 256,
	}
}

// SPINor drives a serial NOR chip through a chip-select pin and an SPI bus.
type SPINor struct {
	bus drivers.SPI
	cs  Pin
	cfg SPINorConfig

	jedec     uint32
	suspended bool
	hdr       [5]byte
	scratch   [64]byte
}

func NewSPINor(bus drivers.SPI, cs Pin, cfg SPINorConfig) *SPINor {
	cs.High()
	return &SPINor{bus: bus, cs: cs, cfg: cfg}
}

// JEDEC returns the manufacturer/type/capacity read by Init.
func (f *SPINor) JEDEC() uint32 { return f.jedec }

func (f *SPINor) xfer(hdr, w, r []byte) error {
	f.cs.Low()
	defer f.cs.High()
	if err := f.bus.Tx(hdr, nil); err != nil {
		return fmt.Errorf("spi nor: cmd %#02x: %w", hdr[0], err)
	}
	if len(w) > 0 {
		if err := f.bus.Tx(w, nil); err != nil {
			return fmt.Errorf("spi nor: cmd %#02x: %w", hdr[0], err)
		}
	}
	if len(r) > 0 {
		if err := f.bus.Tx(nil, r); err != nil {
			return fmt.Errorf("spi nor: cmd %#02x: %w", hdr[0], err)
		}
	}
	return nil
}

func (f *SPINor) command(op byte) error {
	f.hdr[0] = op
	return f.xfer(f.hdr[:1], nil, nil)
}

func (f *SPINor) addrHeader(op byte, addr uint32) []byte {
	f.hdr[0] = op
	f.hdr[1] = byte(addr >> 16)
	f.hdr[2] = byte(addr >> 8)
	f.hdr[3] = byte(addr)
	return f.hdr[:4]
}

func (f *SPINor) readReg(op byte) (byte, error) {
	var b [1]byte
	f.hdr[0] = op
	if err := f.xfer(f.hdr[:1], nil, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *SPINor) writeReg(op, v byte) error {
	if err := f.command(norCmdWriteEnable); err != nil {
		return err
	}
	f.hdr[0] = op
	return f.xfer(f.hdr[:1], []byte{v}, nil)
}

func (f *SPINor) busy() (bool, error) {
	sr, err := f.readReg(norCmdReadStatus1)
	if err != nil {
		return false, err
	}
	return sr&norSR1Busy != 0, nil
}

func (f *SPINor) settle() error {
	for i := 0; i < norSettlePolls; i++ {
		b, err := f.busy()
		if err != nil {
			return err
		}
		if !b {
			return nil
		}
	}
	return fmt.Errorf("spi nor: status did not settle: %w", ErrFlashHardware)
}

func (f *SPINor) Init(crashMode bool) error {
	if err := f.command(norCmdReleasePD); err != nil {
		return err
	}
	if !crashMode {
		if err := f.command(norCmdResetEnable); err != nil {
			return err
		}
		if err := f.command(norCmdReset); err != nil {
			return err
		}
		if err := f.settle(); err != nil {
			return err
		}
	}

	var id [3]byte
	f.hdr[0] = norCmdJEDEC
	if err := f.xfer(f.hdr[:1], nil, id[:]); err != nil {
		return err
	}
	f.jedec = uint32(id[0])<<16 | uint32(id[1])<<8 | uint32(id[2])
	if f.jedec == 0 || f.jedec == 0xFFFFFF {
		return fmt.Errorf("spi nor: no chip (jedec %06x): %w", f.jedec, ErrFlashHardware)
	}
	f.suspended = false
	return nil
}

func (f *SPINor) Geometry() Geometry { return f.cfg.Geometry }

func (f *SPINor) inRange(addr, n uint32) bool {
	size := f.cfg.Geometry.SizeBytes
	return addr < size && n <= size-addr
}

func (f *SPINor) ReadSync(p []byte, addr uint32) error {
	if !f.inRange(addr, uint32(len(p))) {
		return fmt.Errorf("flash read at %d: %w", addr, ErrFlashAddress)
	}
	if b, err := f.busy(); err != nil {
		return err
	} else if b {
		return ErrFlashBusy
	}
	return f.xfer(f.addrHeader(norCmdRead, addr), nil, p)
}

func (f *SPINor) WritePageBegin(p []byte, addr uint32) (int, error) {
	page := f.cfg.Geometry.PageBytes
	n := page - addr%page
	if int(n) > len(p) {
		n = uint32(len(p))
	}
	if !f.inRange(addr, n) {
		return 0, fmt.Errorf("flash write at %d: %w", addr, ErrFlashAddress)
	}
	if b, err := f.busy(); err != nil {
		return 0, err
	} else if b {
		return 0, ErrFlashBusy
	}
	if err := f.command(norCmdWriteEnable); err != nil {
		return 0, err
	}
	if err := f.xfer(f.addrHeader(norCmdPageProgram, addr), p[:n], nil); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (f *SPINor) WriteStatus() (OpState, error) {
	b, err := f.busy()
	if err != nil {
		return OpDone, err
	}
	if b {
		return OpBusy, nil
	}
	if f.cfg.FlagStatus {
		fs, err := f.readReg(norCmdReadFlagStatus)
		if err != nil {
			return OpDone, err
		}
		if fs&norFlagProgramError != 0 {
			_ = f.command(norCmdClearFlagStatus)
			return OpDone, fmt.Errorf("spi nor: program failed: %w", ErrFlashHardware)
		}
	}
	return OpDone, nil
}

func (f *SPINor) EraseSubsectorBegin(addr uint32) error {
	return f.eraseBegin(norCmdSubsectorErase, f.SubsectorBase(addr))
}

func (f *SPINor) EraseSectorBegin(addr uint32) error {
	return f.eraseBegin(norCmdSectorErase, f.SectorBase(addr))
}

func (f *SPINor) eraseBegin(op byte, base uint32) error {
	if !f.inRange(base, 1) {
		return fmt.Errorf("flash erase at %d: %w", base, ErrFlashAddress)
	}
	if b, err := f.busy(); err != nil {
		return err
	} else if b {
		return ErrFlashBusy
	}
	if err := f.command(norCmdWriteEnable); err != nil {
		return err
	}
	if err := f.xfer(f.addrHeader(op, base), nil, nil); err != nil {
		return err
	}
	f.suspended = false
	return nil
}

func (f *SPINor) eraseSuspendedBit() (bool, error) {
	if f.cfg.FlagStatus {
		fs, err := f.readReg(norCmdReadFlagStatus)
		if err != nil {
			return false, err
		}
		return fs&norFlagEraseSuspended != 0, nil
	}
	sr2, err := f.readReg(norCmdReadStatus2)
	if err != nil {
		return false, err
	}
	return sr2&norSR2Sus != 0, nil
}

func (f *SPINor) EraseStatus() (OpState, error) {
	b, err := f.busy()
	if err != nil {
		return OpDone, err
	}
	if b {
		return OpBusy, nil
	}
	sus, err := f.eraseSuspendedBit()
	if err != nil {
		return OpDone, err
	}
	if sus {
		return OpSuspended, nil
	}
	f.suspended = false
	if f.cfg.FlagStatus {
		fs, err := f.readReg(norCmdReadFlagStatus)
		if err != nil {
			return OpDone, err
		}
		if fs&norFlagEraseError != 0 {
			_ = f.command(norCmdClearFlagStatus)
			return OpDone, fmt.Errorf("spi nor: erase failed: %w", ErrFlashHardware)
		}
	}
	return OpDone, nil
}

func (f *SPINor) EraseSuspend(addr uint32) (bool, error) {
	_ = addr
	b, err := f.busy()
	if err != nil {
		return false, err
	}
	if !b {
		sus, err := f.eraseSuspendedBit()
		if err != nil {
			return false, err
		}
		return sus, nil
	}
	if err := f.command(norCmdSuspend); err != nil {
		return false, err
	}
	if err := f.settle(); err != nil {
		return false, err
	}
	sus, err := f.eraseSuspendedBit()
	if err != nil {
		return false, err
	}
	f.suspended = sus
	return sus, nil
}

func (f *SPINor) EraseResume(addr uint32) error {
	_ = addr
	sus, err := f.eraseSuspendedBit()
	if err != nil {
		return err
	}
	if !sus {
		f.suspended = false
		return nil
	}
	if err := f.command(norCmdResume); err != nil {
		return err
	}
	f.suspended = false
	return nil
}

func (f *SPINor) BlankCheckSubsector(addr uint32) (bool, error) {
	return f.blankCheck(f.SubsectorBase(addr), f.cfg.Geometry.SubsectorBytes)
}

func (f *SPINor) BlankCheckSector(addr uint32) (bool, error) {
	return f.blankCheck(f.SectorBase(addr), f.cfg.Geometry.SectorBytes)
}

func (f *SPINor) blankCheck(base, size uint32) (bool, error) {
	if !f.inRange(base, size) {
		return false, fmt.Errorf("flash blank check at %d: %w", base, ErrFlashAddress)
	}
	if b, err := f.busy(); err != nil {
		return false, err
	} else if b {
		return false, ErrFlashBusy
	}
	buf := f.scratch[:]
	for off := uint32(0); off < size; off += uint32(len(buf)) {
		chunk := buf
		if rem := size - off; rem < uint32(len(chunk)) {
			chunk = chunk[:rem]
		}
		if err := f.xfer(f.addrHeader(norCmdRead, base+off), nil, chunk); err != nil {
			return false, err
		}
		for _, v := range chunk {
			if v != 0xFF {
				return false, nil
			}
		}
	}
	return true, nil
}

func (f *SPINor) SubsectorBase(addr uint32) uint32 {
	return addr &^ (f.cfg.Geometry.SubsectorBytes - 1)
}

func (f *SPINor) SectorBase(addr uint32) uint32 {
	return addr &^ (f.cfg.Geometry.SectorBytes - 1)
}

func (f *SPINor) EnterLowPower() error { return f.command(norCmdPowerDown) }
func (f *SPINor) ExitLowPower() error  { return f.command(norCmdReleasePD) }

func (f *SPINor) TypicalSubsectorEraseMs() uint32 { return f.cfg.SubsectorEraseMs }
func (f *SPINor) TypicalSectorEraseMs() uint32    { return f.cfg.SectorEraseMs }

// WriteProtect locks every sector overlapping [start, end) using
// individual block locks.
func (f *SPINor) WriteProtect(start, end uint32) error {
	if start >= end || end > f.cfg.Geometry.SizeBytes {
		return fmt.Errorf("flash protect [%d, %d): %w", start, end, ErrFlashAddress)
	}
	sr3, err := f.readReg(norCmdReadStatus3)
	if err != nil {
		return err
	}
	if sr3&norSR3WPS == 0 {
		if err := f.writeReg(norCmdWriteStatus3, sr3|norSR3WPS); err != nil {
			return err
		}
		if err := f.settle(); err != nil {
			return err
		}
	}
	for addr := f.SectorBase(start); addr < end; addr += f.cfg.Geometry.SectorBytes {
		if err := f.command(norCmdWriteEnable); err != nil {
			return err
		}
		if err := f.xfer(f.addrHeader(norCmdBlockLock, addr), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (f *SPINor) Unprotect() error {
	if err := f.command(norCmdWriteEnable); err != nil {
		return err
	}
	return f.command(norCmdGlobalUnlock)
}

func (f *SPINor) SetBurstMode(enable bool) error {
	wrap := byte(0x10) // W4=1 disables wrap
	if enable {
		wrap = 0x60 // 64-byte wrap
	}
	f.hdr[0] = norCmdSetBurstWrap
	return f.xfer(f.hdr[:1], []byte{0, 0, 0, wrap}, nil)
}

func (f *SPINor) SecurityRegisterInfo() SecurityRegisterInfo {
	info := SecurityRegisterInfo{Count: f.cfg.SecurityRegisters, SizeBytes: f.cfg.SecurityRegisterBytes}
	for i := 0; i < f.cfg.SecurityRegisters; i++ {
		info.Addrs = append(info.Addrs, uint32(i+1)<<12)
	}
	return info
}

func (f *SPINor) ReadSecurityRegister(addr uint32) (byte, error) {
	if !f.SecurityRegisterInfo().Contains(addr) {
		return 0, fmt.Errorf("security register %#x: %w", addr, ErrFlashAddress)
	}
	var b [1]byte
	hdr := f.addrHeader(norCmdSecRead, addr)
	f.hdr[4] = 0 // dummy
	if err := f.xfer(f.hdr[:len(hdr)+1], nil, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *SPINor) WriteSecurityRegister(addr uint32, v byte) error {
	if !f.SecurityRegisterInfo().Contains(addr) {
		return fmt.Errorf("security register %#x: %w", addr, ErrFlashAddress)
	}
	if err := f.command(norCmdWriteEnable); err != nil {
		return err
	}
	if err := f.xfer(f.addrHeader(norCmdSecProgram, addr), []byte{v}, nil); err != nil {
		return err
	}
	return f.settle()
}

func (f *SPINor) EraseSecurityRegister(addr uint32) error {
	if !f.SecurityRegisterInfo().Contains(addr) {
		return fmt.Errorf("security register %#x: %w", addr, ErrFlashAddress)
	}
	if err := f.command(norCmdWriteEnable); err != nil {
		return err
	}
	if err := f.xfer(f.addrHeader(norCmdSecErase, addr&^0xFFF), nil, nil); err != nil {
		return err
	}
	return f.settle()
}

func (f *SPINor) LockSecurityRegisters() error {
	sr2, err := f.readReg(norCmdReadStatus2)
	if err != nil {
		return err
	}
	if err := f.writeReg(norCmdWriteStatus2, sr2|norSR2LBs); err != nil {
		return err
	}
	return f.settle()
}

func (f *SPINor) SecurityRegistersLocked() (bool, error) {
	sr2, err := f.readReg(norCmdReadStatus2)
	if err != nil {
		return false, err
	}
	return sr2&norSR2LBs == norSR2LBs, nil
}
