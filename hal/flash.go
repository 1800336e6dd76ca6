package hal

import "errors"

var (
	// ErrFlashBusy reports that the chip cannot accept the command right now,
	// typically because an erase is running and has not been suspended.
	ErrFlashBusy = errors.New("flash busy")
	// ErrFlashHardware reports a failure flagged by the chip itself.
	ErrFlashHardware           = errors.New("flash hardware error")
	ErrFlashWriteRequiresErase = errors.New("flash write requires erase")
	ErrFlashProtected          = errors.New("flash region write protected")
	ErrFlashAddress            = errors.New("flash address out of range")
	ErrFlashPoweredDown        = errors.New("flash in deep power-down")
)

// OpState is the progress of a long-running chip operation.
type OpState uint8

const (
	OpDone OpState = iota
	OpBusy
	OpSuspended
)

func (s OpState) String() string {
	switch s {
	case OpDone:
		return "done"
	case OpBusy:
		return "busy"
	case OpSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Geometry describes the erase and program units of a chip.
type Geometry struct {
	SizeBytes      uint32
	SectorBytes    uint32
	SubsectorBytes uint32
	PageBytes      uint32
}

// NorFlash is the per-chip driver consumed by the storage layer.
//
// All methods are synchronous and short; long operations (page program,
// erase) are started with a *Begin call and observed with a status call.
// Implementations are not required to be safe for concurrent use: the
// storage layer serializes every call.
type NorFlash interface {
	Init(crashMode bool) error
	Geometry() Geometry

	ReadSync(p []byte, addr uint32) error

	// WritePageBegin programs at most up to the end of the page containing
	// addr and returns how many bytes of p it consumed.
	WritePageBegin(p []byte, addr uint32) (int, error)
	WriteStatus() (OpState, error)

	EraseSubsectorBegin(addr uint32) error
	EraseSectorBegin(addr uint32) error
	// EraseStatus reports OpBusy or OpSuspended while the erase is pending.
	// A non-nil error means the erase finished and the chip flagged it as failed.
	EraseStatus() (OpState, error)
	// EraseSuspend returns false when there was nothing to suspend because
	// the erase had already finished.
	EraseSuspend(addr uint32) (bool, error)
	EraseResume(addr uint32) error

	// BlankCheck* return ErrFlashBusy while an erase is running.
	BlankCheckSubsector(addr uint32) (bool, error)
	BlankCheckSector(addr uint32) (bool, error)

	SubsectorBase(addr uint32) uint32
	SectorBase(addr uint32) uint32

	EnterLowPower() error
	ExitLowPower() error

	TypicalSubsectorEraseMs() uint32
	TypicalSectorEraseMs() uint32

	// WriteProtect protects [start, end) against program and erase.
	WriteProtect(start, end uint32) error
	Unprotect() error
}

// SecurityRegisterInfo describes the one-time-programmable register bank.
type SecurityRegisterInfo struct {
	Count     int
	SizeBytes uint32
	Addrs     []uint32
}

// Contains reports whether addr lies inside one of the registers.
func (info SecurityRegisterInfo) Contains(addr uint32) bool {
	for _, base := range info.Addrs {
		if addr >= base && addr-base < info.SizeBytes {
			return true
		}
	}
	return false
}

// FlashSecurityRegisters is implemented by chips with security registers.
type FlashSecurityRegisters interface {
	SecurityRegisterInfo() SecurityRegisterInfo
	ReadSecurityRegister(addr uint32) (byte, error)
	WriteSecurityRegister(addr uint32, v byte) error
	EraseSecurityRegister(addr uint32) error
	LockSecurityRegisters() error
	SecurityRegistersLocked() (bool, error)
}

// FlashBurstMode is implemented by chips with a wrapped/burst read mode.
type FlashBurstMode interface {
	SetBurstMode(enable bool) error
}

// FlashClockGate is implemented by buses whose clock can be gated.
type FlashClockGate interface {
	Use()
	Release()
}

// NVRAM is one battery-backed word that survives a reset.
type NVRAM interface {
	LoadWord() uint32
	StoreWord(w uint32)
}
