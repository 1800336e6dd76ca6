package hal

// stubFlash is used when no chip could be brought up.
type stubFlash struct{}

func (stubFlash) Init(crashMode bool) error {
	_ = crashMode
	return ErrNotImplemented
}

func (stubFlash) Geometry() Geometry { return Geometry{} }

func (stubFlash) ReadSync(p []byte, addr uint32) error {
	_ = p
	_ = addr
	return ErrNotImplemented
}

func (stubFlash) WritePageBegin(p []byte, addr uint32) (int, error) {
	_ = p
	_ = addr
	return 0, ErrNotImplemented
}

func (stubFlash) WriteStatus() (OpState, error) { return OpDone, ErrNotImplemented }

func (stubFlash) EraseSubsectorBegin(addr uint32) error {
	_ = addr
	return ErrNotImplemented
}

func (stubFlash) EraseSectorBegin(addr uint32) error {
	_ = addr
	return ErrNotImplemented
}

func (stubFlash) EraseStatus() (OpState, error) { return OpDone, ErrNotImplemented }

func (stubFlash) EraseSuspend(addr uint32) (bool, error) {
	_ = addr
	return false, nil
}

func (stubFlash) EraseResume(addr uint32) error {
	_ = addr
	return nil
}

func (stubFlash) BlankCheckSubsector(addr uint32) (bool, error) {
	_ = addr
	return false, ErrNotImplemented
}

func (stubFlash) BlankCheckSector(addr uint32) (bool, error) {
	_ = addr
	return false, ErrNotImplemented
}

func (stubFlash) SubsectorBase(addr uint32) uint32 { return addr }
func (stubFlash) SectorBase(addr uint32) uint32    { return addr }

func (stubFlash) EnterLowPower() error { return nil }
func (stubFlash) ExitLowPower() error  { return nil }

func (stubFlash) TypicalSubsectorEraseMs() uint32 { return 0 }
func (stubFlash) TypicalSectorEraseMs() uint32    { return 0 }

func (stubFlash) WriteProtect(start, end uint32) error {
	_ = start
	_ = end
	return ErrNotImplemented
}

func (stubFlash) Unprotect() error { return ErrNotImplemented }
