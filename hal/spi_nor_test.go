package hal

import (
	"bytes"
	"errors"
	"testing"
)

// fakeNor emulates enough of a W25Q chip at the SPI frame level.
type fakeNor struct {
	mem   []byte
	jedec [3]byte

	selected bool
	frame    []byte
	readOff  int

	wel       bool
	busyPolls int
	pending   func()
	suspended bool
	sr2, sr3  byte
	locked    map[uint32]bool
	wrap      byte
	pd        bool
	sec       [3][256]byte
}

func newFakeNor(size int) *fakeNor {
	c := &fakeNor{mem: bytes.Repeat([]byte{0xFF}, size), jedec: [3]byte{0xEF, 0x40, 0x14}, locked: map[uint32]bool{}}
	for i := range c.sec {
		for j := range c.sec[i] {
			c.sec[i][j] = 0xFF
		}
	}
	return c
}

type fakeNorCS struct{ c *fakeNor }

func (p fakeNorCS) Low()  { p.c.selected = true }
func (p fakeNorCS) High() { p.c.deselect() }

func (c *fakeNor) Tx(w, r []byte) error {
	if !c.selected {
		return errors.New("tx without chip select")
	}
	if w != nil {
		c.frame = append(c.frame, w...)
		return nil
	}
	for i := range r {
		r[i] = c.out()
	}
	return nil
}

func (c *fakeNor) Transfer(b byte) (byte, error) {
	if !c.selected {
		return 0, errors.New("transfer without chip select")
	}
	c.frame = append(c.frame, b)
	return 0, nil
}

func (c *fakeNor) addr() uint32 {
	return uint32(c.frame[1])<<16 | uint32(c.frame[2])<<8 | uint32(c.frame[3])
}

func (c *fakeNor) out() byte {
	defer func() { c.readOff++ }()
	switch c.frame[0] {
	case norCmdReadStatus1:
		if c.suspended {
			return 0
		}
		if c.busyPolls > 0 {
			c.busyPolls--
			return norSR1Busy
		}
		if c.pending != nil {
			c.pending()
			c.pending = nil
		}
		if c.wel {
			return 0x02
		}
		return 0
	case norCmdReadStatus2:
		if c.suspended {
			return c.sr2 | norSR2Sus
		}
		return c.sr2
	case norCmdReadStatus3:
		return c.sr3
	case norCmdJEDEC:
		return c.jedec[c.readOff%3]
	case norCmdRead:
		return c.mem[int(c.addr())+c.readOff]
	case norCmdSecRead:
		a := c.addr()
		return c.sec[a>>12-1][int(a&0xFF)+c.readOff]
	}
	return 0xFF
}

func (c *fakeNor) deselect() {
	c.selected = false
	frame := c.frame
	c.frame = nil
	c.readOff = 0
	if len(frame) == 0 {
		return
	}

	switch frame[0] {
	case norCmdWriteEnable:
		c.wel = true
	case norCmdPageProgram:
		if !c.wel {
			return
		}
		c.wel = false
		a := uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])
		if c.locked[a&^0xFFFF] {
			return
		}
		for i, b := range frame[4:] {
			c.mem[int(a)+i] &= b
		}
		c.busyPolls = 2
	case norCmdSubsectorErase, norCmdSectorErase:
		if !c.wel {
			return
		}
		c.wel = false
		a := uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])
		size := uint32(4096)
		if frame[0] == norCmdSectorErase {
			size = 65536
		}
		c.busyPolls = 5
		c.pending = func() {
			for i := a; i < a+size; i++ {
				c.mem[i] = 0xFF
			}
		}
	case norCmdSuspend:
		if c.busyPolls > 0 {
			c.suspended = true
		}
	case norCmdResume:
		c.suspended = false
	case norCmdPowerDown:
		c.pd = true
	case norCmdReleasePD:
		c.pd = false
	case norCmdWriteStatus2:
		if c.wel {
			c.sr2 = frame[1] &^ norSR2Sus
			c.wel = false
		}
	case norCmdWriteStatus3:
		if c.wel {
			c.sr3 = frame[1]
			c.wel = false
		}
	case norCmdBlockLock:
		if c.wel && c.sr3&norSR3WPS != 0 {
			a := uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])
			c.locked[a] = true
			c.wel = false
		}
	case norCmdGlobalUnlock:
		if c.wel {
			c.locked = map[uint32]bool{}
			c.wel = false
		}
	case norCmdSecProgram:
		if c.wel && c.sr2&norSR2LBs == 0 {
			a := uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])
			for i, b := range frame[4:] {
				c.sec[a>>12-1][int(a&0xFF)+i] &= b
			}
			c.wel = false
		}
	case norCmdSecErase:
		if c.wel && c.sr2&norSR2LBs == 0 {
			a := uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])
			for i := range c.sec[a>>12-1] {
				c.sec[a>>12-1][i] = 0xFF
			}
			c.wel = false
		}
	case norCmdSetBurstWrap:
		c.wrap = frame[len(frame)-1]
	}
}

func newTestSPINor(t *testing.T) (*SPINor, *fakeNor) {
	t.Helper()
	chip := newFakeNor(1 << 20)
	cfg := DefaultSPINorConfig()
	cfg.Geometry.SizeBytes = 1 << 20
	nor := NewSPINor(chip, fakeNorCS{c: chip}, cfg)
	if err := nor.Init(false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return nor, chip
}

func waitWrite(t *testing.T, nor *SPINor) {
	t.Helper()
	for i := 0; i < 100; i++ {
		st, err := nor.WriteStatus()
		if err != nil {
			t.Fatalf("WriteStatus: %v", err)
		}
		if st == OpDone {
			return
		}
	}
	t.Fatal("write did not complete")
}

func TestSPINorInitReadsJEDEC(t *testing.T) {
	nor, _ := newTestSPINor(t)
	if got := nor.JEDEC(); got != 0xEF4014 {
		t.Fatalf("JEDEC=%06x want ef4014", got)
	}
}

func TestSPINorInitNoChip(t *testing.T) {
	chip := newFakeNor(1 << 20)
	chip.jedec = [3]byte{0xFF, 0xFF, 0xFF}
	nor := NewSPINor(chip, fakeNorCS{c: chip}, DefaultSPINorConfig())
	if err := nor.Init(false); !errors.Is(err, ErrFlashHardware) {
		t.Fatalf("Init err=%v want ErrFlashHardware", err)
	}
}

func TestSPINorWritePageStopsAtBoundary(t *testing.T) {
	nor, _ := newTestSPINor(t)

	data := []byte("0123456789")
	n, err := nor.WritePageBegin(data, 250)
	if err != nil {
		t.Fatalf("WritePageBegin: %v", err)
	}
	if n != 6 {
		t.Fatalf("n=%d want 6", n)
	}
	waitWrite(t, nor)

	n, err = nor.WritePageBegin(data[n:], 256)
	if err != nil || n != 4 {
		t.Fatalf("second page n=%d err=%v", n, err)
	}
	waitWrite(t, nor)

	got := make([]byte, len(data))
	if err := nor.ReadSync(got, 250); err != nil {
		t.Fatalf("ReadSync: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read %q want %q", got, data)
	}
}

func TestSPINorEraseSuspendResume(t *testing.T) {
	nor, chip := newTestSPINor(t)
	chip.mem[0x1010] = 0x00

	if err := nor.EraseSubsectorBegin(0x1010); err != nil {
		t.Fatalf("EraseSubsectorBegin: %v", err)
	}
	if st, err := nor.EraseStatus(); err != nil || st != OpBusy {
		t.Fatalf("EraseStatus=%v err=%v want busy", st, err)
	}
	buf := make([]byte, 1)
	if err := nor.ReadSync(buf, 0x1010); !errors.Is(err, ErrFlashBusy) {
		t.Fatalf("ReadSync during erase err=%v want ErrFlashBusy", err)
	}

	ok, err := nor.EraseSuspend(0x1010)
	if err != nil || !ok {
		t.Fatalf("EraseSuspend=%v err=%v", ok, err)
	}
	if st, err := nor.EraseStatus(); err != nil || st != OpSuspended {
		t.Fatalf("EraseStatus=%v err=%v want suspended", st, err)
	}
	if err := nor.ReadSync(buf, 0x1010); err != nil {
		t.Fatalf("ReadSync while suspended: %v", err)
	}
	if buf[0] != 0x00 {
		t.Fatalf("read %#x before erase completes, want 0", buf[0])
	}

	if err := nor.EraseResume(0x1010); err != nil {
		t.Fatalf("EraseResume: %v", err)
	}
	for i := 0; ; i++ {
		st, err := nor.EraseStatus()
		if err != nil {
			t.Fatalf("EraseStatus: %v", err)
		}
		if st == OpDone {
			break
		}
		if i > 100 {
			t.Fatal("erase did not complete")
		}
	}
	blank, err := nor.BlankCheckSubsector(0x1000)
	if err != nil || !blank {
		t.Fatalf("BlankCheckSubsector=%v err=%v", blank, err)
	}
}

func TestSPINorSuspendAfterCompletion(t *testing.T) {
	nor, _ := newTestSPINor(t)
	ok, err := nor.EraseSuspend(0)
	if err != nil {
		t.Fatalf("EraseSuspend: %v", err)
	}
	if ok {
		t.Fatal("suspend reported an erase when none was running")
	}
}

func TestSPINorWriteProtectLocksSectors(t *testing.T) {
	nor, chip := newTestSPINor(t)
	if err := nor.WriteProtect(0x8000, 0x20000); err != nil {
		t.Fatalf("WriteProtect: %v", err)
	}
	if chip.sr3&norSR3WPS == 0 {
		t.Fatal("WPS not set")
	}
	if !chip.locked[0] || !chip.locked[0x10000] || chip.locked[0x20000] {
		t.Fatalf("locked=%v", chip.locked)
	}
	if err := nor.Unprotect(); err != nil {
		t.Fatalf("Unprotect: %v", err)
	}
	if len(chip.locked) != 0 {
		t.Fatalf("locked after unprotect=%v", chip.locked)
	}
	if err := nor.WriteProtect(0x100, 0x100); !errors.Is(err, ErrFlashAddress) {
		t.Fatalf("empty range err=%v", err)
	}
}

func TestSPINorSecurityRegisters(t *testing.T) {
	nor, _ := newTestSPINor(t)
	info := nor.SecurityRegisterInfo()
	if info.Count != 3 || !info.Contains(0x2010) || info.Contains(0x4000) {
		t.Fatalf("info=%+v", info)
	}

	if err := nor.WriteSecurityRegister(0x2010, 0x5A); err != nil {
		t.Fatalf("WriteSecurityRegister: %v", err)
	}
	v, err := nor.ReadSecurityRegister(0x2010)
	if err != nil || v != 0x5A {
		t.Fatalf("ReadSecurityRegister=%#x err=%v", v, err)
	}

	if err := nor.LockSecurityRegisters(); err != nil {
		t.Fatalf("LockSecurityRegisters: %v", err)
	}
	locked, err := nor.SecurityRegistersLocked()
	if err != nil || !locked {
		t.Fatalf("SecurityRegistersLocked=%v err=%v", locked, err)
	}
	if _, err := nor.ReadSecurityRegister(0x4000); !errors.Is(err, ErrFlashAddress) {
		t.Fatalf("out of range err=%v", err)
	}
}

func TestSPINorBurstAndPower(t *testing.T) {
	nor, chip := newTestSPINor(t)
	if err := nor.SetBurstMode(true); err != nil || chip.wrap != 0x60 {
		t.Fatalf("burst on wrap=%#x err=%v", chip.wrap, err)
	}
	if err := nor.SetBurstMode(false); err != nil || chip.wrap != 0x10 {
		t.Fatalf("burst off wrap=%#x err=%v", chip.wrap, err)
	}
	if err := nor.EnterLowPower(); err != nil || !chip.pd {
		t.Fatalf("EnterLowPower pd=%v err=%v", chip.pd, err)
	}
	if err := nor.ExitLowPower(); err != nil || chip.pd {
		t.Fatalf("ExitLowPower pd=%v err=%v", chip.pd, err)
	}
}
