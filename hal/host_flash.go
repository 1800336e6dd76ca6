//go:build !tinygo

package hal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SimFlashStats counts the chip commands a SimFlash has seen.
type SimFlashStats struct {
	Inits           int
	Reads           int
	PageWrites      int
	EraseBegins     int
	SubsectorErases int
	SectorErases    int
	Suspends        int
	Resumes         int
	BlankChecks     int
	LowPowerEntries int
	LowPowerExits   int

	// Overlaps counts calls that entered while another call was still inside the chip.
	Overlaps int
}

// SimErase is one erase command recorded by a SimFlash.
type SimErase struct {
	Addr      uint32
	Subsector bool
	Begin     time.Time
	End       time.Time // zero while the erase is pending or was aborted
	Failed    bool
}

type simErase struct {
	active    bool
	suspended bool
	addr      uint32
	size      uint32
	remaining time.Duration
	started   time.Time
	fail      bool
	log       int
}

// SimFlash emulates a NOR chip on the host.
//
// Erases take their typical duration in wall-clock time and can be
// suspended; reads and writes are refused while an erase is running and
// not suspended, as a real chip would return garbage.
type SimFlash struct {
	cfg SimFlashConfig

	inFlight atomic.Int32
	overlaps atomic.Int32

	mu        sync.Mutex
	f         *os.File
	mem       []byte
	erase     simErase
	eraseErr  error
	writeBusy int
	failNext  int

	protected bool
	protStart uint32
	protEnd   uint32

	lowPower  bool
	burst     bool
	clockUses int

	sec       [][]byte
	secLocked bool

	stats    SimFlashStats
	eraseLog []SimErase
}

// NewSimFlash creates a simulated chip, loading cfg.Path when it exists.
func NewSimFlash(cfg SimFlashConfig) (*SimFlash, error) {
	if cfg.PageBytes == 0 || cfg.SubsectorBytes%cfg.PageBytes != 0 {
		return nil, fmt.Errorf("sim flash: invalid page size %d", cfg.PageBytes)
	}
	if cfg.SubsectorBytes == 0 || cfg.SubsectorBytes&(cfg.SubsectorBytes-1) != 0 {
		return nil, fmt.Errorf("sim flash: subsector size %d is not a power of two", cfg.SubsectorBytes)
	}
	if cfg.SectorBytes == 0 || cfg.SectorBytes&(cfg.SectorBytes-1) != 0 || cfg.SectorBytes < cfg.SubsectorBytes {
		return nil, fmt.Errorf("sim flash: invalid sector size %d", cfg.SectorBytes)
	}
	if cfg.SizeBytes == 0 || cfg.SizeBytes%cfg.SectorBytes != 0 {
		return nil, fmt.Errorf("sim flash: size %d not multiple of sector size %d", cfg.SizeBytes, cfg.SectorBytes)
	}

	sf := &SimFlash{cfg: cfg, mem: make([]byte, cfg.SizeBytes)}
	fill(sf.mem, 0xFF)
	for i := 0; i < cfg.SecurityRegisters; i++ {
		reg := make([]byte, cfg.SecurityRegisterBytes)
		fill(reg, 0xFF)
		sf.sec = append(sf.sec, reg)
	}

	if cfg.Path == "" {
		return sf, nil
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flash image %q: %w", cfg.Path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat flash image %q: %w", cfg.Path, err)
	}
	switch {
	case st.Size() == 0:
		if _, err := f.WriteAt(sf.mem, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("format flash image %q: %w", cfg.Path, err)
		}
	case st.Size() != int64(cfg.SizeBytes):
		_ = f.Close()
		return nil, fmt.Errorf("flash image %q is %d bytes, want %d", cfg.Path, st.Size(), cfg.SizeBytes)
	default:
		if _, err := f.ReadAt(sf.mem, 0); err != nil && !errors.Is(err, io.EOF) {
			_ = f.Close()
			return nil, fmt.Errorf("load flash image %q: %w", cfg.Path, err)
		}
	}
	sf.f = f
	return sf, nil
}

// Close flushes nothing (writes go straight to the image) and closes it.
func (f *SimFlash) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// FailNextErases makes the next n erases report a hardware failure.
func (f *SimFlash) FailNextErases(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// Stats returns a copy of the command counters.
func (f *SimFlash) Stats() SimFlashStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats
	st.Overlaps = int(f.overlaps.Load())
	return st
}

// EraseLog returns every erase command issued so far.
func (f *SimFlash) EraseLog() []SimErase {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SimErase, len(f.eraseLog))
	copy(out, f.eraseLog)
	return out
}

// Protection returns the protected range, if any.
func (f *SimFlash) Protection() (start, end uint32, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.protStart, f.protEnd, f.protected
}

// LowPower reports whether the chip is in deep power-down.
func (f *SimFlash) LowPower() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lowPower
}

// BurstMode reports the burst read setting.
func (f *SimFlash) BurstMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.burst
}

// ClockUses returns the bus clock refcount.
func (f *SimFlash) ClockUses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clockUses
}

func (f *SimFlash) enter() func() {
	if f.inFlight.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	return func() { f.inFlight.Add(-1) }
}

// Init models a chip reset: an erase that was running is abandoned.
func (f *SimFlash) Init(crashMode bool) error {
	_ = crashMode
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Inits++
	f.erase = simErase{}
	f.eraseErr = nil
	f.writeBusy = 0
	f.lowPower = false
	return nil
}

func (f *SimFlash) Geometry() Geometry {
	return Geometry{
		SizeBytes:      f.cfg.SizeBytes,
		SectorBytes:    f.cfg.SectorBytes,
		SubsectorBytes: f.cfg.SubsectorBytes,
		PageBytes:      f.cfg.PageBytes,
	}
}

func (f *SimFlash) SubsectorBase(addr uint32) uint32 { return addr &^ (f.cfg.SubsectorBytes - 1) }
func (f *SimFlash) SectorBase(addr uint32) uint32    { return addr &^ (f.cfg.SectorBytes - 1) }

func (f *SimFlash) TypicalSubsectorEraseMs() uint32 { return f.cfg.SubsectorEraseMs }
func (f *SimFlash) TypicalSectorEraseMs() uint32    { return f.cfg.SectorEraseMs }

func (f *SimFlash) ReadSync(p []byte, addr uint32) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lowPower {
		return ErrFlashPoweredDown
	}
	f.stats.Reads++
	if f.busyLocked() {
		return ErrFlashBusy
	}
	if !f.inRange(addr, uint32(len(p))) {
		return fmt.Errorf("flash read at %d: %w", addr, ErrFlashAddress)
	}
	copy(p, f.mem[addr:])
	return nil
}

func (f *SimFlash) WritePageBegin(p []byte, addr uint32) (int, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lowPower {
		return 0, ErrFlashPoweredDown
	}
	if f.busyLocked() {
		return 0, ErrFlashBusy
	}

	n := f.cfg.PageBytes - addr%f.cfg.PageBytes
	if int(n) > len(p) {
		n = uint32(len(p))
	}
	if !f.inRange(addr, n) {
		return 0, fmt.Errorf("flash write at %d: %w", addr, ErrFlashAddress)
	}
	if f.erase.active && overlaps(addr, n, f.erase.addr, f.erase.size) {
		return 0, ErrFlashBusy
	}
	if f.protectedLocked(addr, n) {
		return 0, fmt.Errorf("flash write at %d: %w", addr, ErrFlashProtected)
	}

	cur := f.mem[addr : addr+n]
	for i := range cur {
		if cur[i]&p[i] != p[i] {
			return 0, fmt.Errorf("flash write at %d: %w", addr+uint32(i), ErrFlashWriteRequiresErase)
		}
	}
	copy(cur, p[:n])
	if err := f.persistLocked(addr, n); err != nil {
		return 0, err
	}
	f.stats.PageWrites++
	f.writeBusy = f.cfg.WriteBusyPolls
	return int(n), nil
}

func (f *SimFlash) WriteStatus() (OpState, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeBusy > 0 {
		f.writeBusy--
		return OpBusy, nil
	}
	return OpDone, nil
}

func (f *SimFlash) EraseSubsectorBegin(addr uint32) error { return f.beginErase(addr, true) }
func (f *SimFlash) EraseSectorBegin(addr uint32) error    { return f.beginErase(addr, false) }

func (f *SimFlash) beginErase(addr uint32, subsector bool) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lowPower {
		return ErrFlashPoweredDown
	}
	f.progressLocked()
	if f.erase.active {
		return ErrFlashBusy
	}

	size, ms := f.cfg.SectorBytes, f.cfg.SectorEraseMs
	if subsector {
		size, ms = f.cfg.SubsectorBytes, f.cfg.SubsectorEraseMs
	}
	base := addr &^ (size - 1)
	if !f.inRange(base, size) {
		return fmt.Errorf("flash erase at %d: %w", addr, ErrFlashAddress)
	}
	if f.protectedLocked(base, size) {
		return fmt.Errorf("flash erase at %d: %w", addr, ErrFlashProtected)
	}

	f.stats.EraseBegins++
	if subsector {
		f.stats.SubsectorErases++
	} else {
		f.stats.SectorErases++
	}

	fail := false
	if f.failNext > 0 {
		f.failNext--
		fail = true
	}

	now := time.Now()
	f.eraseLog = append(f.eraseLog, SimErase{Addr: base, Subsector: subsector, Begin: now})
	f.erase = simErase{
		active:    true,
		addr:      base,
		size:      size,
		remaining: time.Duration(ms) * time.Millisecond,
		started:   now,
		fail:      fail,
		log:       len(f.eraseLog) - 1,
	}
	f.eraseErr = nil
	return nil
}

func (f *SimFlash) EraseStatus() (OpState, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lowPower {
		return OpDone, ErrFlashPoweredDown
	}
	f.progressLocked()
	if f.erase.active {
		if f.erase.suspended {
			return OpSuspended, nil
		}
		return OpBusy, nil
	}
	return OpDone, f.eraseErr
}

func (f *SimFlash) EraseSuspend(addr uint32) (bool, error) {
	_ = addr
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lowPower {
		return false, ErrFlashPoweredDown
	}
	f.progressLocked()
	if !f.erase.active {
		return false, nil
	}
	if f.erase.suspended {
		return true, nil
	}
	f.erase.remaining -= time.Since(f.erase.started)
	f.erase.suspended = true
	f.stats.Suspends++
	return true, nil
}

func (f *SimFlash) EraseResume(addr uint32) error {
	_ = addr
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lowPower {
		return ErrFlashPoweredDown
	}
	if !f.erase.active || !f.erase.suspended {
		return nil
	}
	f.erase.suspended = false
	f.erase.started = time.Now()
	f.stats.Resumes++
	return nil
}

func (f *SimFlash) BlankCheckSubsector(addr uint32) (bool, error) {
	return f.blankCheck(f.SubsectorBase(addr), f.cfg.SubsectorBytes)
}

func (f *SimFlash) BlankCheckSector(addr uint32) (bool, error) {
	return f.blankCheck(f.SectorBase(addr), f.cfg.SectorBytes)
}

func (f *SimFlash) blankCheck(base, size uint32) (bool, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lowPower {
		return false, ErrFlashPoweredDown
	}
	f.stats.BlankChecks++
	if f.busyLocked() {
		return false, ErrFlashBusy
	}
	if !f.inRange(base, size) {
		return false, fmt.Errorf("flash blank check at %d: %w", base, ErrFlashAddress)
	}
	for _, b := range f.mem[base : base+size] {
		if b != 0xFF {
			return false, nil
		}
	}
	return true, nil
}

func (f *SimFlash) EnterLowPower() error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.progressLocked()
	if f.erase.active {
		return ErrFlashBusy
	}
	if !f.lowPower {
		f.lowPower = true
		f.stats.LowPowerEntries++
	}
	return nil
}

func (f *SimFlash) ExitLowPower() error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lowPower {
		f.lowPower = false
		f.stats.LowPowerExits++
	}
	return nil
}

func (f *SimFlash) WriteProtect(start, end uint32) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if start >= end || end > f.cfg.SizeBytes {
		return fmt.Errorf("flash protect [%d, %d): %w", start, end, ErrFlashAddress)
	}
	f.protected = true
	f.protStart = start
	f.protEnd = end
	return nil
}

func (f *SimFlash) Unprotect() error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.protected = false
	f.protStart = 0
	f.protEnd = 0
	return nil
}

func (f *SimFlash) SetBurstMode(enable bool) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.burst = enable
	return nil
}

func (f *SimFlash) Use() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clockUses++
}

func (f *SimFlash) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clockUses--
}

func (f *SimFlash) SecurityRegisterInfo() SecurityRegisterInfo {
	info := SecurityRegisterInfo{Count: len(f.sec), SizeBytes: f.cfg.SecurityRegisterBytes}
	for i := range f.sec {
		info.Addrs = append(info.Addrs, uint32(i+1)<<12)
	}
	return info
}

func (f *SimFlash) secSlot(addr uint32) ([]byte, uint32, bool) {
	idx := int(addr>>12) - 1
	off := addr & 0xFFF
	if idx < 0 || idx >= len(f.sec) || off >= f.cfg.SecurityRegisterBytes {
		return nil, 0, false
	}
	return f.sec[idx], off, true
}

func (f *SimFlash) ReadSecurityRegister(addr uint32) (byte, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.busyLocked() {
		return 0, ErrFlashBusy
	}
	reg, off, ok := f.secSlot(addr)
	if !ok {
		return 0, fmt.Errorf("security register %#x: %w", addr, ErrFlashAddress)
	}
	return reg[off], nil
}

func (f *SimFlash) WriteSecurityRegister(addr uint32, v byte) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.progressLocked()
	if f.erase.active {
		return ErrFlashBusy
	}
	if f.secLocked {
		return fmt.Errorf("security register %#x: %w", addr, ErrFlashProtected)
	}
	reg, off, ok := f.secSlot(addr)
	if !ok {
		return fmt.Errorf("security register %#x: %w", addr, ErrFlashAddress)
	}
	if reg[off]&v != v {
		return fmt.Errorf("security register %#x: %w", addr, ErrFlashWriteRequiresErase)
	}
	reg[off] = v
	return nil
}

func (f *SimFlash) EraseSecurityRegister(addr uint32) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.progressLocked()
	if f.erase.active {
		return ErrFlashBusy
	}
	if f.secLocked {
		return fmt.Errorf("security register %#x: %w", addr, ErrFlashProtected)
	}
	reg, _, ok := f.secSlot(addr)
	if !ok {
		return fmt.Errorf("security register %#x: %w", addr, ErrFlashAddress)
	}
	fill(reg, 0xFF)
	return nil
}

func (f *SimFlash) LockSecurityRegisters() error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secLocked = true
	return nil
}

func (f *SimFlash) SecurityRegistersLocked() (bool, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secLocked, nil
}

// busyLocked reports whether an erase is running and not suspended.
func (f *SimFlash) busyLocked() bool {
	f.progressLocked()
	return f.erase.active && !f.erase.suspended
}

// progressLocked completes the running erase once its time has elapsed.
func (f *SimFlash) progressLocked() {
	e := &f.erase
	if !e.active || e.suspended {
		return
	}
	if time.Since(e.started) < e.remaining {
		return
	}

	entry := &f.eraseLog[e.log]
	entry.End = time.Now()
	entry.Failed = e.fail
	if e.fail {
		f.eraseErr = fmt.Errorf("flash erase at %d: %w", e.addr, ErrFlashHardware)
	} else {
		fill(f.mem[e.addr:e.addr+e.size], 0xFF)
		f.eraseErr = f.persistLocked(e.addr, e.size)
	}
	f.erase = simErase{}
}

func (f *SimFlash) persistLocked(addr, n uint32) error {
	if f.f == nil {
		return nil
	}
	if _, err := f.f.WriteAt(f.mem[addr:addr+n], int64(addr)); err != nil {
		return fmt.Errorf("flash image write at %d: %w", addr, err)
	}
	return nil
}

func (f *SimFlash) protectedLocked(addr, n uint32) bool {
	return f.protected && overlaps(addr, n, f.protStart, f.protEnd-f.protStart)
}

func (f *SimFlash) inRange(addr, n uint32) bool {
	return addr < f.cfg.SizeBytes && n <= f.cfg.SizeBytes-addr
}

func overlaps(a, an, b, bn uint32) bool {
	return a < b+bn && b < a+an
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
