//go:build !tinygo

package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"band/bandos/drivers/flash"
	"band/bandos/kernel"
	"band/hal"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func testHostConfig(dir string, log *syncBuffer) hal.HostConfig {
	fc := hal.DefaultSimFlashConfig()
	fc.SizeBytes = 256 * 1024
	fc.SubsectorEraseMs = 5
	fc.SectorEraseMs = 10
	if dir != "" {
		fc.Path = filepath.Join(dir, "flash.img")
	}
	cfg := hal.HostConfig{Flash: fc, Log: log, QuietLED: true}
	if dir != "" {
		cfg.NVRAMPath = filepath.Join(dir, "nvram.bin")
	}
	return cfg
}

func TestBootRunsConsole(t *testing.T) {
	log := &syncBuffer{}
	h, err := hal.NewHost(testHostConfig("", log))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close()

	var out bytes.Buffer
	cfg := DefaultConfig()
	cfg.ConsoleOut = &out
	sys, err := Boot(context.Background(), h, cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if err := sys.Console.Exec(context.Background(), "flash info"); err != nil {
		t.Fatalf("flash info: %v", err)
	}
	if !strings.Contains(out.String(), "size       262144 bytes") {
		t.Fatalf("console output %q", out.String())
	}
	if !strings.Contains(log.String(), "app: band ") {
		t.Fatalf("boot not logged: %q", log.String())
	}

	if err := sys.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !h.SimFlash().LowPower() {
		t.Fatal("Close left the chip powered")
	}
	if err := sys.Flash.Read(make([]byte, 1), 0); err != flash.ErrStopped {
		t.Fatalf("Read after Close err=%v", err)
	}
}

func TestBootRecoversInterruptedErase(t *testing.T) {
	dir := t.TempDir()
	log := &syncBuffer{}

	h, err := hal.NewHost(testHostConfig(dir, log))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	sys, err := Boot(context.Background(), h, DefaultConfig())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := sys.Flash.Write([]byte{0x00}, 0x1004); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Power is cut right after the erase command went out.
	h.NVRAM().StoreWord(flash.EraseRecord{InProgress: true, Subsector: true, Addr: 0x1000}.Pack())
	sys.Halt()
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h, err = hal.NewHost(testHostConfig(dir, log))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close()
	sys, err = Boot(context.Background(), h, DefaultConfig())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer sys.Close()

	if rep := sys.Flash.LastRecovery(); !rep.Replayed || !rep.OK || rep.Addr != 0x1000 {
		t.Fatalf("recovery=%+v", rep)
	}
	if !sys.Flash.SubsectorIsErased(0x1000) {
		t.Fatal("interrupted subsector not erased after reboot")
	}
	if w := h.NVRAM().LoadWord(); w != 0 {
		t.Fatalf("record=%#x after recovery", w)
	}
	if !strings.Contains(log.String(), "app: recovered erase at 0x1000 ok=true") {
		t.Fatalf("recovery not logged: %q", log.String())
	}
}

func waitLowPower(t *testing.T, h *hal.Host, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.SimFlash().LowPower() != want {
		if time.Now().After(deadline) {
			t.Fatalf("chip low power=%t, want %t", !want, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestIdlePowersDownInStop(t *testing.T) {
	h, err := hal.NewHost(testHostConfig("", &syncBuffer{}))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close()

	cfg := DefaultConfig()
	cfg.IdleCheckMs = 5
	sys, err := Boot(context.Background(), h, cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	defer sys.Close()

	time.Sleep(50 * time.Millisecond)
	if h.SimFlash().LowPower() {
		t.Fatal("chip powered down with low-power mode off")
	}

	if err := sys.Console.Exec(context.Background(), "flash lowpower on"); err != nil {
		t.Fatalf("lowpower on: %v", err)
	}
	waitLowPower(t, h, true)

	if err := sys.Flash.Write([]byte{0x42}, 0x100); err != nil {
		t.Fatalf("Write in stop: %v", err)
	}
	var b [1]byte
	if err := sys.Flash.Read(b[:], 0x100); err != nil || b[0] != 0x42 {
		t.Fatalf("Read in stop: %#x err=%v", b[0], err)
	}
	waitLowPower(t, h, true)

	done := make(chan flash.Status, 1)
	if err := sys.Flash.EraseSubsector(context.Background(), 0, func(st flash.Status) { done <- st }); err != nil {
		t.Fatalf("EraseSubsector: %v", err)
	}
	select {
	case st := <-done:
		if st != flash.StatusSuccess {
			t.Fatalf("erase status=%v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("erase never finished")
	}
	waitLowPower(t, h, true)

	sys.StopMode.Inhibit(kernel.InhibitorApp)
	time.Sleep(20 * time.Millisecond)
	it := &idleTask{stop: sys.StopMode, flash: sys.Flash, inStop: true}
	it.check(context.Background())
	if h.SimFlash().LowPower() || it.inStop {
		t.Fatal("held inhibitor did not end stop")
	}
	sys.StopMode.Allow(kernel.InhibitorApp)
	waitLowPower(t, h, true)

	if err := sys.Console.Exec(context.Background(), "flash lowpower off"); err != nil {
		t.Fatalf("lowpower off: %v", err)
	}
	if h.SimFlash().LowPower() {
		t.Fatal("chip still down after lowpower off")
	}
}
