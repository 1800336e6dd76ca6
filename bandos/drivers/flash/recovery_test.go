package flash

import (
	"context"
	"testing"

	"band/bandos/analytics"
)

func TestEraseRecordPacking(t *testing.T) {
	cases := []struct {
		rec  EraseRecord
		word uint32
	}{
		{EraseRecord{}, 0},
		{EraseRecord{InProgress: true, Addr: 0x10000}, 0x80010000},
		{EraseRecord{InProgress: true, Subsector: true, Addr: 0x3000}, 0xC0003000},
		{EraseRecord{InProgress: true, Addr: MaxRecordAddr}, 0xBFFFFFFF},
	}
	for _, tc := range cases {
		if got := tc.rec.Pack(); got != tc.word {
			t.Fatalf("Pack(%+v)=%#x want %#x", tc.rec, got, tc.word)
		}
		if got := UnpackEraseRecord(tc.word); got != tc.rec {
			t.Fatalf("Unpack(%#x)=%+v want %+v", tc.word, got, tc.rec)
		}
	}
	expectPanic(t, "exceeds", func() {
		EraseRecord{InProgress: true, Addr: MaxRecordAddr + 1}.Pack()
	})
}

func TestInitReplaysInterruptedErase(t *testing.T) {
	h := newUninitialised(t, testConfig())
	if _, err := h.sim.WritePageBegin([]byte{0}, 0x3010); err != nil {
		t.Fatalf("WritePageBegin: %v", err)
	}
	h.nv.StoreWord(EraseRecord{InProgress: true, Subsector: true, Addr: 0x3000}.Pack())

	if err := h.d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rep := h.d.LastRecovery()
	if !rep.Replayed || !rep.OK || rep.Attempts != 1 || rep.Addr != 0x3000 || !rep.Subsector {
		t.Fatalf("report=%+v", rep)
	}
	if w := h.nv.LoadWord(); w != 0 {
		t.Fatalf("record=%#x after recovery", w)
	}
	if !h.d.SubsectorIsErased(0x3000) {
		t.Fatal("interrupted subsector not erased")
	}
	if h.stats.Get(analytics.FlashRecoveryReplays) != 1 {
		t.Fatal("replay not counted")
	}
	if !h.log.contains("replaying interrupted subsector erase at 0x3000") {
		t.Fatalf("log=%v", h.log.lines)
	}
}

func TestInitReplaysSectorErase(t *testing.T) {
	h := newUninitialised(t, testConfig())
	if _, err := h.sim.WritePageBegin([]byte{0}, 0x2FFFF); err != nil {
		t.Fatalf("WritePageBegin: %v", err)
	}
	h.nv.StoreWord(EraseRecord{InProgress: true, Addr: 0x20000}.Pack())

	if err := h.d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if rep := h.d.LastRecovery(); !rep.OK || rep.Subsector {
		t.Fatalf("report=%+v", rep)
	}
	if !h.d.SectorIsErased(0x20000) {
		t.Fatal("interrupted sector not erased")
	}
}

func TestInitGivesUpOnFailingReplay(t *testing.T) {
	h := newUninitialised(t, testConfig())
	h.sim.FailNextErases(100)
	h.nv.StoreWord(EraseRecord{InProgress: true, Subsector: true, Addr: 0x1000}.Pack())

	if err := h.d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rep := h.d.LastRecovery()
	if !rep.Replayed || rep.OK || rep.Attempts != MaxEraseRetries+1 {
		t.Fatalf("report=%+v", rep)
	}
	if n := h.sim.Stats().EraseBegins; n != MaxEraseRetries+1 {
		t.Fatalf("erase begins=%d", n)
	}
	if w := h.nv.LoadWord(); w != 0 {
		t.Fatalf("record=%#x after giving up", w)
	}
	if !h.log.contains("giving up") {
		t.Fatal("give-up not logged")
	}

	// The driver is usable regardless.
	h.sim.FailNextErases(0)
	h.dirty(t, 0x1000)
	if err := h.d.EraseSubsectorBlocking(context.Background(), 0x1000); err != nil {
		t.Fatalf("erase after failed recovery: %v", err)
	}
}

func TestInitStopsReplayOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.SectorEraseMs = 5000
	h := newUninitialised(t, cfg)
	h.nv.StoreWord(EraseRecord{InProgress: true, Addr: 0}.Pack())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.d.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rep := h.d.LastRecovery()
	if rep.OK || rep.Attempts != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if w := h.nv.LoadWord(); w != 0 {
		t.Fatalf("record=%#x", w)
	}
}

func TestInitTimesOutReplay(t *testing.T) {
	cfg := testConfig()
	cfg.SubsectorEraseMs = 5000
	timing := testTiming()
	timing.RecoveryTimeoutMs = 10
	h := newUninitialised(t, cfg, WithTiming(timing))
	h.nv.StoreWord(EraseRecord{InProgress: true, Subsector: true, Addr: 0}.Pack())

	if err := h.d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rep := h.d.LastRecovery()
	if rep.OK || rep.Attempts != MaxEraseRetries+1 {
		t.Fatalf("report=%+v", rep)
	}
}

func TestInitClearsStaleRecord(t *testing.T) {
	h := newUninitialised(t, testConfig())
	h.nv.StoreWord(EraseRecord{Subsector: true, Addr: 0x4000}.Pack())

	if err := h.d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if rep := h.d.LastRecovery(); rep.Replayed {
		t.Fatalf("report=%+v", rep)
	}
	if w := h.nv.LoadWord(); w != 0 {
		t.Fatalf("record=%#x", w)
	}
	if n := h.sim.Stats().EraseBegins; n != 0 {
		t.Fatalf("erase begins=%d", n)
	}
}
