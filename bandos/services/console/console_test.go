package console

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"strings"
	"testing"

	"band/bandos/analytics"
	"band/bandos/drivers/flash"
	"band/bandos/kernel"
	"band/hal"
)

func newTestService(t *testing.T) (*Service, *bytes.Buffer) {
	t.Helper()
	cfg := hal.DefaultSimFlashConfig()
	cfg.SizeBytes = 256 * 1024
	cfg.SubsectorEraseMs = 5
	cfg.SectorEraseMs = 10
	sim, err := hal.NewSimFlash(cfg)
	if err != nil {
		t.Fatalf("NewSimFlash: %v", err)
	}

	ht := hal.NewHostTime()
	ts := kernel.NewTimerService(ht, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go ts.Run(ctx)
	t.Cleanup(func() {
		cancel()
		ht.Stop()
	})

	stats := analytics.New()
	d := flash.New(sim, hal.NewMemNVRAM(), ts, flash.WithAnalytics(stats))
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var out bytes.Buffer
	s, err := New(d, &out, WithAnalytics(stats))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, &out
}

func run(t *testing.T, s *Service, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	if err := s.Exec(context.Background(), line); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	return out.String()
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newRegistry("command")
	nop := func(context.Context, *Service, []string) error { return nil }
	if err := r.register(command{Name: "read", Aliases: []string{"dump"}, Run: nop}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.register(command{Name: "read", Run: nop}); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if err := r.register(command{Name: "dump", Run: nop}); err == nil {
		t.Fatal("name clashing with an alias accepted")
	}
	if err := r.register(command{Name: "write", Aliases: []string{"dump"}, Run: nop}); err == nil {
		t.Fatal("duplicate alias accepted")
	}
	if err := r.register(command{Name: "  "}); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := r.register(command{Name: "x"}); err == nil {
		t.Fatal("command without handler accepted")
	}

	if cmd, ok := r.resolve("dump"); !ok || cmd.Name != "read" {
		t.Fatalf("resolve(dump)=%v,%v", cmd.Name, ok)
	}
	if err := r.unknown("re"); !strings.Contains(err.Error(), "did you mean read") {
		t.Fatalf("unknown=%v", err)
	}
}

func TestWriteThenDump(t *testing.T) {
	s, out := newTestService(t)
	if got := run(t, s, out, "flash write 0x100 68656c6c6f"); !strings.Contains(got, "wrote 5 bytes at 0x100") {
		t.Fatalf("write output %q", got)
	}
	got := run(t, s, out, "flash dump 0x100 5")
	want := "00000100  68 65 6c 6c 6f"
	if !strings.HasPrefix(got, want) || !strings.Contains(got, "|hello|") {
		t.Fatalf("dump=%q", got)
	}
}

func TestEraseReportsStatus(t *testing.T) {
	s, out := newTestService(t)
	if got := run(t, s, out, "flash erase subsector 0x2000"); !strings.Contains(got, "no action required") {
		t.Fatalf("blank erase output %q", got)
	}
	run(t, s, out, "flash write 0x2010 00")
	if got := run(t, s, out, "flash blank subsector 0x2000"); got != "not erased\n" {
		t.Fatalf("blank=%q", got)
	}
	if got := run(t, s, out, "flash erase sub 0x2010"); !strings.Contains(got, "erase sub 0x2000: success") {
		t.Fatalf("erase output %q", got)
	}
	if got := run(t, s, out, "flash blank sector 0"); got != "erased\n" {
		t.Fatalf("blank=%q", got)
	}

	run(t, s, out, "flash write 0x10000 00")
	if got := run(t, s, out, "flash erase-range 0x10000 0x20000"); !strings.Contains(got, "success") {
		t.Fatalf("erase-range output %q", got)
	}
}

func TestCRCCommand(t *testing.T) {
	s, out := newTestService(t)
	run(t, s, out, "flash write 0 0102030405")
	want := make([]byte, 16)
	for i := range want {
		want[i] = 0xFF
	}
	copy(want, []byte{1, 2, 3, 4, 5})

	got := run(t, s, out, "flash crc 0 16")
	if got != fmt.Sprintf("%08x\n", crc32.ChecksumIEEE(want)) {
		t.Fatalf("crc=%q", got)
	}
}

func TestUsageAndUnknown(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	err := s.Exec(ctx, "flash read 0")
	if err == nil || err.Error() != "usage: flash read <addr> <len>" {
		t.Fatalf("err=%v", err)
	}
	if err := s.Exec(ctx, "flash erase chip 0"); err == nil || !strings.HasPrefix(err.Error(), "usage: flash erase") {
		t.Fatalf("err=%v", err)
	}
	if err := s.Exec(ctx, "flash cr 0 1"); err == nil || !strings.Contains(err.Error(), "did you mean crc") {
		t.Fatalf("err=%v", err)
	}
	if err := s.Exec(ctx, "bogus"); err == nil || err.Error() != "unknown command: bogus" {
		t.Fatalf("err=%v", err)
	}
	if err := s.Exec(ctx, "flash read zz 1"); err == nil || !strings.Contains(err.Error(), `bad number "zz"`) {
		t.Fatalf("err=%v", err)
	}
	if err := s.Exec(ctx, `echo "unterminated`); err == nil {
		t.Fatal("unterminated quote accepted")
	}
}

func TestEchoQuoting(t *testing.T) {
	s, out := newTestService(t)
	if got := run(t, s, out, `echo "two words" 'and more'`); got != "two words and more\n" {
		t.Fatalf("echo=%q", got)
	}
	if got := run(t, s, out, "  # comment"); got != "" {
		t.Fatalf("comment output %q", got)
	}
}

func TestStatsReset(t *testing.T) {
	s, out := newTestService(t)
	run(t, s, out, "flash read 0 64")

	got := run(t, s, out, "flash stats -reset")
	if !strings.Contains(got, "flash_read_bytes") || !strings.Contains(got, " 64\n") {
		t.Fatalf("stats=%q", got)
	}
	got = run(t, s, out, "flash stats")
	for _, line := range strings.Split(strings.TrimSpace(got), "\n") {
		if !strings.HasSuffix(line, " 0") {
			t.Fatalf("counter not reset: %q", line)
		}
	}
}

func TestOTPCommands(t *testing.T) {
	s, out := newTestService(t)
	if got := run(t, s, out, "flash otp info"); !strings.Contains(got, "3 registers of 256 bytes, locked=false") {
		t.Fatalf("info=%q", got)
	}
	run(t, s, out, "flash otp write 0x1002 0x42")
	if got := run(t, s, out, "flash otp read 0x1002"); got != "0x42\n" {
		t.Fatalf("read=%q", got)
	}
	run(t, s, out, "flash otp erase 0x1000")
	if got := run(t, s, out, "flash otp read 0x1002"); got != "0xff\n" {
		t.Fatalf("read after erase=%q", got)
	}
}

func TestInfoAndHelp(t *testing.T) {
	s, out := newTestService(t)
	got := run(t, s, out, "flash info")
	for _, want := range []string{"size       262144 bytes", "erase      idle", "recovery   none"} {
		if !strings.Contains(got, want) {
			t.Fatalf("info missing %q:\n%s", want, got)
		}
	}

	got = run(t, s, out, "help flash")
	if !strings.Contains(got, "usage: flash <command>") || !strings.Contains(got, "erase-range") {
		t.Fatalf("help flash=%q", got)
	}
	got = run(t, s, out, "?")
	if !strings.Contains(got, "version") || !strings.Contains(got, "flash") {
		t.Fatalf("help=%q", got)
	}
}

func TestServeStopsAtExit(t *testing.T) {
	s, out := newTestService(t)
	in := strings.NewReader("echo one\nbogus\nexit\necho two\n")
	if err := s.Serve(context.Background(), in, false); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "one\n") || strings.Contains(got, "two") {
		t.Fatalf("output=%q", got)
	}
	if !strings.Contains(got, "error: unknown command: bogus") {
		t.Fatalf("error not printed: %q", got)
	}
}

func TestServeInteractivePrompts(t *testing.T) {
	s, out := newTestService(t)
	if err := s.Serve(context.Background(), strings.NewReader("echo hi\n"), true); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if got := out.String(); got != prompt+"hi\n"+prompt {
		t.Fatalf("output=%q", got)
	}
}
