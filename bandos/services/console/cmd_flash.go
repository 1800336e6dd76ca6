package console

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"band/bandos/analytics"
	"band/bandos/drivers/flash"
)

const maxDumpBytes = 4096

func (s *Service) registerFlashCommands() error {
	if err := s.reg.register(command{
		Name:  "flash",
		Usage: "flash <command> [args...]",
		Desc:  "Inspect and modify the flash chip.",
		Run:   cmdFlash,
	}); err != nil {
		return err
	}

	return s.flashReg.registerAll([]command{
		{Name: "info", Usage: "info", Desc: "Chip geometry and driver state.", Run: cmdFlashInfo},
		{Name: "read", Aliases: []string{"dump"}, Usage: "read <addr> <len>", Desc: "Hex dump a range.", Run: cmdFlashRead},
		{Name: "write", Usage: "write <addr> <hex>", Desc: "Program bytes given as hex.", Run: cmdFlashWrite},
		{Name: "erase", Usage: "erase <sector|subsector> <addr>", Desc: "Erase the region containing addr.", Run: cmdFlashErase},
		{Name: "erase-range", Usage: "erase-range <start> <end>", Desc: "Erase a subsector-aligned range.", Run: cmdFlashEraseRange},
		{Name: "blank", Usage: "blank <sector|subsector> <addr>", Desc: "Check whether a region is erased.", Run: cmdFlashBlank},
		{Name: "crc", Usage: "crc <addr> <len>", Desc: "CRC32 of a range.", Run: cmdFlashCRC},
		{Name: "protect", Usage: "protect <start> <end>", Desc: "Write protect a range.", Run: cmdFlashProtect},
		{Name: "unprotect", Usage: "unprotect", Desc: "Clear write protection.", Run: cmdFlashUnprotect},
		{Name: "lowpower", Usage: "lowpower <on|off>", Desc: "Allow deep power-down in stop mode.", Run: cmdFlashLowPower},
		{Name: "burst", Usage: "burst <on|off>", Desc: "Toggle wrapped burst reads.", Run: cmdFlashBurst},
		{Name: "otp", Usage: "otp <info|read|write|erase|lock> [addr] [byte]", Desc: "Security registers.", Run: cmdFlashOTP},
		{Name: "stats", Usage: "stats [-reset]", Desc: "Driver counters.", Run: cmdFlashStats},
	})
}

func cmdFlash(ctx context.Context, s *Service, args []string) error {
	if len(args) == 0 || args[0] == "help" {
		s.listCommands(s.flashReg)
		return nil
	}
	cmd, ok := s.flashReg.resolve(args[0])
	if !ok {
		return s.flashReg.unknown(args[0])
	}
	if err := cmd.Run(ctx, s, args[1:]); err != nil {
		var ue usageErr
		if errors.As(err, &ue) {
			return fmt.Errorf("usage: flash %s", cmd.Usage)
		}
		return err
	}
	return nil
}

// usageErr marks bad arguments; cmdFlash replaces it with the usage line.
type usageErr struct{}

func (usageErr) Error() string { return "bad arguments" }

func cmdFlashInfo(_ context.Context, s *Service, args []string) error {
	if len(args) != 0 {
		return usageErr{}
	}
	d := s.flash
	g := d.Geometry()
	s.printf("size       %d bytes\n", g.SizeBytes)
	s.printf("sector     %d bytes\n", g.SectorBytes)
	s.printf("subsector  %d bytes\n", g.SubsectorBytes)
	s.printf("page       %d bytes\n", g.PageBytes)

	st := d.EraseState()
	if st.State == flash.EraseIdle {
		s.printf("erase      idle\n")
	} else {
		kind := "sector"
		if st.Subsector {
			kind = "subsector"
		}
		s.printf("erase      %s %s %#x retries=%d task=%s\n", st.State, kind, st.Addr, st.Retries, st.Task)
	}
	s.printf("low power  %s\n", onOff(d.LowPowerModeEnabled()))
	s.printf("clock refs %d\n", d.ClockRefs())

	if rep := d.LastRecovery(); rep.Replayed {
		result := "ok"
		if !rep.OK {
			result = "failed"
		}
		s.printf("recovery   %#x subsector=%t attempts=%d %s\n", rep.Addr, rep.Subsector, rep.Attempts, result)
	} else {
		s.printf("recovery   none\n")
	}
	return nil
}

func cmdFlashRead(_ context.Context, s *Service, args []string) error {
	if len(args) != 2 {
		return usageErr{}
	}
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	n, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	if n > maxDumpBytes {
		return fmt.Errorf("read: at most %d bytes", maxDumpBytes)
	}
	buf := make([]byte, n)
	if err := s.flash.Read(buf, addr); err != nil {
		return err
	}
	s.dump(addr, buf)
	return nil
}

// dump prints b as 16-byte rows with an ASCII column.
func (s *Service) dump(addr uint32, b []byte) {
	for off := 0; off < len(b); off += 16 {
		end := off + 16
		if end > len(b) {
			end = len(b)
		}
		row := b[off:end]
		var ascii strings.Builder
		for _, c := range row {
			if c >= 0x20 && c < 0x7f {
				ascii.WriteByte(c)
			} else {
				ascii.WriteByte('.')
			}
		}
		s.printf("%08x  %-47s  |%s|\n", addr+uint32(off), spacedHex(row), ascii.String())
	}
}

func spacedHex(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = hex.EncodeToString([]byte{c})
	}
	return strings.Join(parts, " ")
}

func cmdFlashWrite(_ context.Context, s *Service, args []string) error {
	if len(args) != 2 {
		return usageErr{}
	}
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
	if err != nil {
		return fmt.Errorf("write: bad hex: %w", err)
	}
	if err := s.flash.Write(data, addr); err != nil {
		return err
	}
	s.printf("wrote %d bytes at %#x\n", len(data), addr)
	return nil
}

func parseKind(arg string) (subsector bool, err error) {
	switch arg {
	case "sector":
		return false, nil
	case "subsector", "sub":
		return true, nil
	}
	return false, usageErr{}
}

// waitErase starts an erase through start and waits for its callback.
func waitErase(ctx context.Context, start func(flash.EraseCallback) error) (flash.Status, error) {
	done := make(chan flash.Status, 1)
	if err := start(func(st flash.Status) { done <- st }); err != nil {
		return flash.StatusError, err
	}
	select {
	case st := <-done:
		return st, nil
	case <-ctx.Done():
		return flash.StatusError, ctx.Err()
	}
}

func cmdFlashErase(ctx context.Context, s *Service, args []string) error {
	if len(args) != 2 {
		return usageErr{}
	}
	subsector, err := parseKind(args[0])
	if err != nil {
		return err
	}
	addr, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	st, err := waitErase(ctx, func(done flash.EraseCallback) error {
		if subsector {
			return s.flash.EraseSubsector(ctx, addr, done)
		}
		return s.flash.EraseSector(ctx, addr, done)
	})
	if err != nil {
		return err
	}
	base := s.flash.SectorBase(addr)
	if subsector {
		base = s.flash.SubsectorBase(addr)
	}
	s.printf("erase %s %#x: %s\n", args[0], base, st)
	return st.Err()
}

func cmdFlashEraseRange(ctx context.Context, s *Service, args []string) error {
	if len(args) != 2 {
		return usageErr{}
	}
	start, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	end, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	st, err := waitErase(ctx, func(done flash.EraseCallback) error {
		return s.flash.EraseRange(ctx, start, end, done)
	})
	if err != nil {
		return err
	}
	s.printf("erase [%#x, %#x): %s\n", start, end, st)
	return st.Err()
}

func cmdFlashBlank(_ context.Context, s *Service, args []string) error {
	if len(args) != 2 {
		return usageErr{}
	}
	subsector, err := parseKind(args[0])
	if err != nil {
		return err
	}
	addr, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	var blank bool
	if subsector {
		blank = s.flash.SubsectorIsErased(addr)
	} else {
		blank = s.flash.SectorIsErased(addr)
	}
	if blank {
		s.printf("erased\n")
	} else {
		s.printf("not erased\n")
	}
	return nil
}

func cmdFlashCRC(_ context.Context, s *Service, args []string) error {
	if len(args) != 2 {
		return usageErr{}
	}
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	n, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	crc, err := s.flash.CRC32(addr, n)
	if err != nil {
		return err
	}
	s.printf("%08x\n", crc)
	return nil
}

func cmdFlashProtect(_ context.Context, s *Service, args []string) error {
	if len(args) != 2 {
		return usageErr{}
	}
	start, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	end, err := parseUint32(args[1])
	if err != nil {
		return err
	}
	return s.flash.EnableWriteProtection(start, end)
}

func cmdFlashUnprotect(_ context.Context, s *Service, args []string) error {
	if len(args) != 0 {
		return usageErr{}
	}
	return s.flash.DisableWriteProtection()
}

func cmdFlashLowPower(_ context.Context, s *Service, args []string) error {
	if len(args) != 1 {
		return usageErr{}
	}
	on, err := parseOnOff(args[0])
	if err != nil {
		return err
	}
	s.flash.EnableLowPowerMode(on)
	return nil
}

func cmdFlashBurst(_ context.Context, s *Service, args []string) error {
	if len(args) != 1 {
		return usageErr{}
	}
	on, err := parseOnOff(args[0])
	if err != nil {
		return err
	}
	return s.flash.SetBurstMode(on)
}

func cmdFlashOTP(ctx context.Context, s *Service, args []string) error {
	if len(args) == 0 {
		return usageErr{}
	}
	d := s.flash
	switch args[0] {
	case "info":
		info, err := d.SecurityRegisters()
		if err != nil {
			return err
		}
		locked, err := d.SecurityRegistersLocked()
		if err != nil {
			return err
		}
		s.printf("%d registers of %d bytes, locked=%t\n", info.Count, info.SizeBytes, locked)
		for i, a := range info.Addrs {
			s.printf("  %d: %#x\n", i, a)
		}
		return nil
	case "read":
		if len(args) != 2 {
			return usageErr{}
		}
		addr, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		v, err := d.ReadSecurityRegister(addr)
		if err != nil {
			return err
		}
		s.printf("%#02x\n", v)
		return nil
	case "write":
		if len(args) != 3 {
			return usageErr{}
		}
		addr, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(args[2], 0, 8)
		if err != nil {
			return fmt.Errorf("bad byte %q", args[2])
		}
		return d.WriteSecurityRegister(ctx, addr, byte(v))
	case "erase":
		if len(args) != 2 {
			return usageErr{}
		}
		addr, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		return d.EraseSecurityRegister(ctx, addr)
	case "lock":
		if len(args) != 1 {
			return usageErr{}
		}
		return d.LockSecurityRegisters(ctx)
	}
	return usageErr{}
}

func cmdFlashStats(_ context.Context, s *Service, args []string) error {
	var snap analytics.Snapshot
	switch {
	case len(args) == 0:
		snap = s.stats.Snapshot()
	case len(args) == 1 && args[0] == "-reset":
		snap = s.stats.Collect()
	default:
		return usageErr{}
	}
	for _, m := range analytics.Metrics() {
		s.printf("%-24s %d\n", m, snap.Get(m))
	}
	return nil
}

func parseUint32(arg string) (uint32, error) {
	v, err := strconv.ParseUint(arg, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", arg)
	}
	return uint32(v), nil
}

func parseOnOff(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, usageErr{}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
