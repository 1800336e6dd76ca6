package config

import (
	"fmt"

	"band/bandos/drivers/flash"
)

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	c := cfg.Chip

	// ------------------------------------------------------------
	// CHIP GEOMETRY
	// ------------------------------------------------------------

	for _, f := range []struct {
		name string
		v    uint32
	}{
		{"page_bytes", c.PageBytes},
		{"subsector_bytes", c.SubsectorBytes},
		{"sector_bytes", c.SectorBytes},
	} {
		if f.v == 0 || f.v&(f.v-1) != 0 {
			return fmt.Errorf("chip: %s %d is not a power of two", f.name, f.v)
		}
	}
	if c.SubsectorBytes < c.PageBytes {
		return fmt.Errorf("chip: subsector_bytes %d smaller than page_bytes %d", c.SubsectorBytes, c.PageBytes)
	}
	if c.SectorBytes < c.SubsectorBytes {
		return fmt.Errorf("chip: sector_bytes %d smaller than subsector_bytes %d", c.SectorBytes, c.SubsectorBytes)
	}
	if c.SizeBytes == 0 || c.SizeBytes%c.SectorBytes != 0 {
		return fmt.Errorf("chip: size_bytes %d is not a multiple of sector_bytes %d", c.SizeBytes, c.SectorBytes)
	}
	// The retained erase record holds a 30-bit address.
	if uint64(c.SizeBytes) > uint64(flash.MaxRecordAddr)+1 {
		return fmt.Errorf("chip: size_bytes %d exceeds the erase record range", c.SizeBytes)
	}

	// ------------------------------------------------------------
	// CHIP TIMING
	// ------------------------------------------------------------

	if c.SubsectorEraseMs == 0 || c.SectorEraseMs == 0 {
		return fmt.Errorf("chip: erase durations must be positive")
	}
	if c.SectorEraseMs < c.SubsectorEraseMs {
		return fmt.Errorf("chip: sector_erase_ms %d shorter than subsector_erase_ms %d", c.SectorEraseMs, c.SubsectorEraseMs)
	}
	if c.WriteBusyPolls < 0 {
		return fmt.Errorf("chip: write_busy_polls %d is negative", c.WriteBusyPolls)
	}
	if c.SecurityRegisters < 0 || c.SecurityRegisters > 3 {
		return fmt.Errorf("chip: security_registers %d outside 0..3", c.SecurityRegisters)
	}
	if c.SecurityRegisters > 0 && (c.SecurityRegisterBytes == 0 || c.SecurityRegisterBytes > 0x1000) {
		return fmt.Errorf("chip: security_register_bytes %d outside 1..4096", c.SecurityRegisterBytes)
	}

	// ------------------------------------------------------------
	// DRIVER
	// ------------------------------------------------------------

	d := cfg.Driver
	if d.ReadResumeMs == 0 || d.WriteResumeMs == 0 {
		return fmt.Errorf("driver: resume windows must be positive")
	}
	if d.RecoveryPollMs == 0 || d.RecoveryTimeoutMs < d.RecoveryPollMs {
		return fmt.Errorf("driver: recovery_timeout_ms %d must cover recovery_poll_ms %d", d.RecoveryTimeoutMs, d.RecoveryPollMs)
	}

	// ------------------------------------------------------------
	// WATCHDOG
	// ------------------------------------------------------------

	if cfg.Watchdog.TimeoutMs == 0 {
		return fmt.Errorf("watchdog: timeout_ms must be positive")
	}
	return nil
}
