// Package config loads the host configuration: the simulated chip, driver
// timing and watchdog.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"band/bandos/drivers/flash"
	"band/bandos/kernel"
	"band/hal"
)

// EnvFlashPath overrides chip.image_path.
const EnvFlashPath = "BAND_FLASH_PATH"

type Config struct {
	Chip     ChipConfig     `yaml:"chip"`
	Driver   DriverConfig   `yaml:"driver"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// ---- CHIP ----

type ChipConfig struct {
	// ImagePath is the backing file of the simulated chip; empty keeps it in memory.
	ImagePath string `yaml:"image_path"`
	// NVRAMPath holds the retained erase record; empty keeps it in memory.
	NVRAMPath string `yaml:"nvram_path"`

	SizeBytes      uint32 `yaml:"size_bytes"`
	SectorBytes    uint32 `yaml:"sector_bytes"`
	SubsectorBytes uint32 `yaml:"subsector_bytes"`
	PageBytes      uint32 `yaml:"page_bytes"`

	SubsectorEraseMs uint32 `yaml:"subsector_erase_ms"`
	SectorEraseMs    uint32 `yaml:"sector_erase_ms"`
	WriteBusyPolls   int    `yaml:"write_busy_polls"`

	SecurityRegisters     int    `yaml:"security_registers"`
	SecurityRegisterBytes uint32 `yaml:"security_register_bytes"`
}

// ---- DRIVER ----

type DriverConfig struct {
	ReadResumeMs         uint32 `yaml:"read_resume_ms"`
	WriteResumeMs        uint32 `yaml:"write_resume_ms"`
	MinEraseSliceMs      uint32 `yaml:"min_erase_slice_ms"`
	WatchdogFeedCutoffMs uint32 `yaml:"watchdog_feed_cutoff_ms"`
	RecoveryPollMs       uint32 `yaml:"recovery_poll_ms"`
	RecoveryTimeoutMs    uint32 `yaml:"recovery_timeout_ms"`

	LowPower bool `yaml:"low_power"`
}

// ---- WATCHDOG ----

type WatchdogConfig struct {
	TimeoutMs uint32 `yaml:"timeout_ms"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	sim := hal.DefaultSimFlashConfig()
	t := flash.DefaultTiming()
	return &Config{
		Chip: ChipConfig{
			SizeBytes:             sim.SizeBytes,
			SectorBytes:           sim.SectorBytes,
			SubsectorBytes:        sim.SubsectorBytes,
			PageBytes:             sim.PageBytes,
			SubsectorEraseMs:      sim.SubsectorEraseMs,
			SectorEraseMs:         sim.SectorEraseMs,
			WriteBusyPolls:        sim.WriteBusyPolls,
			SecurityRegisters:     sim.SecurityRegisters,
			SecurityRegisterBytes: sim.SecurityRegisterBytes,
		},
		Driver: DriverConfig{
			ReadResumeMs:         t.ReadResumeMs,
			WriteResumeMs:        t.WriteResumeMs,
			MinEraseSliceMs:      t.MinEraseSliceMs,
			WatchdogFeedCutoffMs: t.WatchdogFeedCutoffMs,
			RecoveryPollMs:       t.RecoveryPollMs,
			RecoveryTimeoutMs:    t.RecoveryTimeoutMs,
		},
		Watchdog: WatchdogConfig{TimeoutMs: kernel.WatchdogTimeoutMs},
	}
}

// Load reads path, fills unset fields with defaults, applies the
// environment override and validates the result. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := decode(b, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if p := os.Getenv(EnvFlashPath); p != "" {
		cfg.Chip.ImagePath = p
	}
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// SimFlash is the simulated chip described by c.
func (c ChipConfig) SimFlash() hal.SimFlashConfig {
	return hal.SimFlashConfig{
		Path:                  c.ImagePath,
		SizeBytes:             c.SizeBytes,
		SectorBytes:           c.SectorBytes,
		SubsectorBytes:        c.SubsectorBytes,
		PageBytes:             c.PageBytes,
		SubsectorEraseMs:      c.SubsectorEraseMs,
		SectorEraseMs:         c.SectorEraseMs,
		WriteBusyPolls:        c.WriteBusyPolls,
		SecurityRegisters:     c.SecurityRegisters,
		SecurityRegisterBytes: c.SecurityRegisterBytes,
	}
}

func (d DriverConfig) Timing() flash.Timing {
	return flash.Timing{
		ReadResumeMs:         d.ReadResumeMs,
		WriteResumeMs:        d.WriteResumeMs,
		MinEraseSliceMs:      d.MinEraseSliceMs,
		WatchdogFeedCutoffMs: d.WatchdogFeedCutoffMs,
		RecoveryPollMs:       d.RecoveryPollMs,
		RecoveryTimeoutMs:    d.RecoveryTimeoutMs,
	}
}
