//go:build !tinygo

package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// HostConfig selects the simulated peripherals.
type HostConfig struct {
	Flash SimFlashConfig
	// NVRAMPath keeps the retained word on disk. Empty keeps it in memory.
	NVRAMPath string
	// Log receives log lines. Nil means stdout.
	Log io.Writer
	// QuietLED suppresses the "led:" log lines.
	QuietLED bool
}

// Host is the host HAL: a simulated NOR chip, retained word and tick source.
type Host struct {
	logger *hostLogger
	led    *hostLED
	t      *HostTime
	flash  *SimFlash
	nvram  NVRAM
}

// New returns a host HAL with the default in-memory chip.
func New() HAL {
	h, err := NewHost(HostConfig{Flash: DefaultSimFlashConfig()})
	if err != nil {
		logger := &hostLogger{w: os.Stdout}
		logger.WriteLineString("hal: " + err.Error())
		return &stubHAL{logger: logger, t: NewHostTime()}
	}
	return h
}

// NewHost builds a host HAL from cfg.
func NewHost(cfg HostConfig) (*Host, error) {
	w := cfg.Log
	if w == nil {
		w = os.Stdout
	}
	logger := &hostLogger{w: w}

	sf, err := NewSimFlash(cfg.Flash)
	if err != nil {
		return nil, err
	}

	var nv NVRAM = NewMemNVRAM()
	if cfg.NVRAMPath != "" {
		fnv, err := NewFileNVRAM(cfg.NVRAMPath, logger)
		if err != nil {
			_ = sf.Close()
			return nil, err
		}
		nv = fnv
	}

	return &Host{
		logger: logger,
		led:    &hostLED{logger: logger, quiet: cfg.QuietLED},
		t:      NewHostTime(),
		flash:  sf,
		nvram:  nv,
	}, nil
}

func (h *Host) Logger() Logger  { return h.logger }
func (h *Host) LED() LED        { return h.led }
func (h *Host) Flash() NorFlash { return h.flash }
func (h *Host) NVRAM() NVRAM    { return h.nvram }
func (h *Host) Time() Time      { return h.t }

// SimFlash exposes the simulator for fault injection and stats.
func (h *Host) SimFlash() *SimFlash { return h.flash }

// Close stops the tick source and closes the flash image.
func (h *Host) Close() error {
	h.t.Stop()
	if err := h.flash.Close(); err != nil {
		return fmt.Errorf("close flash: %w", err)
	}
	return nil
}

type stubHAL struct {
	logger Logger
	t      *HostTime
}

func (h *stubHAL) Logger() Logger  { return h.logger }
func (h *stubHAL) LED() LED        { return nopPin{} }
func (h *stubHAL) Flash() NorFlash { return stubFlash{} }
func (h *stubHAL) NVRAM() NVRAM    { return NewMemNVRAM() }
func (h *stubHAL) Time() Time      { return h.t }

type nopPin struct{}

func (nopPin) High() {}
func (nopPin) Low()  {}

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}

type hostLED struct {
	mu     sync.Mutex
	on     bool
	quiet  bool
	logger *hostLogger
}

func (l *hostLED) High() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = true
	if !l.quiet {
		l.logger.WriteLineString("led: HIGH")
	}
}

func (l *hostLED) Low() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = false
	if !l.quiet {
		l.logger.WriteLineString("led: LOW")
	}
}
