package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// Pin is a minimal output pin abstraction (LEDs, chip selects).
type Pin interface {
	High()
	Low()
}

// LED is an indicator pin.
type LED = Pin

var ErrNotImplemented = errors.New("not implemented")

// Time provides a base tick stream.
//
// The tick duration is 1ms on every platform; timers live in the kernel.
type Time interface {
	Ticks() <-chan uint64
}

// HAL provides the only contact point between the firmware and the outside world.
type HAL interface {
	Logger() Logger
	LED() LED
	Flash() NorFlash
	NVRAM() NVRAM
	Time() Time
}
