//go:build tinygo && baremetal

package hal

import (
	"machine"
)

type tinyGoHAL struct {
	logger *uartLogger
	led    *pinLED
	t      *tinyGoTime
	flash  NorFlash
	nvram  NVRAM
}

// New returns a Pico 2 (RP2350) HAL implementation.
//
// UART: UART0 on GP0 (TX) / GP1 (RX), 115200 8N1.
func New() HAL {
	uart := machine.UART0
	uart.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GP0,
		RX:       machine.GP1,
	})

	ledPin := machine.LED
	ledPin.Configure(machine.PinConfig{Mode: machine.PinOutput})

	logger := &uartLogger{uart: uart}
	return &tinyGoHAL{
		logger: logger,
		led:    &pinLED{pin: ledPin},
		t:      newTinyGoTime(),
		flash:  newBoardFlash(logger),
		nvram:  newBoardNVRAM(),
	}
}

func (h *tinyGoHAL) Logger() Logger  { return h.logger }
func (h *tinyGoHAL) LED() LED        { return h.led }
func (h *tinyGoHAL) Flash() NorFlash { return h.flash }
func (h *tinyGoHAL) NVRAM() NVRAM    { return h.nvram }
func (h *tinyGoHAL) Time() Time      { return h.t }
