//go:build tinygo && baremetal && (rp2040 || rp2350)

package hal

import (
	"fmt"
	"machine"

	"tinygo.org/x/drivers/flash"
)

// External NOR on SPI1: GP10 SCK, GP11 SDO, GP12 SDI, GP13 CS.
const (
	extFlashSCK = machine.GP10
	extFlashSDO = machine.GP11
	extFlashSDI = machine.GP12
	extFlashCS  = machine.GP13
)

// newBoardFlash probes the external chip and falls back to the on-board
// XIP flash data area when none answers.
func newBoardFlash(logger Logger) NorFlash {
	bus := machine.SPI1
	if err := bus.Configure(machine.SPIConfig{
		Frequency: 16_000_000,
		SCK:       extFlashSCK,
		SDO:       extFlashSDO,
		SDI:       extFlashSDI,
		Mode:      0,
	}); err != nil {
		logger.WriteLineString("flash: spi configure: " + err.Error())
		return newRP2Flash()
	}

	dev := flash.NewSPI(bus, extFlashSDO, extFlashSDI, extFlashSCK, extFlashCS)
	if err := dev.Configure(&flash.DeviceConfig{Identifier: flash.DefaultDeviceIdentifier}); err != nil {
		logger.WriteLineString("flash: no external chip, using internal: " + err.Error())
		return newRP2Flash()
	}
	id, err := dev.ReadJEDEC()
	if err != nil {
		logger.WriteLineString("flash: jedec read: " + err.Error())
		return newRP2Flash()
	}

	cfg := DefaultSPINorConfig()
	if size := dev.Attrs().TotalSize; size != 0 {
		cfg.Geometry.SizeBytes = size
	}
	logger.WriteLineString(fmt.Sprintf("flash: external chip jedec=%06x size=%d", id.Uint32(), cfg.Geometry.SizeBytes))

	extFlashCS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	return NewSPINor(bus, extFlashCS, cfg)
}
