//go:build tinygo && baremetal && !(rp2040 || rp2350)

package hal

func newBoardFlash(logger Logger) NorFlash {
	logger.WriteLineString("flash: no driver for this board")
	return stubFlash{}
}

func newBoardNVRAM() NVRAM { return NewMemNVRAM() }
