//go:build tinygo && baremetal && (rp2040 || rp2350)

package hal

import "device/rp"

// scratchNVRAM uses a watchdog scratch register, which keeps its value
// across watchdog and soft resets but not across power loss.
type scratchNVRAM struct{}

func newBoardNVRAM() NVRAM { return scratchNVRAM{} }

func (scratchNVRAM) LoadWord() uint32   { return rp.WATCHDOG.SCRATCH4.Get() }
func (scratchNVRAM) StoreWord(w uint32) { rp.WATCHDOG.SCRATCH4.Set(w) }
