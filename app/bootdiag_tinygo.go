//go:build tinygo && bootdebug

package app

import (
	"fmt"
	"machine"
	"sync"
	"time"

	"band/hal"
)

var (
	bootDiagMu   sync.Mutex
	bootDiagStep string
)

func bootDiagSetStep(msg string) {
	bootDiagMu.Lock()
	bootDiagStep = msg
	bootDiagMu.Unlock()
}

// bootDiagStart reports the current boot step every 250ms until boot
// reaches "up". A step that never changes is where boot hangs, usually
// flash recovery waiting on a wedged chip.
func bootDiagStart(h hal.HAL) {
	if h == nil {
		return
	}
	l := h.Logger()
	start := time.Now()

	go func() {
		for {
			bootDiagMu.Lock()
			step := bootDiagStep
			bootDiagMu.Unlock()

			if step == "" {
				step = "<empty>"
			}
			line := fmt.Sprintf("bootdiag: +%dms %s", time.Since(start).Milliseconds(), step)
			if l != nil {
				l.WriteLineString(line)
			}
			if usb := machine.USBCDC; usb != nil {
				_, _ = usb.Write([]byte(line + "\r\n"))
			}
			if step == "up" {
				return
			}
			time.Sleep(250 * time.Millisecond)
		}
	}()
}
