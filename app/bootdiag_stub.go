//go:build !(tinygo && bootdebug)

package app

import "band/hal"

func bootDiagSetStep(string) {}

func bootDiagStart(hal.HAL) {}
