//go:build tinygo

package main

import (
	"band/app"
	"band/hal"
)

func main() {
	app.Run(hal.New())
}
