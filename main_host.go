//go:build !tinygo

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"band/app"
	"band/hal"
	"band/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "YAML config file (empty = defaults).")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	h, err := hal.NewHost(hal.HostConfig{Flash: cfg.Chip.SimFlash(), NVRAMPath: cfg.Chip.NVRAMPath})
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sys, err := app.Boot(ctx, h, app.Config{
		Timing:            cfg.Driver.Timing(),
		LowPower:          cfg.Driver.LowPower,
		WatchdogTimeoutMs: cfg.Watchdog.TimeoutMs,
		ConsoleOut:        os.Stdout,
	})
	if err != nil {
		return err
	}
	defer sys.Close()

	// Serve blocks in a stdin read that an interrupt cannot end.
	done := make(chan error, 1)
	go func() { done <- sys.Console.Serve(ctx, os.Stdin, true) }()
	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			return err
		}
	case <-ctx.Done():
		fmt.Println()
	}
	return nil
}
