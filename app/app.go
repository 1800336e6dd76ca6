package app

import (
	"context"
	"fmt"
	"io"

	"band/bandos/analytics"
	"band/bandos/drivers/flash"
	"band/bandos/kernel"
	"band/bandos/services/console"
	"band/hal"
	"band/internal/buildinfo"
)

type Config struct {
	Timing            flash.Timing
	LowPower          bool
	WatchdogTimeoutMs uint32

	// IdleCheckMs is the stop-mode check period. Zero selects 100 ms.
	IdleCheckMs uint32

	// ConsoleOut receives console output. Nil discards it.
	ConsoleOut io.Writer
}

// System is the running firmware: kernel services, the flash driver and
// the console over it.
type System struct {
	HAL      hal.HAL
	Timers   *kernel.TimerService
	Watchdog *kernel.Watchdog
	StopMode *kernel.StopMode
	Flash    *flash.Driver
	Console  *console.Service

	cancel context.CancelFunc
}

func DefaultConfig() Config {
	return Config{Timing: flash.DefaultTiming(), WatchdogTimeoutMs: kernel.WatchdogTimeoutMs, IdleCheckMs: idleCheckMs}
}

// Boot starts the kernel services, brings up the flash driver (replaying an
// interrupted erase) and builds the console. The services stop when ctx
// ends or Close is called.
func Boot(ctx context.Context, h hal.HAL, cfg Config) (*System, error) {
	installPanicHandler(h)
	bootDiagStart(h)
	logger := h.Logger()

	ctx, cancel := context.WithCancel(ctx)
	bootDiagSetStep("timers")
	ts := kernel.NewTimerService(h.Time(), logger)
	go ts.Run(ctx)

	wd := kernel.NewWatchdog(ts, logger, cfg.WatchdogTimeoutMs)
	wd.OnStarve(func(kernel.TaskID) {
		if led := h.LED(); led != nil {
			led.High()
		}
	})
	go wd.Run(ctx)

	stop := kernel.NewStopMode()
	d := flash.New(h.Flash(), h.NVRAM(), ts,
		flash.WithLogger(logger),
		flash.WithWatchdog(wd),
		flash.WithStopMode(stop),
		flash.WithAnalytics(analytics.Default),
		flash.WithTiming(cfg.Timing),
	)

	bootDiagSetStep("flash")
	wd.Register(kernel.TaskApp)
	err := d.Init(kernel.WithTask(ctx, kernel.TaskApp))
	wd.Unregister(kernel.TaskApp)
	if err != nil {
		cancel()
		return nil, err
	}
	d.EnableLowPowerMode(cfg.LowPower)
	period := cfg.IdleCheckMs
	if period == 0 {
		period = idleCheckMs
	}
	go (&idleTask{ts: ts, stop: stop, flash: d, periodMs: period}).Run(ctx)

	out := cfg.ConsoleOut
	if out == nil {
		out = io.Discard
	}
	con, err := console.New(d, out, console.WithLogger(logger), console.WithAnalytics(analytics.Default))
	if err != nil {
		cancel()
		return nil, err
	}

	if rep := d.LastRecovery(); rep.Replayed && logger != nil {
		logger.WriteLineString(fmt.Sprintf("app: recovered erase at %#x ok=%t attempts=%d", rep.Addr, rep.OK, rep.Attempts))
	}
	if logger != nil {
		logger.WriteLineString("app: band " + buildinfo.Short() + " up")
	}
	bootDiagSetStep("up")

	return &System{
		HAL:      h,
		Timers:   ts,
		Watchdog: wd,
		StopMode: stop,
		Flash:    d,
		Console:  con,
		cancel:   cancel,
	}, nil
}

// Close waits for the running erase, powers the chip down and stops the
// kernel services.
func (s *System) Close() error {
	err := s.Flash.Stop(context.Background())
	s.cancel()
	return err
}

// Halt stops the kernel services without waiting for the flash driver. A
// running erase and its retained record are left as a power cut would.
func (s *System) Halt() { s.cancel() }

// Run boots with the default config and blocks forever (TinyGo entrypoint).
func Run(h hal.HAL) {
	if _, err := Boot(context.Background(), h, DefaultConfig()); err != nil {
		if l := h.Logger(); l != nil {
			l.WriteLineString("app: boot: " + err.Error())
		}
	}
	select {}
}
