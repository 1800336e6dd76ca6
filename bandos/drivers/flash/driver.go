// Package flash is the storage layer over a raw NOR chip.
//
// It serializes every chip access behind one lock, runs at most one erase
// at a time (suspending it so reads and writes can interleave), and keeps a
// record of the running erase in NVRAM so an erase cut short by a reset is
// replayed by the next Init.
package flash

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"band/bandos/analytics"
	"band/bandos/kernel"
	"band/hal"
)

// MaxEraseRetries bounds how many times a failed erase is re-issued.
const MaxEraseRetries = 3

// Watchdog is the task-liveness service.
type Watchdog interface {
	Feed(task kernel.TaskID)
}

// StopMode is the low-power inhibitor the driver holds while the chip
// needs its clock.
type StopMode interface {
	Inhibit(id kernel.Inhibitor)
	Allow(id kernel.Inhibitor)
}

// Timing holds the driver's time constants, all in milliseconds.
type Timing struct {
	// ReadResumeMs and WriteResumeMs are the auto-resume windows armed by
	// reads and writes that suspended an erase.
	ReadResumeMs  uint32
	WriteResumeMs uint32
	// MinEraseSliceMs is how long an erase runs before a suspend is issued.
	MinEraseSliceMs uint32
	// WatchdogFeedCutoffMs caps how long a blocking erase keeps feeding the
	// caller's watchdog.
	WatchdogFeedCutoffMs uint32
	RecoveryPollMs       uint32
	// RecoveryTimeoutMs bounds one replayed erase at boot.
	RecoveryTimeoutMs uint32
}

func DefaultTiming() Timing {
	return Timing{
		ReadResumeMs:         5,
		WriteResumeMs:        50,
		MinEraseSliceMs:      1,
		WatchdogFeedCutoffMs: 5000,
		RecoveryPollMs:       10,
		RecoveryTimeoutMs:    10000,
	}
}

type Option func(*Driver)

func WithLogger(l hal.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithWatchdog(w Watchdog) Option {
	return func(d *Driver) {
		if w != nil {
			d.wd = w
		}
	}
}

func WithStopMode(s StopMode) Option {
	return func(d *Driver) {
		if s != nil {
			d.stop = s
		}
	}
}

// WithAnalytics selects the counter set. The default is analytics.Default.
func WithAnalytics(c *analytics.Counters) Option {
	return func(d *Driver) { d.stats = c }
}

// WithTiming overrides the time constants. Zero fields keep their defaults.
func WithTiming(t Timing) Option {
	return func(d *Driver) {
		def := d.timing
		if t.ReadResumeMs == 0 {
			t.ReadResumeMs = def.ReadResumeMs
		}
		if t.WriteResumeMs == 0 {
			t.WriteResumeMs = def.WriteResumeMs
		}
		if t.MinEraseSliceMs == 0 {
			t.MinEraseSliceMs = def.MinEraseSliceMs
		}
		if t.WatchdogFeedCutoffMs == 0 {
			t.WatchdogFeedCutoffMs = def.WatchdogFeedCutoffMs
		}
		if t.RecoveryPollMs == 0 {
			t.RecoveryPollMs = def.RecoveryPollMs
		}
		if t.RecoveryTimeoutMs == 0 {
			t.RecoveryTimeoutMs = def.RecoveryTimeoutMs
		}
		d.timing = t
	}
}

// Driver is the flash storage layer. All methods are safe for concurrent
// use and may block.
type Driver struct {
	hw     hal.NorFlash
	nv     hal.NVRAM
	timers *kernel.TimerService
	geom   hal.Geometry

	logger hal.Logger
	wd     Watchdog
	stop   StopMode
	stats  *analytics.Counters
	timing Timing

	// token is the single-erase permit: held from begin until the logical
	// erase (retries included) has completed.
	token *semaphore.Weighted

	resumeTimer *kernel.Timer
	pollTimer   *kernel.Timer

	mu          sync.Mutex
	erase       eraseContext
	ready       bool
	stopped     bool
	lowPower    bool
	poweredDown bool
	clockRefs   int
	recovery    RecoveryReport
}

// New creates a driver. Init must be called before any other operation.
func New(hw hal.NorFlash, nv hal.NVRAM, timers *kernel.TimerService, opts ...Option) *Driver {
	d := &Driver{
		hw:     hw,
		nv:     nv,
		timers: timers,
		geom:   hw.Geometry(),
		logger: nopLogger{},
		wd:     nopWatchdog{},
		stop:   nopStopMode{},
		stats:  analytics.Default,
		timing: DefaultTiming(),
		token:  semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.resumeTimer = timers.NewTimer()
	d.pollTimer = timers.NewTimer()
	return d
}

func (d *Driver) logf(format string, args ...any) {
	d.logger.WriteLineString("flash: " + fmt.Sprintf(format, args...))
}

// usableLocked rejects operations before Init and after Stop and brings the
// chip out of deep power-down.
func (d *Driver) usableLocked() error {
	if d.stopped {
		return ErrStopped
	}
	if !d.ready {
		return ErrNotReady
	}
	d.wakeLocked()
	return nil
}

func (d *Driver) wakeLocked() {
	if !d.poweredDown {
		return
	}
	if err := d.hw.ExitLowPower(); err != nil {
		d.logf("exit low power: %v", err)
		return
	}
	d.poweredDown = false
}

func (d *Driver) checkRange(op string, addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(d.geom.SizeBytes) {
		return &RangeError{Op: op, Addr: addr, Len: uint32(n), Size: d.geom.SizeBytes}
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) WriteLineString(string) {}
func (nopLogger) WriteLineBytes([]byte)  {}

type nopWatchdog struct{}

func (nopWatchdog) Feed(kernel.TaskID) {}

type nopStopMode struct{}

func (nopStopMode) Inhibit(kernel.Inhibitor) {}
func (nopStopMode) Allow(kernel.Inhibitor)   {}
