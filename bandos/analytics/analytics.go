// Package analytics keeps process-wide counters that are collected and
// reset once per reporting period.
package analytics

import (
	"fmt"
	"sync/atomic"
)

type Metric uint8

const (
	FlashReadBytes Metric = iota
	FlashWriteBytes
	FlashEraseCount
	FlashEraseRetries
	FlashEraseSuspends
	FlashRecoveryReplays

	numMetrics
)

func (m Metric) String() string {
	switch m {
	case FlashReadBytes:
		return "flash_read_bytes"
	case FlashWriteBytes:
		return "flash_write_bytes"
	case FlashEraseCount:
		return "flash_erase_count"
	case FlashEraseRetries:
		return "flash_erase_retries"
	case FlashEraseSuspends:
		return "flash_erase_suspends"
	case FlashRecoveryReplays:
		return "flash_recovery_replays"
	default:
		return fmt.Sprintf("metric%d", uint8(m))
	}
}

// Metrics lists every known metric in declaration order.
func Metrics() []Metric {
	out := make([]Metric, 0, numMetrics)
	for m := Metric(0); m < numMetrics; m++ {
		out = append(out, m)
	}
	return out
}

// Counters is a set of atomic counters. A nil *Counters discards updates.
type Counters struct {
	v [numMetrics]atomic.Uint64
}

// Default is the process-wide counter set.
var Default = &Counters{}

func New() *Counters { return &Counters{} }

func (c *Counters) Add(m Metric, n uint64) {
	if c == nil || m >= numMetrics {
		return
	}
	c.v[m].Add(n)
}

func (c *Counters) Inc(m Metric) { c.Add(m, 1) }

func (c *Counters) Get(m Metric) uint64 {
	if c == nil || m >= numMetrics {
		return 0
	}
	return c.v[m].Load()
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot [numMetrics]uint64

func (s Snapshot) Get(m Metric) uint64 {
	if m >= numMetrics {
		return 0
	}
	return s[m]
}

func (c *Counters) Snapshot() Snapshot {
	var s Snapshot
	if c == nil {
		return s
	}
	for i := range c.v {
		s[i] = c.v[i].Load()
	}
	return s
}

// Collect returns the counters accumulated since the last collection and
// resets them.
func (c *Counters) Collect() Snapshot {
	var s Snapshot
	if c == nil {
		return s
	}
	for i := range c.v {
		s[i] = c.v[i].Swap(0)
	}
	return s
}
