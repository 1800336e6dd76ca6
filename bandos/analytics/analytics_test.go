package analytics

import (
	"sync"
	"testing"
)

func TestCountersAddAndCollect(t *testing.T) {
	c := New()
	c.Add(FlashReadBytes, 100)
	c.Inc(FlashEraseCount)
	c.Inc(FlashEraseCount)

	if got := c.Get(FlashReadBytes); got != 100 {
		t.Fatalf("read bytes=%d want 100", got)
	}
	s := c.Collect()
	if s.Get(FlashEraseCount) != 2 || s.Get(FlashReadBytes) != 100 {
		t.Fatalf("collect=%v", s)
	}
	if got := c.Snapshot().Get(FlashEraseCount); got != 0 {
		t.Fatalf("after collect=%d want 0", got)
	}
}

func TestNilCountersDiscard(t *testing.T) {
	var c *Counters
	c.Inc(FlashWriteBytes)
	if c.Get(FlashWriteBytes) != 0 || c.Snapshot() != (Snapshot{}) {
		t.Fatal("nil counters should read as zero")
	}
}

func TestCountersConcurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc(FlashEraseSuspends)
			}
		}()
	}
	wg.Wait()
	if got := c.Get(FlashEraseSuspends); got != 8000 {
		t.Fatalf("suspends=%d want 8000", got)
	}
}

func TestMetricNames(t *testing.T) {
	seen := map[string]bool{}
	for _, m := range Metrics() {
		name := m.String()
		if seen[name] {
			t.Fatalf("duplicate metric name %q", name)
		}
		seen[name] = true
	}
	if len(seen) != int(numMetrics) {
		t.Fatalf("got %d names want %d", len(seen), numMetrics)
	}
}
