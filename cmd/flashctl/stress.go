//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"band/bandos/analytics"
	"band/bandos/kernel"
)

type stressResult struct {
	reads, writes, erases uint64
	overlaps              int
}

// stress runs readers over the low half of the chip while one task keeps
// erasing subsectors in its first quarter and writers program the second
// quarter, then reports what the chip saw.
func stress(ctx context.Context, s *session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	fs.SetOutput(out)
	duration := fs.Duration("duration", 2*time.Second, "How long to run.")
	readers := fs.Int("readers", 4, "Concurrent readers.")
	writers := fs.Int("writers", 2, "Concurrent writers.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *readers < 0 || *writers < 0 {
		return errors.New("stress: negative task count")
	}

	res, err := runStress(ctx, s, *duration, *readers, *writers)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "reads    %d\n", res.reads)
	fmt.Fprintf(out, "writes   %d\n", res.writes)
	fmt.Fprintf(out, "erases   %d\n", res.erases)
	fmt.Fprintf(out, "overlaps %d\n", res.overlaps)
	snap := s.sys.Flash.Stats()
	for _, m := range analytics.Metrics() {
		fmt.Fprintf(out, "%-24s %d\n", m, snap.Get(m))
	}
	if res.overlaps != 0 {
		return fmt.Errorf("stress: %d overlapping chip accesses", res.overlaps)
	}
	return nil
}

func runStress(ctx context.Context, s *session, d time.Duration, readers, writers int) (stressResult, error) {
	drv := s.sys.Flash
	geom := drv.Geometry()
	span := geom.SizeBytes / 2
	eraseSpan := span / 2
	subs := eraseSpan / geom.SubsectorBytes

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var reads, writes, erases atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ectx := kernel.WithTask(gctx, kernel.TaskApp)
		for i := uint32(0); gctx.Err() == nil; i++ {
			addr := (i % subs) * geom.SubsectorBytes
			if err := drv.EraseSubsectorBlocking(ectx, addr); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("erase %#x: %w", addr, err)
			}
			erases.Add(1)
		}
		return nil
	})
	for r := 0; r < readers; r++ {
		r := uint32(r)
		g.Go(func() error {
			buf := make([]byte, 64)
			for i := uint32(0); gctx.Err() == nil; i++ {
				addr := ((i*7 + r*131) * 64) % span
				if err := drv.Read(buf, addr); err != nil {
					return fmt.Errorf("read %#x: %w", addr, err)
				}
				reads.Add(1)
			}
			return nil
		})
	}
	for w := 0; w < writers; w++ {
		w := uint32(w)
		g.Go(func() error {
			buf := []byte{0xA5, 0x5A, 0x00, 0x0F}
			for i := uint32(0); gctx.Err() == nil; i++ {
				addr := eraseSpan + ((i*13+w*977)*16)%(span-eraseSpan)
				if err := drv.Write(buf, addr); err != nil {
					return fmt.Errorf("write %#x: %w", addr, err)
				}
				writes.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	return stressResult{
		reads:    reads.Load(),
		writes:   writes.Load(),
		erases:   erases.Load(),
		overlaps: s.host.SimFlash().Stats().Overlaps,
	}, err
}
