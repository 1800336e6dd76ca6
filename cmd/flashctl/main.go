//go:build !tinygo

// flashctl drives the flash stack against a simulated chip image on the host.
//
//	flashctl -config band.yaml flash info
//	flashctl -config band.yaml -crash-after-begin 0x1000
//	flashctl -config band.yaml stress -duration 2s
//	flashctl -console < script.txt
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"band/app"
	"band/bandos/drivers/flash"
	"band/bandos/kernel"
	"band/hal"
	"band/internal/buildinfo"
	"band/internal/config"
)

type options struct {
	configPath  string
	console     bool
	crashAt     string
	showVersion bool
	args        []string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML config file (empty = defaults).")
	flag.BoolVar(&opts.console, "console", false, "Read console commands from stdin.")
	flag.StringVar(&opts.crashAt, "crash-after-begin", "", "Start a subsector erase at ADDR and exit without finishing it.")
	flag.BoolVar(&opts.showVersion, "version", false, "Print build information and exit.")
	flag.Parse()
	opts.args = flag.Args()

	if opts.showVersion {
		fmt.Printf("flashctl %s (%s, %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return
	}
	if !opts.console && opts.crashAt == "" && len(opts.args) == 0 {
		fmt.Fprintln(os.Stderr, "error: a command, -console or -crash-after-begin is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// session is one booted stack over the configured image.
type session struct {
	host *hal.Host
	sys  *app.System
}

func boot(ctx context.Context, cfg *config.Config, out, logw io.Writer) (*session, error) {
	h, err := hal.NewHost(hal.HostConfig{
		Flash:     cfg.Chip.SimFlash(),
		NVRAMPath: cfg.Chip.NVRAMPath,
		Log:       logw,
		QuietLED:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("open chip: %w", err)
	}
	sys, err := app.Boot(ctx, h, app.Config{
		Timing:            cfg.Driver.Timing(),
		LowPower:          cfg.Driver.LowPower,
		WatchdogTimeoutMs: cfg.Watchdog.TimeoutMs,
		ConsoleOut:        out,
	})
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("boot: %w", err)
	}
	return &session{host: h, sys: sys}, nil
}

func (s *session) close() error {
	err := s.sys.Close()
	if cerr := s.host.Close(); err == nil {
		err = cerr
	}
	return err
}

// abandon leaves the chip and the retained record as a power cut would.
func (s *session) abandon() error {
	s.sys.Halt()
	return s.host.Close()
}

func run(ctx context.Context, opts options, in io.Reader, out, logw io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	s, err := boot(ctx, cfg, out, logw)
	if err != nil {
		return err
	}

	switch {
	case opts.crashAt != "":
		addr, err := parseAddr(opts.crashAt)
		if err != nil {
			_ = s.close()
			return err
		}
		return crashAfterBegin(ctx, s, addr, out)
	case opts.console:
		err = s.sys.Console.Serve(ctx, in, false)
	case opts.args[0] == "stress":
		err = stress(ctx, s, opts.args[1:], out)
	default:
		err = s.sys.Console.Exec(ctx, quoteArgs(opts.args))
	}
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}

// crashAfterBegin dirties the subsector at addr, starts erasing it and
// returns once the erase is on the chip, without letting it finish.
func crashAfterBegin(ctx context.Context, s *session, addr uint32, out io.Writer) error {
	d := s.sys.Flash
	base := d.SubsectorBase(addr)
	if err := d.Write([]byte{0x00}, base); err != nil {
		_ = s.close()
		return fmt.Errorf("dirty %#x: %w", base, err)
	}
	if err := d.EraseSubsector(kernel.WithTask(ctx, kernel.TaskApp), base, nil); err != nil {
		_ = s.close()
		return fmt.Errorf("erase %#x: %w", base, err)
	}

	deadline := time.Now().Add(time.Second)
	for st := d.EraseState(); st.State == flash.EraseIdle || st.Addr != base; st = d.EraseState() {
		if time.Now().After(deadline) {
			_ = s.close()
			return errors.New("erase did not start")
		}
		time.Sleep(time.Millisecond)
	}
	fmt.Fprintf(out, "erase of %#x in flight, record %#08x\n", base, s.host.NVRAM().LoadWord())
	return s.abandon()
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return uint32(v), nil
}

// quoteArgs rejoins argv into one console line, keeping each argument whole.
func quoteArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t'\"\\#") {
			a = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
