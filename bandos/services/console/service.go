// Package console is the line-oriented command layer over the flash driver.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"

	"band/bandos/analytics"
	"band/bandos/drivers/flash"
	"band/bandos/kernel"
	"band/hal"
)

const prompt = "band> "

// errExit ends Serve.
var errExit = errors.New("exit")

type Service struct {
	flash  *flash.Driver
	out    io.Writer
	logger hal.Logger
	stats  *analytics.Counters

	reg      *registry
	flashReg *registry
}

type Option func(*Service)

func WithLogger(l hal.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAnalytics selects the counter set printed by `flash stats`.
func WithAnalytics(c *analytics.Counters) Option {
	return func(s *Service) { s.stats = c }
}

func New(d *flash.Driver, out io.Writer, opts ...Option) (*Service, error) {
	s := &Service{flash: d, out: out, stats: analytics.Default}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initRegistry(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initRegistry() error {
	s.reg = newRegistry("command")
	s.flashReg = newRegistry("flash command")

	for _, register := range []func() error{
		s.registerCoreCommands,
		s.registerFlashCommands,
	} {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs one command line. Blank lines and lines starting with '#' do nothing.
func (s *Service) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := s.reg.resolve(args[0])
	if !ok {
		return s.reg.unknown(args[0])
	}
	return cmd.Run(ctx, s, args[1:])
}

// Serve reads commands from r until EOF, `exit` or ctx ends. Command errors
// are printed and do not stop the loop.
func (s *Service) Serve(ctx context.Context, r io.Reader, interactive bool) error {
	defer kernel.Guard(kernel.TaskConsole)
	ctx = kernel.WithTask(ctx, kernel.TaskConsole)

	sc := bufio.NewScanner(r)
	for {
		if interactive {
			s.printf("%s", prompt)
		}
		if !sc.Scan() {
			return sc.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.Exec(ctx, sc.Text())
		if errors.Is(err, errExit) {
			return nil
		}
		if err != nil {
			s.printf("error: %v\n", err)
			s.logf("%q: %v", sc.Text(), err)
		}
	}
}

func (s *Service) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func (s *Service) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.WriteLineString("console: " + fmt.Sprintf(format, args...))
}
