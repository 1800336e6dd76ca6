package console

import (
	"context"
	"errors"
	"strings"

	"band/internal/buildinfo"
)

func (s *Service) registerCoreCommands() error {
	return s.reg.registerAll([]command{
		{Name: "help", Aliases: []string{"?"}, Usage: "help [command]", Desc: "Show available commands.", Run: cmdHelp},
		{Name: "echo", Usage: "echo [args...]", Desc: "Print arguments.", Run: cmdEcho},
		{Name: "version", Usage: "version", Desc: "Show build information.", Run: cmdVersion},
		{Name: "exit", Aliases: []string{"quit"}, Usage: "exit", Desc: "Leave the console.", Run: cmdExit},
	})
}

func cmdHelp(_ context.Context, s *Service, args []string) error {
	if len(args) == 0 {
		s.listCommands(s.reg)
		return nil
	}
	if len(args) != 1 {
		return errors.New("usage: help [command]")
	}

	cmd, ok := s.reg.resolve(args[0])
	if !ok {
		return s.reg.unknown(args[0])
	}
	s.describe(cmd)
	if cmd.Name == "flash" {
		s.listCommands(s.flashReg)
	}
	return nil
}

func (s *Service) listCommands(r *registry) {
	for _, name := range r.names() {
		cmd, ok := r.resolve(name)
		if !ok {
			continue
		}
		s.printf("%-12s %s\n", cmd.Name, cmd.Desc)
	}
}

func (s *Service) describe(cmd command) {
	if cmd.Usage != "" {
		s.printf("usage: %s\n", cmd.Usage)
	}
	if cmd.Desc != "" {
		s.printf("%s\n", cmd.Desc)
	}
	if len(cmd.Aliases) > 0 {
		s.printf("aliases: %s\n", strings.Join(cmd.Aliases, ", "))
	}
}

func cmdEcho(_ context.Context, s *Service, args []string) error {
	s.printf("%s\n", strings.Join(args, " "))
	return nil
}

func cmdVersion(_ context.Context, s *Service, _ []string) error {
	s.printf("%s %s %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	return nil
}

func cmdExit(context.Context, *Service, []string) error { return errExit }
