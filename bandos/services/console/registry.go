package console

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type cmdFunc func(ctx context.Context, s *Service, args []string) error

type command struct {
	Name    string
	Aliases []string
	Usage   string
	Desc    string
	Run     cmdFunc
}

type registry struct {
	scope   string
	primary map[string]command
	lookup  map[string]string
}

func newRegistry(scope string) *registry {
	return &registry{
		scope:   scope,
		primary: make(map[string]command),
		lookup:  make(map[string]string),
	}
}

func (r *registry) register(cmd command) error {
	cmd.Name = strings.TrimSpace(cmd.Name)
	if cmd.Name == "" {
		return fmt.Errorf("%s registry: empty command name", r.scope)
	}
	if cmd.Run == nil {
		return fmt.Errorf("%s registry: %q has no handler", r.scope, cmd.Name)
	}
	if _, ok := r.lookup[cmd.Name]; ok {
		return fmt.Errorf("%s registry: duplicate command %q", r.scope, cmd.Name)
	}

	r.primary[cmd.Name] = cmd
	r.lookup[cmd.Name] = cmd.Name

	for _, alias := range cmd.Aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		if _, ok := r.lookup[alias]; ok {
			return fmt.Errorf("%s registry: duplicate alias %q", r.scope, alias)
		}
		r.lookup[alias] = cmd.Name
	}
	return nil
}

func (r *registry) registerAll(cmds []command) error {
	for _, cmd := range cmds {
		if err := r.register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (r *registry) resolve(name string) (command, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return command{}, false
	}
	if primary, ok := r.lookup[name]; ok {
		cmd, ok := r.primary[primary]
		return cmd, ok
	}
	return command{}, false
}

func (r *registry) names() []string {
	out := make([]string, 0, len(r.primary))
	for name := range r.primary {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *registry) matches(prefix string) []string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil
	}

	var out []string
	for _, name := range r.names() {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// unknown builds the error for a name that did not resolve, suggesting
// commands that share its prefix.
func (r *registry) unknown(name string) error {
	if m := r.matches(name); len(m) > 0 {
		return fmt.Errorf("unknown %s: %s (did you mean %s?)", r.scope, name, strings.Join(m, ", "))
	}
	return fmt.Errorf("unknown %s: %s", r.scope, name)
}
