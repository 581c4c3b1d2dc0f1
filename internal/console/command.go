package console

import (
	"context"
	"slices"
	"strings"
)

// Command is a parsed console line.
type Command struct {
	Name string
	Args string
}

// ParseCommand splits "/name args" into its parts. A line without a leading
// slash is the "say" command with the whole line as its argument.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	rest, ok := strings.CutPrefix(input, "/")
	if !ok {
		return Command{Name: "say", Args: input}
	}
	name, args, _ := strings.Cut(rest, " ")
	return Command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}
}

// Action is a registered console command.
type Action struct {
	Usage       string
	Description string
	Handler     func(ctx context.Context, args string) error
	// Hidden actions are left out of /help.
	Hidden bool
}

// Registry maps command names to actions.
type Registry struct {
	actions map[string]*Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Action)}
}

// Add registers action under name, replacing any previous one.
func (r *Registry) Add(name string, action *Action) {
	r.actions[name] = action
}

// Lookup returns the action for name.
func (r *Registry) Lookup(name string) (*Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Hints returns "usage  description" lines for visible actions, sorted by name.
func (r *Registry) Hints() []string {
	names := make([]string, 0, len(r.actions))
	for name, a := range r.actions {
		if !a.Hidden {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	hints := make([]string, 0, len(names))
	for _, name := range names {
		a := r.actions[name]
		hints = append(hints, a.Usage+"\t"+a.Description)
	}
	return hints
}
