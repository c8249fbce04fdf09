// Package commands provides prefix command detection and routing for the
// small operator surface: health checks, state purging, and shutdown.
// Command messages never open conversation sessions; the dispatcher routes
// them before the orchestrator sees anything.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/threadkeeper/internal/observability"
)

// Handler executes one command invocation.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Command is a registered prefix command.
type Command struct {
	// Name is the command name without the prefix.
	Name string

	// Description is shown in help output.
	Description string

	// AdminOnly restricts the command to the configured owner.
	AdminOnly bool

	Handler Handler
}

// Invocation is a parsed command call.
type Invocation struct {
	Name      string
	Args      string
	GuildID   string
	ChannelID string
	UserID    string
	IsAdmin   bool
}

// Result is what the dispatcher sends back to the channel.
type Result struct {
	Text string

	// Suppress skips the reply entirely.
	Suppress bool
}

// Registry holds the command table.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	logger   *observability.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		logger:   logger.With("component", "commands"),
	}
}

// Register adds a command, replacing any previous one with the same name.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" {
		return fmt.Errorf("commands: command name is required")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("commands: %s has no handler", cmd.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(cmd.Name)] = cmd
	return nil
}

// Get looks up a command by name.
func (r *Registry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// List returns all commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Parse splits prefixed text into a command name and argument string.
// Returns ok=false when the text is not a command at all.
func Parse(prefix, text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	rest := strings.TrimSpace(text[len(prefix):])
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, " ", 2)
	name = strings.ToLower(parts[0])
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args, true
}

// Execute runs the named command, enforcing the admin restriction.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	cmd, ok := r.Get(inv.Name)
	if !ok {
		return &Result{Suppress: true}, nil
	}
	if cmd.AdminOnly && !inv.IsAdmin {
		r.logger.Warn(ctx, "admin command denied",
			"command", cmd.Name, "user_id", inv.UserID)
		return &Result{Text: "You are not allowed to run that command."}, nil
	}

	res, err := cmd.Handler(ctx, inv)
	if err != nil {
		r.logger.Error(ctx, "command failed", "command", cmd.Name, "error", err)
		return &Result{Text: fmt.Sprintf("Command failed: %v", err)}, nil
	}
	if res == nil {
		res = &Result{Suppress: true}
	}
	return res, nil
}
