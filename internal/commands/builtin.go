package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/store"
)

// Deps are the collaborators the builtin commands need.
type Deps struct {
	Store   *store.Store
	Convo   gateway.Conversation
	History gateway.History

	// BotID returns the bot's own user ID once the gateway is ready.
	BotID func() string

	// Latency returns the gateway heartbeat round-trip time.
	Latency func() time.Duration

	// Shutdown requests an orderly process stop.
	Shutdown func()

	StartedAt time.Time
}

// RegisterBuiltins installs the operator command set.
func RegisterBuiltins(r *Registry, deps Deps) error {
	builtins := []*Command{
		{
			Name:        "ping",
			Description: "Report gateway latency and uptime.",
			Handler:     deps.ping,
		},
		{
			Name:        "help",
			Description: "List available commands.",
			Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
				return helpResult(r, inv), nil
			},
		},
		{
			Name:        "purge",
			Description: "Delete the bot's recent messages in this channel.",
			AdminOnly:   true,
			Handler:     deps.purge,
		},
		{
			Name:        "shutdown",
			Description: "Flush state and stop the bot.",
			AdminOnly:   true,
			Handler:     deps.shutdown,
		},
	}
	for _, cmd := range builtins {
		if err := r.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (d Deps) ping(ctx context.Context, inv *Invocation) (*Result, error) {
	uptime := time.Since(d.StartedAt).Round(time.Second)
	if d.Latency == nil {
		return &Result{Text: fmt.Sprintf("Pong! Up for %s.", uptime)}, nil
	}
	latency := d.Latency().Round(time.Millisecond)
	return &Result{Text: fmt.Sprintf("Pong! Heartbeat %s, up for %s.", latency, uptime)}, nil
}

func helpResult(r *Registry, inv *Invocation) *Result {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, cmd := range r.List() {
		if cmd.AdminOnly && !inv.IsAdmin {
			continue
		}
		fmt.Fprintf(&b, "  %s - %s\n", cmd.Name, cmd.Description)
	}
	return &Result{Text: b.String()}
}

// purge removes the bot's own messages from the invoking channel's recent
// history. Failed deletes are skipped, not retried.
func (d Deps) purge(ctx context.Context, inv *Invocation) (*Result, error) {
	recent, err := d.History.RecentMessages(ctx, inv.ChannelID, 50)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	botID := d.BotID()
	deleted := 0
	for _, m := range recent {
		if m.UserID != botID {
			continue
		}
		ref := gateway.MessageRef{ChannelID: inv.ChannelID, MessageID: m.ID}
		if err := d.Convo.Delete(ctx, ref); err != nil {
			continue
		}
		deleted++
	}
	return &Result{Text: fmt.Sprintf("Deleted %d messages.", deleted)}, nil
}

func (d Deps) shutdown(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := d.Store.Flush(); err != nil {
		return nil, fmt.Errorf("flush state: %w", err)
	}
	// The reply must go out before the gateway drops, so the stop is
	// deferred to a goroutine.
	go d.Shutdown()
	return &Result{Text: "Shutting down."}, nil
}
