// Package presence reflects orchestrator-wide activity to the platform.
// Sessions acquire the broadcaster while generating; the externally visible
// state only changes when the active count crosses zero, so concurrent
// sessions can come and go without flickering the presence.
package presence

import (
	"context"

	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/observability"
)

// DefaultLabel is the activity label shown while any session is generating.
const DefaultLabel = "a reply being written"

// Broadcaster is a reference-counted presence switch. Updates are
// best-effort: gateway failures are logged and the count still advances so
// bookkeeping never wedges on a flaky presence endpoint.
type Broadcaster struct {
	gw     gateway.PresenceGateway
	kind   gateway.ActivityKind
	label  string
	logger *observability.Logger

	// The Run goroutine owns the count, so set/clear calls reach the
	// gateway in count order without extra locking.
	acquire chan struct{}
	release chan struct{}
	done    chan struct{}
}

// New creates a broadcaster publishing kind/label while active. Run must be
// started for transitions to take effect.
func New(gw gateway.PresenceGateway, kind gateway.ActivityKind, label string, logger *observability.Logger) *Broadcaster {
	if label == "" {
		label = DefaultLabel
	}
	if kind == "" {
		kind = gateway.ActivityWatching
	}
	return &Broadcaster{
		gw:      gw,
		kind:    kind,
		label:   label,
		logger:  logger.With("component", "presence"),
		acquire: make(chan struct{}),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run processes acquire/release events until ctx is cancelled, coalescing
// transitions so the external state changes at most once per zero-crossing.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)

	count := 0
	for {
		select {
		case <-ctx.Done():
			if count > 0 {
				b.clear(context.Background())
			}
			return
		case <-b.acquire:
			count++
			if count == 1 {
				b.set(ctx)
			}
		case <-b.release:
			if count == 0 {
				b.logger.Warn(ctx, "release without matching acquire")
				continue
			}
			count--
			if count == 0 {
				b.clear(ctx)
			}
		}
	}
}

// Acquire marks one session as actively generating.
func (b *Broadcaster) Acquire() {
	select {
	case b.acquire <- struct{}{}:
	case <-b.done:
	}
}

// Release marks one session as finished. Safe to call from a deferred path
// after the broadcaster has shut down.
func (b *Broadcaster) Release() {
	select {
	case b.release <- struct{}{}:
	case <-b.done:
	}
}

func (b *Broadcaster) set(ctx context.Context) {
	if err := b.gw.SetActivity(ctx, b.kind, b.label); err != nil {
		b.logger.Warn(ctx, "presence update failed", "error", err)
	}
}

func (b *Broadcaster) clear(ctx context.Context) {
	if err := b.gw.ClearActivity(ctx); err != nil {
		b.logger.Warn(ctx, "presence clear failed", "error", err)
	}
}
