// Package stream assembles a bounded sequence of outbound message operations
// from an incremental completion fragment stream. It owns the platform
// message-length ceiling, the edit throttle, and the rollover of the status
// message when a reply outgrows a single message.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/threadkeeper/internal/engine"
	"github.com/haasonsaas/threadkeeper/internal/observability"
)

// Mode selects how the assembler consumes the fragment stream.
type Mode string

const (
	// ModeStreaming edits the status message as fragments arrive.
	ModeStreaming Mode = "streaming"

	// ModeBuffered waits for the full completion, then emits fixed slices.
	ModeBuffered Mode = "buffered"
)

// Sink is the status-message handle the assembler writes through. A sink is
// bound to one session; all operations against it are strictly ordered.
type Sink interface {
	// Edit replaces the content of the current status message.
	Edit(ctx context.Context, text string) error

	// Roll finalizes the current status message and starts a new one
	// containing text, which becomes the edit target.
	Roll(ctx context.Context, text string) error

	// Notify posts a transient notice that is deleted after ttl. It is not
	// part of the durable transcript.
	Notify(ctx context.Context, text string, ttl time.Duration) error
}

// Config tunes the assembler.
type Config struct {
	Mode Mode

	// MessageLimit is the hard single-message character ceiling.
	// Default: 2000
	MessageLimit int

	// SoftLimit is the accumulator length that triggers a rollover in
	// streaming mode. Default: 1950
	SoftLimit int

	// EditInterval is the minimum spacing between interim edits.
	// Default: 400ms
	EditInterval time.Duration

	// Marker is prefixed to interim edits to show generation in progress.
	Marker string

	// FinishedNotice is the transient completion signal.
	FinishedNotice string

	// EmptyReply replaces the status message when the completion produced
	// no text at all, so the transcript never shows a stale placeholder.
	EmptyReply string

	// NoticeTTL is how long transient notices stay visible. Default: 1.5s
	NoticeTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeStreaming
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = 2000
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = 1950
	}
	if c.EditInterval <= 0 {
		c.EditInterval = 400 * time.Millisecond
	}
	if c.Marker == "" {
		c.Marker = "**```Generating Response...```**\n"
	}
	if c.FinishedNotice == "" {
		c.FinishedNotice = "**```Response Finished```**"
	}
	if c.EmptyReply == "" {
		c.EmptyReply = "*No response.*"
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = 1500 * time.Millisecond
	}
}

// Assembler turns a fragment stream into ordered sink operations.
//
// Invariant, both modes: the concatenation of all finalized message bodies,
// in emission order, equals the full completion text exactly once.
type Assembler struct {
	cfg    Config
	logger *observability.Logger
}

// New creates an assembler.
func New(cfg Config, logger *observability.Logger) *Assembler {
	cfg.applyDefaults()
	return &Assembler{
		cfg:    cfg,
		logger: logger.With("component", "assembler"),
	}
}

// Run consumes fragments until the stream ends and returns the full
// completion text. Engine errors abort the run and are surfaced on the sink
// as a transient user-visible notice before being returned.
func (a *Assembler) Run(ctx context.Context, sink Sink, fragments <-chan engine.Chunk) (string, error) {
	var text string
	var err error

	switch a.cfg.Mode {
	case ModeBuffered:
		text, err = a.runBuffered(ctx, sink, fragments)
	default:
		text, err = a.runStreaming(ctx, sink, fragments)
	}

	if err != nil {
		notice := fmt.Sprintf("The response could not be completed: %v", err)
		if nerr := sink.Notify(ctx, notice, a.cfg.NoticeTTL); nerr != nil {
			a.logger.Warn(ctx, "failed to surface engine error", "error", nerr)
		}
		return text, err
	}

	if nerr := sink.Notify(ctx, a.cfg.FinishedNotice, a.cfg.NoticeTTL); nerr != nil {
		a.logger.Debug(ctx, "finished notice failed", "error", nerr)
	}
	return text, nil
}

// runBuffered collects the whole completion, then emits fixed-size slices:
// the first as an edit of the existing status message, the rest as new
// messages, in order.
func (a *Assembler) runBuffered(ctx context.Context, sink Sink, fragments <-chan engine.Chunk) (string, error) {
	text, err := engine.Collect(fragments)
	if err != nil {
		return text, err
	}

	if text == "" {
		if err := sink.Edit(ctx, a.cfg.EmptyReply); err != nil {
			return text, fmt.Errorf("stream: empty-reply edit: %w", err)
		}
		return text, nil
	}

	for i, slice := range SliceFixed(text, a.cfg.MessageLimit) {
		if i == 0 {
			err = sink.Edit(ctx, slice)
		} else {
			err = sink.Roll(ctx, slice)
		}
		if err != nil {
			return text, fmt.Errorf("stream: emit slice %d: %w", i, err)
		}
	}
	return text, nil
}

// runStreaming appends each fragment to an accumulator and reflects it on
// the status message, throttled to one edit per EditInterval. When the
// accumulator crosses SoftLimit it is finalized as-is and a fresh status
// message takes over the remainder.
func (a *Assembler) runStreaming(ctx context.Context, sink Sink, fragments <-chan engine.Chunk) (string, error) {
	var acc, total string
	var lastEdit time.Time
	pendingRoll := false

	for chunk := range fragments {
		if chunk.Err != nil {
			return total, chunk.Err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}

		acc += chunk.Text
		total += chunk.Text
		if acc == "" {
			continue
		}

		// A rollover is deferred until content for the next message exists.
		// A completion ending exactly at the soft limit must not leave a
		// marker-only message in the transcript.
		if pendingRoll {
			if err := sink.Roll(ctx, a.cfg.Marker); err != nil {
				return total, fmt.Errorf("stream: roll status message: %w", err)
			}
			pendingRoll = false
		}

		if strings.TrimSpace(acc) != "" && time.Since(lastEdit) >= a.cfg.EditInterval {
			if err := sink.Edit(ctx, a.cfg.Marker+acc); err != nil {
				return total, fmt.Errorf("stream: interim edit: %w", err)
			}
			lastEdit = time.Now()
		}

		if len(acc) > a.cfg.SoftLimit {
			// Finalize the overflowing message exactly as accumulated so the
			// concatenation of emitted bodies reproduces the completion.
			if err := sink.Edit(ctx, acc); err != nil {
				return total, fmt.Errorf("stream: flush edit: %w", err)
			}
			pendingRoll = true
			acc = ""
			lastEdit = time.Time{}
		}
	}

	if acc != "" {
		if err := sink.Edit(ctx, acc); err != nil {
			return total, fmt.Errorf("stream: final edit: %w", err)
		}
	} else if total == "" {
		if err := sink.Edit(ctx, a.cfg.EmptyReply); err != nil {
			return total, fmt.Errorf("stream: empty-reply edit: %w", err)
		}
	}
	return total, nil
}

// SliceFixed splits text into rune-aware slices of at most limit characters.
// Unlike boundary-seeking chunkers, slices are exact so the round-trip law
// (concatenation reconstructs the input) holds byte for byte.
func SliceFixed(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	slices := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		slices = append(slices, string(runes[start:end]))
	}
	return slices
}
