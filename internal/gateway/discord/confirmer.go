package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/threadkeeper/internal/gateway"
)

const (
	emojiAccept  = "✅"
	emojiDecline = "❌"
)

// Confirm implements gateway.Confirmer with a reaction prompt: the question
// is posted next to the origin message, seeded with accept and decline
// reactions, and the first reaction from the origin author resolves it. The
// prompt is removed afterward regardless of outcome.
func (a *Adapter) Confirm(ctx context.Context, origin gateway.MessageRef, question string) (bool, error) {
	askUserID := a.originAuthor(ctx, origin)

	prompt, err := a.Send(ctx, origin.ChannelID, question)
	if err != nil {
		return false, err
	}
	defer func() {
		// Cleanup runs even when ctx expired.
		if derr := a.Delete(context.WithoutCancel(ctx), prompt); derr != nil {
			a.logger.Debug(ctx, "confirm prompt delete failed", "error", derr)
		}
	}()

	answers := make(chan bool, 1)
	remove := a.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r.MessageID != prompt.MessageID {
			return
		}
		a.mu.RLock()
		botID := a.botID
		a.mu.RUnlock()
		if r.UserID == botID {
			return
		}
		if askUserID != "" && r.UserID != askUserID {
			return
		}
		switch r.Emoji.Name {
		case emojiAccept:
			select {
			case answers <- true:
			default:
			}
		case emojiDecline:
			select {
			case answers <- false:
			default:
			}
		}
	})
	defer remove()

	for _, emoji := range []string{emojiAccept, emojiDecline} {
		if err := a.session.MessageReactionAdd(prompt.ChannelID, prompt.MessageID, emoji); err != nil {
			a.logger.Debug(ctx, "seed reaction failed", "emoji", emoji, "error", err)
		}
	}

	select {
	case accepted := <-answers:
		return accepted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// originAuthor resolves whose reaction counts. An empty result opens the
// prompt to anyone, which only happens when the origin lookup fails.
func (a *Adapter) originAuthor(ctx context.Context, origin gateway.MessageRef) string {
	msg, err := a.session.ChannelMessage(origin.ChannelID, origin.MessageID)
	if err != nil || msg == nil || msg.Author == nil {
		a.logger.Debug(ctx, "origin author lookup failed", "error", err)
		return ""
	}
	return msg.Author.ID
}
