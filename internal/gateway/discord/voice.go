package discord

import (
	"context"
	"fmt"
	"os"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/threadkeeper/internal/gateway"
)

// voiceConn adapts a discordgo voice connection to gateway.VoiceConn. The
// opus sender inside discordgo paces frames at the packet rate, so Play
// just feeds packets as fast as the channel accepts them.
type voiceConn struct {
	vc *discordgo.VoiceConnection
}

// Play implements gateway.VoiceConn for an Ogg Opus file.
func (c *voiceConn) Play(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return gateway.ErrInvalidInput("open audio file", err)
	}
	defer f.Close()

	if err := c.vc.Speaking(true); err != nil {
		return gateway.ErrConnection("set speaking state", err)
	}
	defer func() {
		_ = c.vc.Speaking(false)
	}()

	packets := newOggOpusReader(f)
	for {
		pkt, err := packets.Next()
		if err != nil {
			if err == errOggDone {
				return nil
			}
			return gateway.ErrInvalidInput(fmt.Sprintf("decode %s", path), err)
		}

		select {
		case c.vc.OpusSend <- pkt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close implements gateway.VoiceConn.
func (c *voiceConn) Close() error {
	if err := c.vc.Disconnect(); err != nil {
		return gateway.ErrConnection("voice disconnect", err)
	}
	return nil
}
