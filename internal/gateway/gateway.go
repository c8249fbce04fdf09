// Package gateway defines the capability interfaces the orchestrator uses to
// talk to a chat platform. Adapters (see the discord subpackage) implement
// these against a concrete API; the core only ever sees the interfaces, which
// keeps every platform call mockable in tests.
package gateway

import (
	"context"

	"github.com/haasonsaas/threadkeeper/pkg/models"
)

// MessageRef addresses a single message on the platform.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Conversation is the minimal surface every conversation variant
// (text channel, thread, direct message) exposes.
type Conversation interface {
	// Send posts a new message and returns a handle to it.
	Send(ctx context.Context, channelID, content string) (MessageRef, error)

	// Edit replaces the content of an existing message.
	Edit(ctx context.Context, ref MessageRef, content string) error

	// Delete removes a message.
	Delete(ctx context.Context, ref MessageRef) error
}

// ThreadManager creates and retires the sub-conversations that isolate one
// user's exchange.
type ThreadManager interface {
	// CreateThread opens a thread scoped to the origin message and returns
	// its channel ID.
	CreateThread(ctx context.Context, origin MessageRef, name string) (string, error)

	// ArchiveThread archives or deletes a thread.
	ArchiveThread(ctx context.Context, threadID string) error

	// ChannelExists probes whether a channel (or thread) is still present.
	// A NOT_FOUND condition is reported as (false, nil), not an error.
	ChannelExists(ctx context.Context, channelID string) (bool, error)
}

// History fetches the recent messages of a channel, newest first, for
// prompt assembly.
type History interface {
	RecentMessages(ctx context.Context, channelID string, limit int) ([]models.InboundMessage, error)
}

// VoiceConn is a live voice-channel connection.
type VoiceConn interface {
	// Play streams the audio file at path to completion or until ctx is done.
	Play(ctx context.Context, path string) error

	// Close disconnects from the voice channel.
	Close() error
}

// VoiceGateway resolves and joins voice channels.
type VoiceGateway interface {
	// ResolveVoiceChannel returns the ID of the voice channel the user
	// currently occupies in the guild, or ok=false if they are not in one.
	ResolveVoiceChannel(ctx context.Context, guildID, userID string) (channelID string, ok bool, err error)

	// JoinVoice connects to a voice channel.
	JoinVoice(ctx context.Context, guildID, channelID string) (VoiceConn, error)
}

// ActivityKind is the coarse presence activity category.
type ActivityKind string

const (
	ActivityPlaying   ActivityKind = "playing"
	ActivityListening ActivityKind = "listening"
	ActivityWatching  ActivityKind = "watching"
)

// PresenceGateway reflects orchestrator-wide activity to the outside world.
type PresenceGateway interface {
	// SetActivity publishes an activity state.
	SetActivity(ctx context.Context, kind ActivityKind, label string) error

	// ClearActivity returns presence to the idle default.
	ClearActivity(ctx context.Context) error
}

// Confirmer asks a user a binary accept/decline question scoped to a single
// message. Implementations must honor ctx cancellation and return ctx.Err()
// when the wait expires; callers decide how to classify that.
type Confirmer interface {
	Confirm(ctx context.Context, origin MessageRef, question string) (bool, error)
}
