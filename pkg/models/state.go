// Package models defines the shared data types for threadkeeper: the
// per-guild durable state, the per-message session object, and the unified
// inbound message format produced by gateway adapters.
package models

import "time"

// MaxThreads is the fixed quota of simultaneously open conversation
// threads per user per guild.
const MaxThreads = 3

// ThreadRecord tracks one open conversation thread for a user.
// Records are created when a thread is opened and removed when the thread
// is archived or found missing on the gateway.
type ThreadRecord struct {
	ThreadID        string `json:"threadId"`
	OriginMessageID string `json:"originMessageId"`
}

// ImageRecord holds metadata for a generated image keyed by the message
// that delivered it. Retained for schema compatibility with older state
// files; the orchestrator itself does not generate images.
type ImageRecord struct {
	Prompt         string `json:"prompt"`
	FilteredPrompt string `json:"filteredPrompt,omitempty"`
	URL            string `json:"image"`
}

// GuildState is the durable per-guild record. UserThreads is ordered
// oldest-first so quota overflow can archive FIFO. The invariant
// len(UserThreads[u]) <= MaxThreads holds at rest between message-handling
// transactions.
type GuildState struct {
	UserThreads    map[string][]ThreadRecord `json:"userThreads"`
	OverflowCounts map[string]int            `json:"overflowCounts"`
	Images         map[string]ImageRecord    `json:"images"`
}

// NewGuildState returns an empty, schema-valid guild state.
func NewGuildState() *GuildState {
	return &GuildState{
		UserThreads:    make(map[string][]ThreadRecord),
		OverflowCounts: make(map[string]int),
		Images:         make(map[string]ImageRecord),
	}
}

// InboundMessage is the unified inbound message format across gateway
// surfaces, analogous to a raw gateway event but stripped to what the
// orchestrator needs.
type InboundMessage struct {
	ID          string
	GuildID     string // empty for direct messages
	ChannelID   string
	UserID      string
	DisplayName string
	Content     string

	// Author classification used by the message filters.
	FromBot    bool
	FromSystem bool

	// Surface describes the kind of channel the message arrived on.
	Surface Surface

	// ParentChannelName is set when Surface is SurfaceThread and names the
	// channel the thread hangs off.
	ParentChannelName string

	// ChannelName is the name of the originating channel, when known.
	ChannelName string

	ReceivedAt time.Time
}

// Surface identifies the kind of conversation surface a message arrived on.
// Dispatch happens on this variant rather than ad-hoc field probing.
type Surface string

const (
	SurfaceText   Surface = "text"
	SurfaceThread Surface = "thread"
	SurfaceDM     Surface = "dm"
)

// Session is the ephemeral state for answering one inbound message.
// It is owned exclusively by the handling task and never shared across
// concurrently running sessions.
type Session struct {
	ID     string
	Origin InboundMessage

	// TargetChannelID is where the reply is delivered: the created thread
	// for admitted guild sessions, otherwise the origin channel.
	TargetChannelID string

	// StatusMessageID is the message being repeatedly edited to show
	// progress and, eventually, the final reply.
	StatusMessageID string

	// AccumulatedText and ChunkIndex track streaming progress.
	AccumulatedText string
	ChunkIndex      int

	// VoiceChannelID is set when the requesting user occupied a voice
	// channel at session start; empty otherwise.
	VoiceChannelID string

	StartedAt time.Time
}
