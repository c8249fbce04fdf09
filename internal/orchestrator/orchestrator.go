// Package orchestrator ties the session components together: it filters
// inbound messages, runs admission, drives the completion stream into the
// status message, and hands the finished reply to the voice pipeline.
//
// One handler task runs per inbound message. Tasks are independent except
// for the guild state they share through the registry and store.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/threadkeeper/internal/engine"
	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/memory"
	"github.com/haasonsaas/threadkeeper/internal/observability"
	"github.com/haasonsaas/threadkeeper/internal/presence"
	"github.com/haasonsaas/threadkeeper/internal/prompt"
	"github.com/haasonsaas/threadkeeper/internal/registry"
	"github.com/haasonsaas/threadkeeper/internal/stream"
	"github.com/haasonsaas/threadkeeper/internal/voice"
	"github.com/haasonsaas/threadkeeper/pkg/models"
)

const processingNotice = "**```Processing Message...```**"
const recallNotice = "**```Loading Memories...```**"

// Gateway is the platform surface the orchestrator itself needs. Thread
// lifecycle is owned by the registry, voice by the pipeline.
type Gateway interface {
	gateway.Conversation
	gateway.History
}

// Config tunes the orchestrator.
type Config struct {
	// BotName is the persona name used in prompts and history lines.
	BotName string

	// Instructions is the persona system instruction.
	Instructions string

	// WatchChannel is the text channel whose messages open sessions.
	WatchChannel string

	// CommandPrefix marks messages that are ignored entirely.
	CommandPrefix string

	// HistoryLimit is the conversation window folded into the prompt.
	HistoryLimit int

	// FetchCount is how many recalled memories feed the summary.
	FetchCount int

	// Streaming selects incremental delivery from the engine.
	Streaming bool

	// CompletionTimeout bounds one completion exchange.
	CompletionTimeout time.Duration

	// NoticeTTL is how long the start-failure notice stays visible.
	NoticeTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.BotName == "" {
		c.BotName = "threadkeeper"
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "?"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.FetchCount <= 0 {
		c.FetchCount = 5
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 5 * time.Minute
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = 10 * time.Second
	}
}

// Orchestrator is the per-process session coordinator.
type Orchestrator struct {
	cfg       Config
	gw        Gateway
	registry  *registry.Registry
	assembler *stream.Assembler
	engine    engine.ChatGenerator
	recall    memory.Recall
	memlog    *memory.Log
	notes     *memory.NotesHistory
	prompts   *prompt.Builder
	presence  *presence.Broadcaster
	voice     *voice.Pipeline
	logger    *observability.Logger
	metrics   *observability.Metrics

	wg sync.WaitGroup
}

// New wires an orchestrator. voicePipeline and metrics may be nil; recall
// and memlog may be nil to run without the memory subsystem.
func New(cfg Config, gw Gateway, reg *registry.Registry, asm *stream.Assembler, eng engine.ChatGenerator, recall memory.Recall, memlog *memory.Log, pres *presence.Broadcaster, voicePipeline *voice.Pipeline, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:       cfg,
		gw:        gw,
		registry:  reg,
		assembler: asm,
		engine:    eng,
		recall:    recall,
		memlog:    memlog,
		notes:     memory.NewNotesHistory(0),
		prompts:   prompt.NewBuilder(cfg.BotName, cfg.Instructions),
		presence:  pres,
		voice:     voicePipeline,
		logger:    logger.With("component", "orchestrator"),
		metrics:   metrics,
	}
}

// Dispatch starts one handler task for msg and returns immediately.
func (o *Orchestrator) Dispatch(ctx context.Context, msg models.InboundMessage) {
	if !o.wants(msg) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.handle(ctx, msg)
	}()
}

// Wait blocks until all in-flight handler tasks finish.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// wants applies the ignore filters: non-human authors, command-prefixed
// messages, and channels the bot has no business in. Dropped messages get
// no reply at all.
func (o *Orchestrator) wants(msg models.InboundMessage) bool {
	if msg.FromBot || msg.FromSystem {
		return false
	}
	if strings.HasPrefix(msg.Content, "@everyone") {
		return false
	}
	if strings.HasPrefix(msg.Content, o.cfg.CommandPrefix) {
		return false
	}

	switch msg.Surface {
	case models.SurfaceDM:
		return true
	case models.SurfaceText:
		return msg.ChannelName == o.cfg.WatchChannel
	case models.SurfaceThread:
		return msg.ParentChannelName == o.cfg.WatchChannel
	default:
		return false
	}
}

// handle runs one session from admission to cleanup.
func (o *Orchestrator) handle(ctx context.Context, msg models.InboundMessage) {
	sess := &models.Session{
		ID:        uuid.NewString(),
		Origin:    msg,
		StartedAt: time.Now(),
	}

	ctx = observability.WithSessionID(ctx, sess.ID)
	ctx = observability.WithGuildID(ctx, msg.GuildID)
	ctx = observability.WithUserID(ctx, msg.UserID)

	// Watch-channel messages open a thread under the quota; threads and DMs
	// continue in place.
	target := msg.ChannelID
	if msg.Surface == models.SurfaceText {
		adm, err := o.registry.Admit(ctx, msg)
		if err != nil {
			o.logger.Error(ctx, "admission failed", "error", err)
			o.fail("gateway")
			return
		}
		if !adm.Admitted {
			o.logger.Info(ctx, "session not admitted", "reason", adm.Reason)
			return
		}
		target = adm.ThreadID
	}
	sess.TargetChannelID = target
	if o.metrics != nil {
		o.metrics.SessionsAdmitted.WithLabelValues(string(msg.Surface)).Inc()
	}

	status, err := o.gw.Send(ctx, target, processingNotice)
	if err != nil {
		o.logger.Error(ctx, "status message send failed", "error", err)
		o.fail("gateway")
		return
	}
	sess.StatusMessageID = status.MessageID

	o.presence.Acquire()
	defer o.presence.Release()
	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
		defer o.metrics.ActiveSessions.Dec()
	}

	sink := newStatusSink(o.gw, sess, status, o.logger, o.metrics)

	notes, contextNotes := o.recallNotes(ctx, msg, sink)

	rendered := o.prompts.Render(prompt.Input{
		Notes:        notes,
		ContextNotes: contextNotes,
		History:      o.historyWindow(ctx, msg),
		Now:          time.Now(),
	})

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.CompletionTimeout)
	defer cancel()

	started := time.Now()
	fragments, err := o.engine.GenerateChat(genCtx, rendered, o.cfg.Streaming)
	if err != nil {
		o.logger.Error(ctx, "completion start failed", "error", err)
		if nerr := sink.Notify(ctx, "The response could not be started: "+err.Error(), o.cfg.NoticeTTL); nerr != nil {
			o.logger.Warn(ctx, "error notice failed", "error", nerr)
		}
		o.fail("completion")
		return
	}

	finalText, err := o.assembler.Run(genCtx, sink, fragments)
	if o.metrics != nil {
		o.metrics.CompletionDuration.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		// The assembler already surfaced the error on the sink; the session
		// terminates without voice delivery.
		o.logger.Error(ctx, "completion stream aborted", "error", err)
		o.fail("completion")
		return
	}

	o.logger.Info(ctx, "reply delivered",
		"chars", len(finalText),
		"messages", sess.ChunkIndex+1,
		"elapsed", time.Since(sess.StartedAt).String())

	o.rememberReply(ctx, finalText)

	if o.voice != nil {
		// Detached so voice failures structurally cannot touch the reply.
		voiceCtx := context.WithoutCancel(ctx)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.voice.MaybeRun(voiceCtx, sess, finalText); err != nil {
				o.logger.Warn(voiceCtx, "voice delivery failed", "error", err)
			}
		}()
	}
}

// recallNotes runs the memory pipeline for msg. Every step is optional:
// recall failures degrade to an un-noted prompt rather than failing the
// session.
func (o *Orchestrator) recallNotes(ctx context.Context, msg models.InboundMessage, sink *statusSink) (string, string) {
	if o.recall == nil || o.memlog == nil {
		return "", ""
	}

	if err := sink.Edit(ctx, recallNotice); err != nil {
		o.logger.Debug(ctx, "recall notice edit failed", "error", err)
	}

	vector, err := o.recall.Embed(ctx, msg.Content)
	if err != nil {
		o.logger.Warn(ctx, "embedding failed, continuing without memories", "error", err)
		return "", ""
	}

	entry := memory.NewEntry(msg.DisplayName, msg.Content, vector, time.Now())
	if err := o.memlog.Append(entry); err != nil {
		o.logger.Warn(ctx, "memory log append failed", "error", err)
	}

	history, err := o.memlog.Load()
	if err != nil {
		o.logger.Warn(ctx, "memory log load failed", "error", err)
		return "", ""
	}

	relevant, err := o.recall.FetchRelevant(ctx, vector, history, o.cfg.FetchCount)
	if err != nil {
		o.logger.Warn(ctx, "memory retrieval failed", "error", err)
		return "", ""
	}

	notes, err := o.recall.Summarize(ctx, relevant)
	if err != nil {
		o.logger.Warn(ctx, "memory summarization failed", "error", err)
		return "", ""
	}
	if notes != "" {
		o.notes.Add(notes)
	}

	contextNotes, _ := o.notes.Previous()
	return notes, contextNotes
}

// historyWindow folds the recent channel messages into prompt lines,
// oldest first. Thread surfaces get the real window; everything else just
// sees the triggering message.
func (o *Orchestrator) historyWindow(ctx context.Context, msg models.InboundMessage) []prompt.Line {
	if msg.Surface != models.SurfaceThread {
		return []prompt.Line{{Speaker: msg.DisplayName, Text: msg.Content}}
	}

	recent, err := o.gw.RecentMessages(ctx, msg.ChannelID, o.cfg.HistoryLimit)
	if err != nil {
		o.logger.Warn(ctx, "history fetch failed, using single message", "error", err)
		return []prompt.Line{{Speaker: msg.DisplayName, Text: msg.Content}}
	}

	// RecentMessages returns newest first.
	lines := make([]prompt.Line, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		speaker := m.DisplayName
		if m.FromBot {
			speaker = o.cfg.BotName
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		lines = append(lines, prompt.Line{Speaker: speaker, Text: m.Content})
	}
	return lines
}

// rememberReply logs the bot's own reply so future recall can rank it.
func (o *Orchestrator) rememberReply(ctx context.Context, text string) {
	if o.recall == nil || o.memlog == nil || text == "" {
		return
	}
	vector, err := o.recall.Embed(ctx, text)
	if err != nil {
		o.logger.Debug(ctx, "reply embedding failed", "error", err)
		return
	}
	if err := o.memlog.Append(memory.NewEntry(o.cfg.BotName, text, vector, time.Now())); err != nil {
		o.logger.Debug(ctx, "reply log append failed", "error", err)
	}
}

// fail counts a session that ended in a user-visible failure.
func (o *Orchestrator) fail(stage string) {
	if o.metrics != nil {
		o.metrics.SessionsFailed.WithLabelValues(stage).Inc()
	}
}
