// Package voice implements the optional audio delivery stage: once a reply
// is finished, if the requesting user sits in a voice channel, the reply is
// synthesized to speech and played there.
//
// The pipeline is best-effort throughout. Every failure is logged and
// swallowed; nothing here can fail the session that produced the reply.
// One voice connection is held per guild at a time; a second request for a
// busy guild is rejected with a notice rather than queued, so a long
// playback cannot silently delay another user's delivery.
package voice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/threadkeeper/internal/engine"
	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/observability"
	"github.com/haasonsaas/threadkeeper/pkg/models"
)

// Config tunes the pipeline.
type Config struct {
	// Voice is the synthesis voice identifier.
	Voice string

	// PlaybackTimeout bounds one connect-play-disconnect cycle.
	// Default: 5m
	PlaybackTimeout time.Duration

	// WorkDir is where temporary audio artifacts are written.
	// Default: os.TempDir()
	WorkDir string
}

// Pipeline converts finished replies to audio and plays them.
type Pipeline struct {
	cfg     Config
	voice   gateway.VoiceGateway
	convo   gateway.Conversation
	synth   engine.SpeechSynthesizer
	logger  *observability.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	busy map[string]bool // guildID -> connection held
}

// New creates a pipeline. metrics may be nil.
func New(cfg Config, vg gateway.VoiceGateway, convo gateway.Conversation, synth engine.SpeechSynthesizer, logger *observability.Logger, metrics *observability.Metrics) *Pipeline {
	if cfg.PlaybackTimeout <= 0 {
		cfg.PlaybackTimeout = 5 * time.Minute
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Pipeline{
		cfg:     cfg,
		voice:   vg,
		convo:   convo,
		synth:   synth,
		logger:  logger.With("component", "voice"),
		metrics: metrics,
	}
}

// MaybeRun delivers finalText as audio if the session's user occupies a
// voice channel in the guild. The returned error is informational only;
// callers run this detached and must never propagate it to the session.
func (p *Pipeline) MaybeRun(ctx context.Context, sess *models.Session, finalText string) error {
	if sess.Origin.GuildID == "" {
		return nil
	}

	channelID, ok, err := p.voice.ResolveVoiceChannel(ctx, sess.Origin.GuildID, sess.Origin.UserID)
	if err != nil {
		p.logger.Warn(ctx, "voice channel lookup failed", "error", err)
		p.record("failed")
		return err
	}
	if !ok {
		p.record("skipped")
		return nil
	}

	if !p.tryAcquire(sess.Origin.GuildID) {
		p.logger.Info(ctx, "voice busy in guild, rejecting delivery")
		p.notifyBusy(ctx, sess)
		p.record("rejected")
		return nil
	}
	defer p.releaseGuild(sess.Origin.GuildID)

	spoken := StripMarkup(finalText)
	if spoken == "" {
		p.record("skipped")
		return nil
	}

	audio, err := p.synth.GenerateSpeech(ctx, spoken, p.cfg.Voice)
	if err != nil {
		p.logger.Warn(ctx, "speech synthesis failed", "error", err)
		p.record("failed")
		return err
	}

	path := filepath.Join(p.cfg.WorkDir, fmt.Sprintf("reply-%s.ogg", uuid.NewString()))
	if err := os.WriteFile(path, audio, 0o600); err != nil {
		p.logger.Warn(ctx, "audio artifact write failed", "error", err)
		p.record("failed")
		return err
	}
	defer os.Remove(path)

	if err := p.play(ctx, sess.Origin.GuildID, channelID, path); err != nil {
		p.logger.Warn(ctx, "voice playback failed", "error", err)
		p.record("failed")
		return err
	}

	p.logger.Info(ctx, "reply delivered to voice channel", "channel_id", channelID)
	p.record("played")
	return nil
}

// play runs one bounded connect-play-disconnect cycle.
func (p *Pipeline) play(ctx context.Context, guildID, channelID, path string) error {
	playCtx, cancel := context.WithTimeout(ctx, p.cfg.PlaybackTimeout)
	defer cancel()

	conn, err := p.voice.JoinVoice(playCtx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("voice: connect: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			p.logger.Debug(ctx, "voice disconnect failed", "error", cerr)
		}
	}()

	if err := conn.Play(playCtx, path); err != nil {
		return fmt.Errorf("voice: play: %w", err)
	}
	return nil
}

func (p *Pipeline) tryAcquire(guildID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy == nil {
		p.busy = make(map[string]bool)
	}
	if p.busy[guildID] {
		return false
	}
	p.busy[guildID] = true
	return true
}

func (p *Pipeline) releaseGuild(guildID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, guildID)
}

func (p *Pipeline) notifyBusy(ctx context.Context, sess *models.Session) {
	if _, err := p.convo.Send(ctx, sess.TargetChannelID,
		"I'm already reading a reply aloud in this server; this one stays text-only."); err != nil {
		p.logger.Debug(ctx, "busy notice failed", "error", err)
	}
}

func (p *Pipeline) record(outcome string) {
	if p.metrics != nil {
		p.metrics.VoiceDeliveries.WithLabelValues(outcome).Inc()
	}
}
