// Package discord implements the gateway interfaces against the Discord API
// via discordgo. The adapter owns the websocket session, converts inbound
// events to models.InboundMessage, and applies rate limiting to every
// outbound REST call.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/observability"
	"github.com/haasonsaas/threadkeeper/pkg/models"
)

// threadAutoArchiveMinutes is Discord's one-day auto-archive setting.
const threadAutoArchiveMinutes = 1440

// session is the slice of *discordgo.Session the adapter calls, split out so
// tests can substitute a mock.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
	ChannelVoiceJoin(gID, cID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
	HeartbeatLatency() time.Duration
}

// Config holds the adapter configuration.
type Config struct {
	// Token is the bot token from the Discord developer portal (required).
	Token string

	// MaxConnectAttempts bounds the initial connection retry loop.
	MaxConnectAttempts int

	// ConnectBackoff caps the backoff between connection attempts.
	ConnectBackoff time.Duration

	// RateLimit is the general outbound API rate in operations per second;
	// RateBurst is its burst capacity.
	RateLimit float64
	RateBurst int

	// Logger is required.
	Logger *observability.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return gateway.ErrAuthentication("token is required", nil)
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 5
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = 60 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	return nil
}

// channelInfo caches the classification facts for one channel.
type channelInfo struct {
	name       string
	parentName string
	surface    models.Surface
}

// Adapter implements gateway.Conversation, ThreadManager, History,
// VoiceGateway, PresenceGateway, and Confirmer over one Discord session.
type Adapter struct {
	cfg     Config
	session session
	logger  *observability.Logger
	limiter *gateway.RateLimiter

	messages chan models.InboundMessage

	mu        sync.RWMutex
	connected bool
	botID     string
	ctx       context.Context
	cancel    context.CancelFunc

	channelMu sync.RWMutex
	channels  map[string]channelInfo

	// voiceState is swapped out in tests; in production it reads the
	// session's gateway state cache.
	voiceState func(guildID, userID string) (*discordgo.VoiceState, error)
}

// NewAdapter creates an adapter. The session is not opened until Start.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		return nil, gateway.ErrInvalidInput("logger is required", nil)
	}
	return &Adapter{
		cfg:      cfg,
		logger:   cfg.Logger.With("adapter", "discord"),
		limiter:  gateway.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		messages: make(chan models.InboundMessage, 100),
		channels: make(map[string]channelInfo),
	}, nil
}

// Start opens the websocket connection and begins delivering inbound
// messages on Messages.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return gateway.ErrInternal("adapter already started", nil)
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.cfg.Token)
		if err != nil {
			return gateway.ErrAuthentication("failed to create session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsGuildMessageReactions |
			discordgo.IntentsGuildVoiceStates |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		a.session = dg
		a.voiceState = dg.State.VoiceState
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.connectWithRetry(ctx); err != nil {
		return err
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.connected = true
	a.logger.Info(ctx, "discord adapter started", "rate_limit", a.cfg.RateLimit)
	return nil
}

// Stop closes the session and the inbound message channel.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}

	if err := a.session.Close(); err != nil {
		a.logger.Error(ctx, "session close failed", "error", err)
		return gateway.ErrConnection("failed to close session", err)
	}

	a.connected = false
	close(a.messages)
	a.logger.Info(ctx, "discord adapter stopped")
	return nil
}

// Messages returns the inbound message stream. The channel is closed by Stop.
func (a *Adapter) Messages() <-chan models.InboundMessage {
	return a.messages
}

// BotID returns the bot's own user ID, empty before the ready event.
func (a *Adapter) BotID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID
}

// Latency returns the websocket heartbeat round-trip time.
func (a *Adapter) Latency() time.Duration {
	return a.session.HeartbeatLatency()
}

func (a *Adapter) connectWithRetry(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < a.cfg.MaxConnectAttempts; attempt++ {
		if err = a.session.Open(); err == nil {
			return nil
		}

		backoff := connectBackoff(attempt, a.cfg.ConnectBackoff)
		a.logger.Warn(ctx, "connection failed, retrying",
			"error", err,
			"attempt", attempt+1,
			"backoff", backoff.String())

		select {
		case <-ctx.Done():
			return gateway.ErrConnection("connect cancelled", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return gateway.ErrConnection("failed to connect after retries", err)
}

// connectBackoff grows 1s, 2s, 4s, ... capped at maxWait.
func connectBackoff(attempt int, maxWait time.Duration) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > maxWait {
		backoff = maxWait
	}
	return backoff
}

// Send implements gateway.Conversation.
func (a *Adapter) Send(ctx context.Context, channelID, content string) (gateway.MessageRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return gateway.MessageRef{}, gateway.ErrTimeout("rate limit wait cancelled", err)
	}
	msg, err := a.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return gateway.MessageRef{}, classify("send message", err)
	}
	return gateway.MessageRef{ChannelID: msg.ChannelID, MessageID: msg.ID}, nil
}

// Edit implements gateway.Conversation.
func (a *Adapter) Edit(ctx context.Context, ref gateway.MessageRef, content string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return gateway.ErrTimeout("rate limit wait cancelled", err)
	}
	if _, err := a.session.ChannelMessageEdit(ref.ChannelID, ref.MessageID, content); err != nil {
		return classify("edit message", err)
	}
	return nil
}

// Delete implements gateway.Conversation.
func (a *Adapter) Delete(ctx context.Context, ref gateway.MessageRef) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return gateway.ErrTimeout("rate limit wait cancelled", err)
	}
	if err := a.session.ChannelMessageDelete(ref.ChannelID, ref.MessageID); err != nil {
		return classify("delete message", err)
	}
	return nil
}

// CreateThread implements gateway.ThreadManager: a public thread anchored to
// the origin message.
func (a *Adapter) CreateThread(ctx context.Context, origin gateway.MessageRef, name string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", gateway.ErrTimeout("rate limit wait cancelled", err)
	}
	thread, err := a.session.MessageThreadStartComplex(origin.ChannelID, origin.MessageID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: threadAutoArchiveMinutes,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	})
	if err != nil {
		return "", classify("create thread", err)
	}
	return thread.ID, nil
}

// ArchiveThread implements gateway.ThreadManager.
func (a *Adapter) ArchiveThread(ctx context.Context, threadID string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return gateway.ErrTimeout("rate limit wait cancelled", err)
	}
	archived, locked := true, true
	if _, err := a.session.ChannelEditComplex(threadID, &discordgo.ChannelEdit{
		Archived: &archived,
		Locked:   &locked,
	}); err != nil {
		return classify("archive thread", err)
	}
	a.channelMu.Lock()
	delete(a.channels, threadID)
	a.channelMu.Unlock()
	return nil
}

// ChannelExists implements gateway.ThreadManager. NOT_FOUND is (false, nil).
func (a *Adapter) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return false, gateway.ErrTimeout("rate limit wait cancelled", err)
	}
	ch, err := a.session.Channel(channelID)
	if err != nil {
		cerr := classify("probe channel", err)
		if gateway.IsNotFound(cerr) {
			return false, nil
		}
		return false, cerr
	}
	// An archived thread no longer counts as an open conversation.
	if ch.ThreadMetadata != nil && ch.ThreadMetadata.Archived {
		return false, nil
	}
	return true, nil
}

// RecentMessages implements gateway.History, newest first.
func (a *Adapter) RecentMessages(ctx context.Context, channelID string, limit int) ([]models.InboundMessage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, gateway.ErrTimeout("rate limit wait cancelled", err)
	}
	raw, err := a.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, classify("fetch history", err)
	}

	out := make([]models.InboundMessage, 0, len(raw))
	for _, m := range raw {
		if m == nil || m.Author == nil {
			continue
		}
		out = append(out, models.InboundMessage{
			ID:          m.ID,
			GuildID:     m.GuildID,
			ChannelID:   m.ChannelID,
			UserID:      m.Author.ID,
			DisplayName: displayName(m),
			Content:     m.Content,
			FromBot:     m.Author.Bot,
			ReceivedAt:  m.Timestamp,
		})
	}
	return out, nil
}

// SetActivity implements gateway.PresenceGateway.
func (a *Adapter) SetActivity(ctx context.Context, kind gateway.ActivityKind, label string) error {
	var typ discordgo.ActivityType
	switch kind {
	case gateway.ActivityListening:
		typ = discordgo.ActivityTypeListening
	case gateway.ActivityWatching:
		typ = discordgo.ActivityTypeWatching
	default:
		typ = discordgo.ActivityTypeGame
	}
	if err := a.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     "online",
		Activities: []*discordgo.Activity{{Name: label, Type: typ}},
	}); err != nil {
		return classify("set activity", err)
	}
	return nil
}

// ClearActivity implements gateway.PresenceGateway.
func (a *Adapter) ClearActivity(ctx context.Context) error {
	if err := a.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     "online",
		Activities: []*discordgo.Activity{},
	}); err != nil {
		return classify("clear activity", err)
	}
	return nil
}

// ResolveVoiceChannel implements gateway.VoiceGateway using the gateway
// state cache.
func (a *Adapter) ResolveVoiceChannel(ctx context.Context, guildID, userID string) (string, bool, error) {
	if a.voiceState == nil {
		return "", false, nil
	}
	vs, err := a.voiceState(guildID, userID)
	if err != nil {
		if errors.Is(err, discordgo.ErrStateNotFound) {
			return "", false, nil
		}
		return "", false, gateway.ErrInternal("voice state lookup failed", err)
	}
	if vs == nil || vs.ChannelID == "" {
		return "", false, nil
	}
	return vs.ChannelID, true, nil
}

// JoinVoice implements gateway.VoiceGateway.
func (a *Adapter) JoinVoice(ctx context.Context, guildID, channelID string) (gateway.VoiceConn, error) {
	vc, err := a.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, classify("join voice channel", err)
	}
	return &voiceConn{vc: vc}, nil
}

// Event handlers

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	if r.User != nil {
		a.botID = r.User.ID
	}
	a.mu.Unlock()

	a.logger.Info(context.Background(), "discord connection ready",
		"user", r.User.Username,
		"guilds", len(r.Guilds))
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	a.mu.RLock()
	botID := a.botID
	ctx := a.ctx
	a.mu.RUnlock()
	if ctx == nil {
		return
	}
	if m.Author.ID == botID {
		return
	}

	info, err := a.channelInfo(m.ChannelID)
	if err != nil {
		a.logger.Warn(ctx, "channel lookup failed, dropping message",
			"channel_id", m.ChannelID, "error", err)
		return
	}

	msg := models.InboundMessage{
		ID:                m.ID,
		GuildID:           m.GuildID,
		ChannelID:         m.ChannelID,
		UserID:            m.Author.ID,
		DisplayName:       displayName(m.Message),
		Content:           m.Content,
		FromBot:           m.Author.Bot,
		FromSystem:        isSystemMessage(m.Message),
		Surface:           info.surface,
		ChannelName:       info.name,
		ParentChannelName: info.parentName,
		ReceivedAt:        m.Timestamp,
	}

	select {
	case a.messages <- msg:
	case <-ctx.Done():
	default:
		a.logger.Warn(ctx, "inbound channel full, dropping message",
			"channel_id", m.ChannelID)
	}
}

// channelInfo classifies a channel, caching the result. Threads resolve
// their parent channel's name as well.
func (a *Adapter) channelInfo(channelID string) (channelInfo, error) {
	a.channelMu.RLock()
	info, ok := a.channels[channelID]
	a.channelMu.RUnlock()
	if ok {
		return info, nil
	}

	ch, err := a.session.Channel(channelID)
	if err != nil {
		return channelInfo{}, classify("resolve channel", err)
	}

	info = channelInfo{name: ch.Name}
	switch ch.Type {
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		info.surface = models.SurfaceDM
	case discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		info.surface = models.SurfaceThread
		if ch.ParentID != "" {
			if parent, perr := a.session.Channel(ch.ParentID); perr == nil {
				info.parentName = parent.Name
			}
		}
	default:
		info.surface = models.SurfaceText
	}

	a.channelMu.Lock()
	a.channels[channelID] = info
	a.channelMu.Unlock()
	return info, nil
}

// Helpers

func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func isSystemMessage(m *discordgo.Message) bool {
	return m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply
}

// classify maps a discordgo error onto the gateway error taxonomy.
func classify(op string, err error) error {
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return gateway.ErrRateLimit(fmt.Sprintf("%s: discord rate limit", op), err)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		if restErr.Response != nil && restErr.Response.StatusCode == 404 {
			return gateway.ErrNotFound(op, err)
		}
		if restErr.Message != nil {
			switch restErr.Message.Code {
			case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownMessage:
				return gateway.ErrNotFound(op, err)
			case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
				return gateway.ErrAuthentication(op, err)
			}
		}
	}

	return gateway.ErrInternal(op, err)
}
