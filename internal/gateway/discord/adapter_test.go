package discord

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/observability"
	"github.com/haasonsaas/threadkeeper/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

type sentRecord struct {
	channelID string
	content   string
}

// mockSession implements the session interface in memory.
type mockSession struct {
	channels  map[string]*discordgo.Channel
	sent      []sentRecord
	edits     []sentRecord
	deleted   []string
	reactions []string
	threads   []string
	handlers  []interface{}

	channelErr error
	sendErr    error
	nextMsgID  int
}

func newMockSession() *mockSession {
	return &mockSession{channels: make(map[string]*discordgo.Channel)}
}

func (m *mockSession) Open() error  { return nil }
func (m *mockSession) Close() error { return nil }

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.handlers = append(m.handlers, handler)
	return func() {}
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.nextMsgID++
	m.sent = append(m.sent, sentRecord{channelID, content})
	return &discordgo.Message{ID: "sent", ChannelID: channelID}, nil
}

func (m *mockSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.edits = append(m.edits, sentRecord{channelID, content})
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (m *mockSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	m.deleted = append(m.deleted, messageID)
	return nil
}

func (m *mockSession) ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return &discordgo.Message{ID: messageID, Author: &discordgo.User{ID: "asker"}}, nil
}

func (m *mockSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return []*discordgo.Message{
		{ID: "h2", ChannelID: channelID, Content: "newer", Author: &discordgo.User{ID: "u1", Username: "alice"}},
		{ID: "h1", ChannelID: channelID, Content: "older", Author: &discordgo.User{ID: "bot", Username: "keeper", Bot: true}},
	}, nil
}

func (m *mockSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if m.channelErr != nil {
		return nil, m.channelErr
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, &discordgo.RESTError{
			Response: &http.Response{StatusCode: 404},
			Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownChannel},
		}
	}
	return ch, nil
}

func (m *mockSession) ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if ch, ok := m.channels[channelID]; ok && data.Archived != nil && *data.Archived {
		if ch.ThreadMetadata == nil {
			ch.ThreadMetadata = &discordgo.ThreadMetadata{}
		}
		ch.ThreadMetadata.Archived = true
	}
	return m.channels[channelID], nil
}

func (m *mockSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	id := "thread-" + data.Name
	m.threads = append(m.threads, data.Name)
	m.channels[id] = &discordgo.Channel{
		ID:   id,
		Name: data.Name,
		Type: discordgo.ChannelTypeGuildPublicThread,
	}
	return m.channels[id], nil
}

func (m *mockSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	m.reactions = append(m.reactions, emojiID)
	return nil
}

func (m *mockSession) UpdateStatusComplex(usd discordgo.UpdateStatusData) error { return nil }

func (m *mockSession) ChannelVoiceJoin(gID, cID string, mute, deaf bool) (*discordgo.VoiceConnection, error) {
	return nil, nil
}

func (m *mockSession) HeartbeatLatency() time.Duration { return 42 * time.Millisecond }

func newTestAdapter(t *testing.T, m *mockSession) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{Token: "test-token", RateLimit: 1000, RateBurst: 1000, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	a.session = m
	a.connected = true
	a.botID = "bot"
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.ctx, a.cancel = ctx, cancel
	return a
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty token accepted")
	}

	cfg = Config{Token: "t"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.RateLimit != 5 || cfg.RateBurst != 10 || cfg.MaxConnectAttempts != 5 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestSendEditDelete(t *testing.T) {
	m := newMockSession()
	a := newTestAdapter(t, m)
	ctx := context.Background()

	ref, err := a.Send(ctx, "c1", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref.ChannelID != "c1" || ref.MessageID == "" {
		t.Errorf("ref = %+v", ref)
	}

	if err := a.Edit(ctx, ref, "edited"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := a.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(m.sent) != 1 || len(m.edits) != 1 || len(m.deleted) != 1 {
		t.Errorf("traffic = %d/%d/%d, want 1/1/1", len(m.sent), len(m.edits), len(m.deleted))
	}
}

func TestLatency(t *testing.T) {
	a := newTestAdapter(t, newMockSession())
	if got := a.Latency(); got != 42*time.Millisecond {
		t.Errorf("Latency = %v, want heartbeat round-trip from session", got)
	}
}

func TestChannelExists(t *testing.T) {
	m := newMockSession()
	m.channels["live"] = &discordgo.Channel{ID: "live", Type: discordgo.ChannelTypeGuildText}
	m.channels["archived"] = &discordgo.Channel{
		ID:             "archived",
		Type:           discordgo.ChannelTypeGuildPublicThread,
		ThreadMetadata: &discordgo.ThreadMetadata{Archived: true},
	}
	a := newTestAdapter(t, m)
	ctx := context.Background()

	if ok, err := a.ChannelExists(ctx, "live"); err != nil || !ok {
		t.Errorf("live channel = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, err := a.ChannelExists(ctx, "archived"); err != nil || ok {
		t.Errorf("archived thread = (%v, %v), want (false, nil)", ok, err)
	}
	if ok, err := a.ChannelExists(ctx, "gone"); err != nil || ok {
		t.Errorf("missing channel = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestCreateAndArchiveThread(t *testing.T) {
	m := newMockSession()
	a := newTestAdapter(t, m)
	ctx := context.Background()

	origin := gateway.MessageRef{ChannelID: "c1", MessageID: "m1"}
	id, err := a.CreateThread(ctx, origin, "alice - 1")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if ok, _ := a.ChannelExists(ctx, id); !ok {
		t.Error("created thread not visible")
	}

	if err := a.ArchiveThread(ctx, id); err != nil {
		t.Fatalf("ArchiveThread: %v", err)
	}
	if ok, _ := a.ChannelExists(ctx, id); ok {
		t.Error("archived thread still counts as open")
	}
}

func TestRecentMessagesConversion(t *testing.T) {
	m := newMockSession()
	a := newTestAdapter(t, m)

	msgs, err := a.RecentMessages(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Content != "newer" || msgs[0].DisplayName != "alice" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if !msgs[1].FromBot {
		t.Error("bot author not flagged")
	}
}

func TestClassify(t *testing.T) {
	notFound := &discordgo.RESTError{
		Response: &http.Response{StatusCode: 404},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownChannel},
	}
	if !gateway.IsNotFound(classify("op", notFound)) {
		t.Error("404 not classified as NOT_FOUND")
	}

	rate := &discordgo.RateLimitError{}
	if gateway.GetErrorCode(classify("op", rate)) != gateway.ErrCodeRateLimit {
		t.Error("rate limit error not classified")
	}

	forbidden := &discordgo.RESTError{
		Response: &http.Response{StatusCode: 403},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeMissingPermissions},
	}
	if gateway.GetErrorCode(classify("op", forbidden)) != gateway.ErrCodeAuthentication {
		t.Error("missing permissions not classified as auth failure")
	}
}

func fireMessageCreate(a *Adapter, m *discordgo.MessageCreate) {
	a.handleMessageCreate(nil, m)
}

func TestInboundClassification(t *testing.T) {
	m := newMockSession()
	m.channels["text1"] = &discordgo.Channel{ID: "text1", Name: "companion-chat", Type: discordgo.ChannelTypeGuildText}
	m.channels["parent1"] = &discordgo.Channel{ID: "parent1", Name: "companion-chat", Type: discordgo.ChannelTypeGuildText}
	m.channels["thread1"] = &discordgo.Channel{ID: "thread1", Name: "alice - 1", Type: discordgo.ChannelTypeGuildPublicThread, ParentID: "parent1"}
	m.channels["dm1"] = &discordgo.Channel{ID: "dm1", Type: discordgo.ChannelTypeDM}
	a := newTestAdapter(t, m)

	fire := func(channelID, content string) {
		fireMessageCreate(a, &discordgo.MessageCreate{Message: &discordgo.Message{
			ID:        "m1",
			ChannelID: channelID,
			GuildID:   "g1",
			Content:   content,
			Author:    &discordgo.User{ID: "u1", Username: "alice"},
			Type:      discordgo.MessageTypeDefault,
		}})
	}

	fire("text1", "hello")
	fire("thread1", "in thread")
	fire("dm1", "direct")

	var got []models.InboundMessage
	for i := 0; i < 3; i++ {
		select {
		case msg := <-a.Messages():
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatalf("message %d never delivered", i)
		}
	}

	if got[0].Surface != models.SurfaceText || got[0].ChannelName != "companion-chat" {
		t.Errorf("text surface = %+v", got[0])
	}
	if got[1].Surface != models.SurfaceThread || got[1].ParentChannelName != "companion-chat" {
		t.Errorf("thread surface = %+v", got[1])
	}
	if got[2].Surface != models.SurfaceDM {
		t.Errorf("dm surface = %+v", got[2])
	}
}

func TestInboundDropsOwnMessages(t *testing.T) {
	m := newMockSession()
	m.channels["c1"] = &discordgo.Channel{ID: "c1", Type: discordgo.ChannelTypeGuildText}
	a := newTestAdapter(t, m)

	fireMessageCreate(a, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Author:    &discordgo.User{ID: "bot"},
	}})

	select {
	case msg := <-a.Messages():
		t.Errorf("own message delivered: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConfirmAccept(t *testing.T) {
	m := newMockSession()
	a := newTestAdapter(t, m)

	origin := gateway.MessageRef{ChannelID: "c1", MessageID: "m0"}

	done := make(chan struct{})
	var accepted bool
	var err error
	go func() {
		defer close(done)
		accepted, err = a.Confirm(context.Background(), origin, "archive oldest?")
	}()

	// Wait for the prompt and the reaction handler registration, then react
	// as the origin author.
	deadline := time.Now().Add(2 * time.Second)
	var handler func(*discordgo.Session, *discordgo.MessageReactionAdd)
	for time.Now().Before(deadline) {
		for _, h := range m.handlers {
			if f, ok := h.(func(*discordgo.Session, *discordgo.MessageReactionAdd)); ok {
				handler = f
			}
		}
		if handler != nil && len(m.sent) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if handler == nil {
		t.Fatal("reaction handler never registered")
	}

	handler(nil, &discordgo.MessageReactionAdd{MessageReaction: &discordgo.MessageReaction{
		MessageID: "sent",
		UserID:    "asker",
		Emoji:     discordgo.Emoji{Name: emojiAccept},
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Confirm never resolved")
	}
	if err != nil || !accepted {
		t.Errorf("Confirm = (%v, %v), want accepted", accepted, err)
	}
	if len(m.deleted) == 0 {
		t.Error("prompt message not cleaned up")
	}
}

func TestConfirmTimeout(t *testing.T) {
	m := newMockSession()
	a := newTestAdapter(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	accepted, err := a.Confirm(ctx, gateway.MessageRef{ChannelID: "c1", MessageID: "m0"}, "q")
	if accepted {
		t.Error("timeout reported as acceptance")
	}
	if err == nil {
		t.Error("expired confirm must surface ctx.Err for timeout classification")
	}
}
