package voice

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/observability"
	"github.com/haasonsaas/threadkeeper/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

type fakeVoiceConn struct {
	played []string
	closed bool
}

func (c *fakeVoiceConn) Play(ctx context.Context, path string) error {
	c.played = append(c.played, path)
	return nil
}

func (c *fakeVoiceConn) Close() error {
	c.closed = true
	return nil
}

type fakeVoiceGateway struct {
	channelID string
	inVoice   bool
	lookupErr error
	conn      *fakeVoiceConn
	joinErr   error

	mu      sync.Mutex
	joined  int
	release chan struct{} // when set, Play blocks until closed
}

func (g *fakeVoiceGateway) ResolveVoiceChannel(ctx context.Context, guildID, userID string) (string, bool, error) {
	if g.lookupErr != nil {
		return "", false, g.lookupErr
	}
	return g.channelID, g.inVoice, nil
}

func (g *fakeVoiceGateway) JoinVoice(ctx context.Context, guildID, channelID string) (gateway.VoiceConn, error) {
	if g.joinErr != nil {
		return nil, g.joinErr
	}
	g.mu.Lock()
	g.joined++
	g.mu.Unlock()
	if g.release != nil {
		return blockingConn{g.release}, nil
	}
	return g.conn, nil
}

type blockingConn struct{ release chan struct{} }

func (c blockingConn) Play(ctx context.Context, path string) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c blockingConn) Close() error { return nil }

type fakeConvo struct {
	mu   sync.Mutex
	sent []string
}

func (c *fakeConvo) Send(ctx context.Context, channelID, content string) (gateway.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, content)
	return gateway.MessageRef{ChannelID: channelID, MessageID: "m"}, nil
}

func (c *fakeConvo) Edit(ctx context.Context, ref gateway.MessageRef, content string) error {
	return nil
}

func (c *fakeConvo) Delete(ctx context.Context, ref gateway.MessageRef) error { return nil }

type fakeSynth struct {
	audio []byte
	err   error
	heard string
}

func (s *fakeSynth) GenerateSpeech(ctx context.Context, text, voice string) ([]byte, error) {
	s.heard = text
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}

func session(guildID string) *models.Session {
	return &models.Session{
		ID:              "s1",
		TargetChannelID: "thread-1",
		Origin: models.InboundMessage{
			GuildID: guildID,
			UserID:  "u1",
		},
	}
}

func TestMaybeRunSkipsOutsideGuilds(t *testing.T) {
	vg := &fakeVoiceGateway{}
	p := New(Config{WorkDir: t.TempDir()}, vg, &fakeConvo{}, &fakeSynth{}, testLogger(), nil)

	if err := p.MaybeRun(context.Background(), session(""), "hello"); err != nil {
		t.Fatalf("MaybeRun: %v", err)
	}
	if vg.joined != 0 {
		t.Error("joined voice for a DM session")
	}
}

func TestMaybeRunSkipsWhenUserNotInVoice(t *testing.T) {
	vg := &fakeVoiceGateway{inVoice: false}
	synth := &fakeSynth{audio: []byte("ogg")}
	p := New(Config{WorkDir: t.TempDir()}, vg, &fakeConvo{}, synth, testLogger(), nil)

	if err := p.MaybeRun(context.Background(), session("g1"), "hello"); err != nil {
		t.Fatalf("MaybeRun: %v", err)
	}
	if synth.heard != "" {
		t.Error("synthesized speech for a user outside voice")
	}
}

func TestMaybeRunPlaysAndCleansUp(t *testing.T) {
	conn := &fakeVoiceConn{}
	vg := &fakeVoiceGateway{inVoice: true, channelID: "vc1", conn: conn}
	p := New(Config{WorkDir: t.TempDir()}, vg, &fakeConvo{}, &fakeSynth{audio: []byte("ogg")}, testLogger(), nil)

	if err := p.MaybeRun(context.Background(), session("g1"), "hello world"); err != nil {
		t.Fatalf("MaybeRun: %v", err)
	}
	if len(conn.played) != 1 {
		t.Fatalf("played %d files, want 1", len(conn.played))
	}
	if !conn.closed {
		t.Error("connection not closed after playback")
	}
	if !strings.HasSuffix(conn.played[0], ".ogg") {
		t.Errorf("artifact %q lacks .ogg suffix", conn.played[0])
	}
}

func TestMaybeRunRejectsBusyGuild(t *testing.T) {
	release := make(chan struct{})
	vg := &fakeVoiceGateway{inVoice: true, channelID: "vc1", release: release}
	convo := &fakeConvo{}
	p := New(Config{WorkDir: t.TempDir()}, vg, convo, &fakeSynth{audio: []byte("ogg")}, testLogger(), nil)

	var wg sync.WaitGroup
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Occupy the guild; Play blocks until release closes.
		go func() {
			// Give the first delivery time to acquire before signaling.
			for {
				p.mu.Lock()
				busy := p.busy["g1"]
				p.mu.Unlock()
				if busy {
					close(started)
					return
				}
			}
		}()
		_ = p.MaybeRun(context.Background(), session("g1"), "first")
	}()

	<-started
	if err := p.MaybeRun(context.Background(), session("g1"), "second"); err != nil {
		t.Fatalf("second MaybeRun: %v", err)
	}

	convo.mu.Lock()
	notices := len(convo.sent)
	convo.mu.Unlock()
	if notices != 1 {
		t.Errorf("busy notice count = %d, want 1", notices)
	}

	close(release)
	wg.Wait()
}

func TestMaybeRunSynthesisFailureIsContained(t *testing.T) {
	vg := &fakeVoiceGateway{inVoice: true, channelID: "vc1", conn: &fakeVoiceConn{}}
	synth := &fakeSynth{err: errors.New("tts down")}
	p := New(Config{WorkDir: t.TempDir()}, vg, &fakeConvo{}, synth, testLogger(), nil)

	if err := p.MaybeRun(context.Background(), session("g1"), "hello"); err == nil {
		t.Fatal("expected synthesis error to be reported")
	}
	if vg.joined != 0 {
		t.Error("joined voice despite failed synthesis")
	}
	// The guild hold must be released for the next delivery.
	if !p.tryAcquire("g1") {
		t.Error("guild still held after failed delivery")
	}
}

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"fenced code", "before ```go\ncode\n``` after", "before after"},
		{"inline code", "use `rm -rf` carefully", "use carefully"},
		{"spoiler", "the twist: ||he dies||", "the twist:"},
		{"bold", "a **loud** word", "a word"},
		{"italic", "a *quiet* word", "a word"},
		{"strikethrough", "it was ~~wrong~~ fine", "it was fine"},
		{"underline", "an __important__ point", "an point"},
		{"only markup", "**```Response Finished```**", ""},
		{"unpaired marker", "5 * 3 equals 15", "5 * 3 equals 15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkup(tt.in); got != tt.want {
				t.Errorf("StripMarkup(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
