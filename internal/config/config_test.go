package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const minimal = `
discord:
  token: test-token
openai:
  api_key: test-key
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Discord.WatchChannel != "companion-chat" {
		t.Errorf("watch channel = %q", cfg.Discord.WatchChannel)
	}
	if cfg.Session.MaxThreads != 3 {
		t.Errorf("max threads = %d, want 3", cfg.Session.MaxThreads)
	}
	if cfg.Session.StreamMode != "streaming" {
		t.Errorf("stream mode = %q", cfg.Session.StreamMode)
	}
	if cfg.Session.EditInterval != 400*time.Millisecond {
		t.Errorf("edit interval = %v", cfg.Session.EditInterval)
	}
	if cfg.Session.MessageLimit != 2000 || cfg.Session.SoftLimit != 1950 {
		t.Errorf("limits = %d/%d, want 2000/1950", cfg.Session.MessageLimit, cfg.Session.SoftLimit)
	}
	if cfg.Store.Path != "database.json" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.Store.AutosaveInterval != 120*time.Second {
		t.Errorf("autosave interval = %v", cfg.Store.AutosaveInterval)
	}
}

func TestParseRequiresSecrets(t *testing.T) {
	if _, err := Parse([]byte("discord:\n  token: t\n")); err == nil {
		t.Error("missing openai.api_key accepted")
	}
	if _, err := Parse([]byte("openai:\n  api_key: k\n")); err == nil {
		t.Error("missing discord.token accepted")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := minimal + "\nsesion:\n  max_threads: 5\n"
	if _, err := Parse([]byte(doc)); err == nil {
		t.Error("typo'd section accepted silently")
	}
}

func TestParseRejectsBadStreamMode(t *testing.T) {
	doc := minimal + "\nsession:\n  stream_mode: chunky\n"
	if _, err := Parse([]byte(doc)); err == nil {
		t.Error("invalid stream mode accepted")
	}
}

func TestParseRejectsSoftLimitAboveMessageLimit(t *testing.T) {
	doc := minimal + "\nsession:\n  message_limit: 100\n  soft_limit: 200\n"
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "soft_limit") {
		t.Errorf("err = %v, want soft_limit validation failure", err)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TK_TEST_TOKEN", "expanded-token")

	path := t.TempDir() + "/cfg.yaml"
	doc := "discord:\n  token: ${TK_TEST_TOKEN}\nopenai:\n  api_key: k\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "expanded-token" {
		t.Errorf("token = %q, want expansion from environment", cfg.Discord.Token)
	}
}

func TestParseOverrides(t *testing.T) {
	doc := minimal + `
persona:
  name: Gloved
session:
  max_threads: 5
  stream_mode: buffered
voice:
  enabled: true
  playback_timeout: 90s
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Persona.Name != "Gloved" {
		t.Errorf("persona name = %q", cfg.Persona.Name)
	}
	if cfg.Session.MaxThreads != 5 {
		t.Errorf("max threads = %d", cfg.Session.MaxThreads)
	}
	if cfg.Session.StreamMode != "buffered" {
		t.Errorf("stream mode = %q", cfg.Session.StreamMode)
	}
	if !cfg.Voice.Enabled || cfg.Voice.PlaybackTimeout != 90*time.Second {
		t.Errorf("voice = %+v", cfg.Voice)
	}
}
