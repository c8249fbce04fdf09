// Package config loads and validates the threadkeeper configuration from a
// YAML file. Environment variables referenced as ${VAR} in the file are
// expanded before parsing, so secrets stay out of the document itself.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Discord Discord `yaml:"discord"`
	Persona Persona `yaml:"persona"`
	OpenAI  OpenAI  `yaml:"openai"`
	Session Session `yaml:"session"`
	Store   Store   `yaml:"store"`
	Voice   Voice   `yaml:"voice"`
	Memory  Memory  `yaml:"memory"`
	Logging Logging `yaml:"logging"`
	Metrics Metrics `yaml:"metrics"`
}

// Discord configures the gateway adapter.
type Discord struct {
	// Token is the bot token from the Discord developer portal (required).
	Token string `yaml:"token"`

	// WatchChannel is the text channel name whose messages start sessions.
	// Thread replies and direct messages are always handled.
	WatchChannel string `yaml:"watch_channel"`

	// CommandPrefix marks messages to ignore entirely.
	CommandPrefix string `yaml:"command_prefix"`

	// RateLimit is the general outbound API rate in operations per second.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the burst capacity for the rate limiter.
	RateBurst int `yaml:"rate_burst"`

	// OwnerID is the user allowed to run administrative commands.
	OwnerID string `yaml:"owner_id"`
}

// Persona names the bot and sets its system instruction.
type Persona struct {
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
}

// OpenAI configures the completion engine.
type OpenAI struct {
	APIKey         string `yaml:"api_key"`
	ChatModel      string `yaml:"chat_model"`
	SpeechModel    string `yaml:"speech_model"`
	SpeechVoice    string `yaml:"speech_voice"`
	EmbeddingModel string `yaml:"embedding_model"`

	// BaseURL overrides the API endpoint (optional).
	BaseURL string `yaml:"base_url"`
}

// Session configures admission and reply assembly.
type Session struct {
	// MaxThreads is the per-user open thread quota.
	MaxThreads int `yaml:"max_threads"`

	// ConfirmTimeout bounds the quota-overflow confirmation wait.
	// Expiry denies admission.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	// HistoryLimit is the number of prior messages folded into the prompt.
	HistoryLimit int `yaml:"history_limit"`

	// StreamMode selects reply assembly: "streaming" or "buffered".
	StreamMode string `yaml:"stream_mode"`

	// EditInterval is the minimum spacing between status-message edits.
	EditInterval time.Duration `yaml:"edit_interval"`

	// MessageLimit is the platform's hard single-message character ceiling.
	MessageLimit int `yaml:"message_limit"`

	// SoftLimit is the accumulator size that triggers a streaming rollover.
	SoftLimit int `yaml:"soft_limit"`

	// CompletionTimeout bounds a single completion-engine exchange.
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
}

// Store configures persistence.
type Store struct {
	// Path is the state file location.
	Path string `yaml:"path"`

	// AutosaveInterval is the period of the background flush loop.
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
}

// Voice configures the optional audio delivery stage.
type Voice struct {
	Enabled bool `yaml:"enabled"`

	// PlaybackTimeout bounds a single voice playback.
	PlaybackTimeout time.Duration `yaml:"playback_timeout"`

	// WorkDir is where temporary audio artifacts are written.
	WorkDir string `yaml:"work_dir"`
}

// Memory configures the recall subsystem.
type Memory struct {
	// LogDir is where per-message conversation log entries are written.
	LogDir string `yaml:"log_dir"`

	// FetchCount is how many relevant memories feed each prompt.
	FetchCount int `yaml:"fetch_count"`
}

// Logging configures log output.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads, expands, and strictly decodes the config file at path, then
// validates it and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes config bytes. Unknown fields are rejected so typos surface
// at startup instead of silently falling back to defaults.
func Parse(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected single document")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("config: discord.token is required")
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("config: openai.api_key is required")
	}

	if c.Discord.WatchChannel == "" {
		c.Discord.WatchChannel = "companion-chat"
	}
	if c.Discord.CommandPrefix == "" {
		c.Discord.CommandPrefix = "?"
	}
	if c.Discord.RateLimit <= 0 {
		c.Discord.RateLimit = 5
	}
	if c.Discord.RateBurst <= 0 {
		c.Discord.RateBurst = 10
	}

	if c.Persona.Name == "" {
		c.Persona.Name = "threadkeeper"
	}

	if c.OpenAI.ChatModel == "" {
		c.OpenAI.ChatModel = "gpt-4o"
	}
	if c.OpenAI.SpeechModel == "" {
		c.OpenAI.SpeechModel = "tts-1"
	}
	if c.OpenAI.SpeechVoice == "" {
		c.OpenAI.SpeechVoice = "alloy"
	}
	if c.OpenAI.EmbeddingModel == "" {
		c.OpenAI.EmbeddingModel = "text-embedding-3-small"
	}

	if c.Session.MaxThreads <= 0 {
		c.Session.MaxThreads = 3
	}
	if c.Session.ConfirmTimeout <= 0 {
		c.Session.ConfirmTimeout = 60 * time.Second
	}
	if c.Session.HistoryLimit <= 0 {
		c.Session.HistoryLimit = 10
	}
	switch c.Session.StreamMode {
	case "":
		c.Session.StreamMode = "streaming"
	case "streaming", "buffered":
	default:
		return fmt.Errorf("config: session.stream_mode must be %q or %q, got %q", "streaming", "buffered", c.Session.StreamMode)
	}
	if c.Session.EditInterval <= 0 {
		c.Session.EditInterval = 400 * time.Millisecond
	}
	if c.Session.MessageLimit <= 0 {
		c.Session.MessageLimit = 2000
	}
	if c.Session.SoftLimit <= 0 {
		c.Session.SoftLimit = 1950
	}
	if c.Session.SoftLimit > c.Session.MessageLimit {
		return fmt.Errorf("config: session.soft_limit %d exceeds message_limit %d", c.Session.SoftLimit, c.Session.MessageLimit)
	}
	if c.Session.CompletionTimeout <= 0 {
		c.Session.CompletionTimeout = 5 * time.Minute
	}

	if c.Store.Path == "" {
		c.Store.Path = "database.json"
	}
	if c.Store.AutosaveInterval <= 0 {
		c.Store.AutosaveInterval = 120 * time.Second
	}

	if c.Voice.PlaybackTimeout <= 0 {
		c.Voice.PlaybackTimeout = 5 * time.Minute
	}

	if c.Memory.LogDir == "" {
		c.Memory.LogDir = "chat_logs"
	}
	if c.Memory.FetchCount <= 0 {
		c.Memory.FetchCount = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9091"
	}

	return nil
}
