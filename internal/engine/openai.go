package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-backed engine.
type OpenAIConfig struct {
	APIKey      string
	ChatModel   string
	SpeechModel string
	BaseURL     string

	// MaxRetries bounds retry attempts for transient API failures.
	// Default: 3
	MaxRetries int

	// RetryDelay is the base delay between attempts (linear backoff).
	// Default: 1s
	RetryDelay time.Duration
}

// OpenAIEngine implements CompletionEngine against the OpenAI API.
// Each GenerateChat call owns an independent stream and goroutine, so the
// engine is safe for concurrent use across sessions.
type OpenAIEngine struct {
	client      *openai.Client
	chatModel   string
	speechModel string
	maxRetries  int
	retryDelay  time.Duration
}

// NewOpenAIEngine creates an engine from cfg.
func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("engine: API key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4o
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = string(openai.TTSModel1)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEngine{
		client:      openai.NewClientWithConfig(clientCfg),
		chatModel:   cfg.ChatModel,
		speechModel: cfg.SpeechModel,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
	}, nil
}

// GenerateChat implements ChatGenerator.
func (e *OpenAIEngine) GenerateChat(ctx context.Context, prompt string, stream bool) (<-chan Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model: e.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		Stream: stream,
	}

	if !stream {
		return e.generateFull(ctx, req)
	}

	var s *openai.ChatCompletionStream
	err := e.withRetry(ctx, func() error {
		var err error
		s, err = e.client.CreateChatCompletionStream(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create stream: %w", err)
	}

	chunks := make(chan Chunk)
	go e.pumpStream(ctx, s, chunks)
	return chunks, nil
}

func (e *OpenAIEngine) generateFull(ctx context.Context, req openai.ChatCompletionRequest) (<-chan Chunk, error) {
	var resp openai.ChatCompletionResponse
	err := e.withRetry(ctx, func() error {
		var err error
		resp, err = e.client.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("engine: completion returned no choices")
	}

	chunks := make(chan Chunk, 1)
	chunks <- Chunk{Text: resp.Choices[0].Message.Content}
	close(chunks)
	return chunks, nil
}

// pumpStream forwards stream deltas as chunks until EOF or error.
func (e *OpenAIEngine) pumpStream(ctx context.Context, s *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer s.Close()

	for {
		resp, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case chunks <- Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		select {
		case chunks <- Chunk{Text: delta}:
		case <-ctx.Done():
			return
		}
	}
}

// GenerateSpeech implements SpeechSynthesizer. The audio is returned in Ogg
// Opus so the voice pipeline can feed Discord without re-encoding.
func (e *OpenAIEngine) GenerateSpeech(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}

	var audio []byte
	err := e.withRetry(ctx, func() error {
		resp, err := e.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(e.speechModel),
			Input:          text,
			Voice:          openai.SpeechVoice(voice),
			ResponseFormat: openai.SpeechResponseFormatOpus,
		})
		if err != nil {
			return err
		}
		defer resp.Close()
		audio, err = io.ReadAll(resp)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create speech: %w", err)
	}
	return audio, nil
}

// withRetry runs fn with linear backoff for retryable API errors.
func (e *OpenAIEngine) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retryDelay * time.Duration(attempt)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("engine: max retries exceeded: %w", lastErr)
}

// isRetryable reports whether the API error is transient (rate limit or
// server-side failure).
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}
