// Package engine abstracts the external completion engine: chat generation
// (full or incremental) and speech synthesis. The orchestrator and voice
// pipeline consume these interfaces; the OpenAI implementation lives in
// openai.go.
package engine

import "context"

// Chunk is one element of a completion fragment stream. A non-nil Err
// terminates the stream; the channel is closed after the final chunk.
type Chunk struct {
	Text string
	Err  error
}

// ChatGenerator produces completion text for a rendered prompt.
type ChatGenerator interface {
	// GenerateChat starts a completion. When stream is true the returned
	// channel yields incremental text fragments; otherwise it yields the
	// full completion as a single chunk. The channel is closed when the
	// completion ends, errs included.
	GenerateChat(ctx context.Context, prompt string, stream bool) (<-chan Chunk, error)
}

// SpeechSynthesizer converts text to playable audio.
type SpeechSynthesizer interface {
	// GenerateSpeech returns encoded audio for text spoken by voice.
	GenerateSpeech(ctx context.Context, text, voice string) ([]byte, error)
}

// CompletionEngine is the full external engine surface.
type CompletionEngine interface {
	ChatGenerator
	SpeechSynthesizer
}

// Collect drains a fragment stream into the concatenated completion text.
// It returns the first error encountered along with whatever text preceded it.
func Collect(fragments <-chan Chunk) (string, error) {
	var text string
	for chunk := range fragments {
		if chunk.Err != nil {
			return text, chunk.Err
		}
		text += chunk.Text
	}
	return text, nil
}
