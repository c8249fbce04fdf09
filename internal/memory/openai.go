package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const summarizeInstruction = "Summarize the following conversation notes into a short paragraph of salient facts. Keep names, preferences, and open topics. Answer with the summary only."

// OpenAIRecall implements Recall with OpenAI embeddings for ranking and a
// chat completion for summarization.
type OpenAIRecall struct {
	client         *openai.Client
	embeddingModel openai.EmbeddingModel
	chatModel      string
}

// RecallConfig configures OpenAIRecall.
type RecallConfig struct {
	APIKey         string
	EmbeddingModel string
	ChatModel      string
	BaseURL        string
}

// NewOpenAIRecall creates a recall backend.
func NewOpenAIRecall(cfg RecallConfig) (*OpenAIRecall, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("memory: API key is required")
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIRecall{
		client:         openai.NewClientWithConfig(clientCfg),
		embeddingModel: openai.EmbeddingModel(cfg.EmbeddingModel),
		chatModel:      cfg.ChatModel,
	}, nil
}

// Embed implements Recall.
func (r *OpenAIRecall) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := r.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: r.embeddingModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("memory: embedding response was empty")
	}
	return resp.Data[0].Embedding, nil
}

// FetchRelevant implements Recall with cosine-similarity ranking.
func (r *OpenAIRecall) FetchRelevant(_ context.Context, vector []float32, history []Entry, k int) ([]Entry, error) {
	return RankBySimilarity(vector, history, k), nil
}

// Summarize implements Recall.
func (r *OpenAIRecall) Summarize(ctx context.Context, entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s (%s): %s\n", e.Speaker, e.Timestring, e.Message)
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizeInstruction},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("memory: summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("memory: summarize returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
