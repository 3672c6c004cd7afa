package chunker

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"aisync/internal/config"
	"aisync/internal/domain"
)

// openAISentenceEmbedder implements SentenceEmbedder over the OpenAI
// embeddings API, mirroring the embedder package's own openaiEmbeddingClient
// (kept as a separate, smaller client here since the Chunker only ever
// needs batch cosine-similarity vectors for sentences, never the Vector
// Index upsert path).
type openAISentenceEmbedder struct {
	sdk   openai.Client
	model string
}

// NewOpenAISentenceEmbedder builds the production SentenceEmbedder the
// Chunker uses to measure consecutive-sentence similarity, per §4.4.
func NewOpenAISentenceEmbedder(cfg config.OpenAIConfig) SentenceEmbedder {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "text-embedding-3-small"
	}
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &openAISentenceEmbedder{sdk: openai.NewClient(opts...), model: model}
}

func (e *openAISentenceEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.sdk.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// anthropicSummariser implements Summariser over the Anthropic chat-
// completion API: it situates one chunk within the whole item and returns
// a short description, per §4.4. Its absence/failure is handled by the
// Chunker itself via the stub fallback (c.summarise), not here.
type anthropicSummariser struct {
	sdk   anthropic.Client
	model string
}

const summariserMaxTokens = 120

// NewAnthropicSummariser builds the production Summariser the Chunker uses
// for each chunk's contextual summary, per §4.4.
func NewAnthropicSummariser(cfg config.AnthropicConfig) Summariser {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	return &anthropicSummariser{sdk: anthropic.NewClient(opts...), model: model}
}

func (s *anthropicSummariser) Summarise(ctx context.Context, item domain.Item, chunkText string) (string, error) {
	truncated := item.Body
	if len(truncated) > summaryCharBudget {
		truncated = truncated[:summaryCharBudget]
	}
	prompt := fmt.Sprintf(
		"You are given the truncated full text of an item titled %q and one chunk of it. "+
			"In one sentence (<=100 tokens), describe how this chunk fits within the whole item.\n\n"+
			"FULL ITEM:\n%s\n\nCHUNK:\n%s",
		item.Title, truncated, chunkText,
	)
	resp, err := s.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: summariserMaxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", fmt.Errorf("%w: summarise chunk for item %s: %v", domain.ErrModel, item.ID, err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
