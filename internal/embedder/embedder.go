// Package embedder is the Embedder (C6): turns Chunks into dense vectors
// via the OpenAI embeddings API and upserts them into the Vector Index,
// batching at most 50 chunks per request per §4.6.
package embedder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"aisync/internal/config"
	"aisync/internal/domain"
	"aisync/internal/logging"
	"aisync/internal/vectorindex"
)

// maxBatchSize is the hard ceiling on chunks embedded in a single request.
const maxBatchSize = 50

const defaultModel = "text-embedding-3-small"

// embeddingClient is the narrow embeddings surface the Embedder needs; the
// production implementation wraps the OpenAI SDK, tests inject a fake.
type embeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder batches Embed calls and writes the results straight into
// the Vector Index with the metadata the Retrieval component filters on.
type Embedder struct {
	client embeddingClient
	index  vectorindex.Index
}

// New builds an Embedder backed by the OpenAI SDK and the given Vector
// Index.
func New(cfg config.OpenAIConfig, index vectorindex.Index) *Embedder {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &Embedder{
		client: &openaiEmbeddingClient{sdk: openai.NewClient(opts...), model: model, dimensions: cfg.Dimensions},
		index:  index,
	}
}

// newWithClient is used by this package's tests to inject a fake
// embeddingClient.
func newWithClient(client embeddingClient, index vectorindex.Index) *Embedder {
	return &Embedder{client: client, index: index}
}

// NewForTest builds an Embedder around a caller-supplied embeddingClient
// implementation, for other packages' tests (e.g. the Pipeline's).
func NewForTest(client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}, index vectorindex.Index) *Embedder {
	return &Embedder{client: client, index: index}
}

type openaiEmbeddingClient struct {
	sdk        openai.Client
	model      string
	dimensions int
}

func (c *openaiEmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.model),
	}
	if c.dimensions > 0 {
		params.Dimensions = openai.Int(int64(c.dimensions))
	}
	resp, err := c.sdk.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}
	byIndex := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		if int(d.Index) >= len(byIndex) {
			continue
		}
		byIndex[d.Index] = vec
	}
	return byIndex, nil
}

// EmbedAndStore embeds every chunk (batching at maxBatchSize) and upserts
// the resulting vectors into the Vector Index. Ids are item_id:chunk_index,
// so re-running this for an updated Item is idempotent: old chunk counts
// beyond the new count are left behind and must be swept by the caller via
// DeleteByFilter+re-upsert (the Pipeline does a full delete-then-insert
// per item, per §4.7, so staleness never accumulates here).
func (e *Embedder) EmbedAndStore(ctx context.Context, item domain.Item, chunks []domain.Chunk) error {
	log := logging.ForComponent(ctx, "embedder")
	if len(chunks) == 0 {
		return nil
	}

	vectors := make([]vectorindex.Vector, 0, len(chunks))
	for start := 0; start < len(chunks); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.EnrichedText
		}

		embeddings, err := e.client.Embed(ctx, texts)
		if err != nil {
			log.Warn().Err(err).Str("item_id", item.ID).Int("batch_size", len(batch)).Msg("embed_batch_error")
			return fmt.Errorf("%w: embed batch for item %s: %w", domain.ErrTransient, item.ID, err)
		}
		if len(embeddings) != len(batch) {
			return fmt.Errorf("%w: embedding API returned %d vectors for %d inputs", domain.ErrModel, len(embeddings), len(batch))
		}

		for i, ch := range batch {
			vectors = append(vectors, vectorindex.Vector{
				ID:     embeddingID(item.ID, ch.Index),
				Values: embeddings[i],
				Metadata: map[string]string{
					"user_id":     item.OwnerID,
					"project_id":  item.ProjectID,
					"source":      string(item.Source),
					"item_id":     item.ID,
					"chunk_idx":   strconv.Itoa(ch.Index),
					"text":        ch.EnrichedText,
					"raw_text":    ch.RawText,
					"received_at": item.ReceivedAt.Format(time.RFC3339),
				},
			})
		}
	}

	if err := e.index.Upsert(ctx, vectors); err != nil {
		return fmt.Errorf("%w: upsert embeddings for item %s: %w", domain.ErrTransient, item.ID, err)
	}
	return nil
}

// DeleteItem removes every Embedding belonging to item, per I2: this must
// be called (and succeed) before the Item row itself is deleted.
func (e *Embedder) DeleteItem(ctx context.Context, itemID string) error {
	if err := e.index.DeleteByFilter(ctx, vectorindex.Filter{"item_id": itemID}); err != nil {
		return fmt.Errorf("%w: delete embeddings for item %s: %w", domain.ErrTransient, itemID, err)
	}
	return nil
}

func embeddingID(itemID string, chunkIdx int) string {
	return itemID + ":" + strconv.Itoa(chunkIdx)
}
