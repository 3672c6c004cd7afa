package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisync/internal/domain"
	"aisync/internal/vectorindex"
)

type fakeEmbedClient struct {
	calls      int
	batchSizes []int
	err        error
	dim        int
}

func (f *fakeEmbedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.batchSizes = append(f.batchSizes, len(texts))
	if f.err != nil {
		return nil, f.err
	}
	dim := f.dim
	if dim == 0 {
		dim = 3
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, dim)
		out[i][0] = float32(i + 1)
	}
	return out, nil
}

type fakeIndex struct {
	upserted []vectorindex.Vector
	deleted  []vectorindex.Filter
	err      error
}

func (f *fakeIndex) Upsert(ctx context.Context, vectors []vectorindex.Vector) error {
	if f.err != nil {
		return f.err
	}
	f.upserted = append(f.upserted, vectors...)
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, vector []float32, filter vectorindex.Filter, k int) ([]vectorindex.Match, error) {
	return nil, nil
}

func (f *fakeIndex) DeleteByFilter(ctx context.Context, filter vectorindex.Filter) error {
	f.deleted = append(f.deleted, filter)
	return nil
}

func (f *fakeIndex) Dimension() int { return 3 }
func (f *fakeIndex) Close() error   { return nil }

func testChunks(n int) []domain.Chunk {
	chunks := make([]domain.Chunk, n)
	for i := range chunks {
		chunks[i] = domain.Chunk{Index: i, RawText: "raw", EnrichedText: "enriched"}
	}
	return chunks
}

func TestEmbedAndStore_SingleBatch(t *testing.T) {
	client := &fakeEmbedClient{}
	index := &fakeIndex{}
	e := newWithClient(client, index)

	item := domain.Item{ID: "item-1", OwnerID: "user-1", ProjectID: "proj-1", Source: domain.SourceMail}
	err := e.EmbedAndStore(context.Background(), item, testChunks(5))
	require.NoError(t, err)

	assert.Equal(t, 1, client.calls)
	require.Len(t, index.upserted, 5)
	assert.Equal(t, "item-1:0", index.upserted[0].ID)
	assert.Equal(t, "user-1", index.upserted[0].Metadata["user_id"])
	assert.Equal(t, "proj-1", index.upserted[0].Metadata["project_id"])
	assert.Equal(t, "raw", index.upserted[0].Metadata["raw_text"])
}

func TestEmbedAndStore_SplitsAcrossBatches(t *testing.T) {
	client := &fakeEmbedClient{}
	index := &fakeIndex{}
	e := newWithClient(client, index)

	item := domain.Item{ID: "item-1"}
	err := e.EmbedAndStore(context.Background(), item, testChunks(120))
	require.NoError(t, err)

	assert.Equal(t, 3, client.calls)
	assert.Equal(t, []int{50, 50, 20}, client.batchSizes)
	assert.Len(t, index.upserted, 120)
}

func TestEmbedAndStore_EmptyChunks(t *testing.T) {
	client := &fakeEmbedClient{}
	index := &fakeIndex{}
	e := newWithClient(client, index)

	err := e.EmbedAndStore(context.Background(), domain.Item{ID: "item-1"}, nil)
	require.NoError(t, err)
	assert.Zero(t, client.calls)
}

func TestEmbedAndStore_ClientErrorIsTransient(t *testing.T) {
	client := &fakeEmbedClient{err: assert.AnError}
	index := &fakeIndex{}
	e := newWithClient(client, index)

	err := e.EmbedAndStore(context.Background(), domain.Item{ID: "item-1"}, testChunks(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestEmbedAndStore_UpsertErrorIsTransient(t *testing.T) {
	client := &fakeEmbedClient{}
	index := &fakeIndex{err: assert.AnError}
	e := newWithClient(client, index)

	err := e.EmbedAndStore(context.Background(), domain.Item{ID: "item-1"}, testChunks(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestDeleteItem(t *testing.T) {
	index := &fakeIndex{}
	e := newWithClient(&fakeEmbedClient{}, index)

	err := e.DeleteItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.Len(t, index.deleted, 1)
	assert.Equal(t, "item-1", index.deleted[0]["item_id"])
}
