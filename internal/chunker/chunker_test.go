package chunker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisync/internal/domain"
)

// fakeEmbedder returns a deterministic vector per sentence: a one-hot-ish
// encoding keyed by the sentence's leading word, so that sentences sharing
// a topic word stay similar and a change of topic drops similarity below
// the default threshold.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectorFor(t)
	}
	return out, nil
}

func (f *fakeEmbedder) vectorFor(text string) []float32 {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "roadmap") || strings.Contains(lower, "q3"):
		return []float32{1, 0, 0}
	case strings.Contains(lower, "weather") || strings.Contains(lower, "rain"):
		return []float32{0, 1, 0}
	default:
		return []float32{0.9, 0.1, 0}
	}
}

type stubSummariser struct {
	text string
	err  error
}

func (s *stubSummariser) Summarise(ctx context.Context, item domain.Item, chunkText string) (string, error) {
	return s.text, s.err
}

func TestSplitSentences_Basic(t *testing.T) {
	text := "This is one. This is two! Is this three? Yes it is."
	sents := SplitSentences(text)
	require.Len(t, sents, 4)
	assert.Equal(t, "This is one.", sents[0])
	assert.Equal(t, "Yes it is.", sents[3])
}

func TestSplitSentences_Newline(t *testing.T) {
	text := "First line\nSecond line"
	sents := SplitSentences(text)
	require.Len(t, sents, 2)
}

func TestSplitSentences_Empty(t *testing.T) {
	assert.Nil(t, SplitSentences(""))
	assert.Nil(t, SplitSentences("   "))
}

func TestSplitSentences_NoFalseBreakOnAbbreviation(t *testing.T) {
	// lowercase letter after the period+space means no sentence boundary.
	text := "See item no. 5 for details."
	sents := SplitSentences(text)
	require.Len(t, sents, 1)
}

func TestChunk_SplitsOnTopicShift(t *testing.T) {
	item := domain.Item{
		ID:     "item-1",
		Source: domain.SourceMail,
		Title:  "Mixed topics",
		Body:   "The Q3 roadmap is on track. The Q3 roadmap ships in October. It will rain tomorrow in Seattle.",
	}
	c := New(&fakeEmbedder{}, &stubSummariser{text: "summary"}, Options{TokenFloor: 1})

	chunks, err := c.Chunk(context.Background(), item)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Contains(t, ch.EnrichedText, "summary")
		assert.NotEmpty(t, ch.RawText)
	}
}

func TestChunk_EmptyBody(t *testing.T) {
	item := domain.Item{ID: "item-1", Body: ""}
	c := New(&fakeEmbedder{}, nil, Options{})

	chunks, err := c.Chunk(context.Background(), item)
	require.NoError(t, err)
	assert.Nil(t, chunks)
}

func TestChunk_EmbedderErrorIsTransient(t *testing.T) {
	item := domain.Item{ID: "item-1", Body: "Some text here. More text follows."}
	c := New(&fakeEmbedder{err: assert.AnError}, nil, Options{})

	_, err := c.Chunk(context.Background(), item)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestChunk_NoSummariserFallsBackToStub(t *testing.T) {
	item := domain.Item{ID: "item-1", Source: domain.SourceDrive, Title: "report.txt", Body: "One sentence here."}
	c := New(&fakeEmbedder{}, nil, Options{TokenFloor: 1})

	chunks, err := c.Chunk(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].EnrichedText, "drive")
	assert.Contains(t, chunks[0].EnrichedText, "report.txt")
}

func TestChunk_SummariserErrorFallsBackToStub(t *testing.T) {
	item := domain.Item{ID: "item-1", Source: domain.SourceDrive, Title: "report.txt", Body: "One sentence here."}
	c := New(&fakeEmbedder{}, &stubSummariser{err: assert.AnError}, Options{TokenFloor: 1})

	chunks, err := c.Chunk(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].EnrichedText, "drive")
}

func TestChunkHierarchical_ProducesMultipleTiers(t *testing.T) {
	body := strings.Repeat("The Q3 roadmap is progressing well this week. ", 60)
	item := domain.Item{ID: "item-1", Source: domain.SourceMail, Title: "Status", Body: body}
	c := New(&fakeEmbedder{}, &stubSummariser{text: "s"}, Options{QualityFloor: 0})

	chunks, err := c.ChunkHierarchical(context.Background(), item)
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
	assert.Greater(t, len(chunks), 1)

	seen := map[string]bool{}
	for _, ch := range chunks {
		h := rawTextHash(ch.RawText)
		assert.False(t, seen[h], "expected no duplicate raw text across tiers")
		seen[h] = true
	}
}

func TestChunkHierarchical_EmptyBody(t *testing.T) {
	item := domain.Item{ID: "item-1", Body: ""}
	c := New(&fakeEmbedder{}, nil, Options{})

	chunks, err := c.ChunkHierarchical(context.Background(), item)
	require.NoError(t, err)
	assert.Nil(t, chunks)
}

func TestQualityScore_PenalisesBelowFloor(t *testing.T) {
	c := New(&fakeEmbedder{}, nil, Options{TokenFloor: 100, TokenCeiling: 400})
	short := c.qualityScore("Hi.", 1)
	mid := c.qualityScore(strings.Repeat("word ", 249)+"Done.", 250)
	assert.Less(t, short, mid)
}

func TestCosineSimilarity_ZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestCosineSimilarity_Identical(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
}

func TestMergeBelowFloor_MergesIntoPrevious(t *testing.T) {
	tok := fakeTokenizer{}
	segments := [][]string{{"aaaa bbbb cccc dddd"}, {"x"}}
	merged := mergeBelowFloor(segments, 3, tok)
	require.Len(t, merged, 1)
}

type fakeTokenizer struct{}

func (fakeTokenizer) Tokenize(text string) []string   { return strings.Fields(text) }
func (fakeTokenizer) Detokenize(tokens []string) string { return strings.Join(tokens, " ") }
