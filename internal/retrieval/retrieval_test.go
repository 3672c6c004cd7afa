package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisync/internal/domain"
	"aisync/internal/vectorindex"
)

type fakeQueryEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeQueryEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{0.1, 0.1, 0.1}
	}
	return out, nil
}

type fakeIndex struct {
	matches []vectorindex.Match
	err     error
}

func (f *fakeIndex) Upsert(ctx context.Context, vectors []vectorindex.Vector) error { return nil }
func (f *fakeIndex) Query(ctx context.Context, vector []float32, filter vectorindex.Filter, topK int) ([]vectorindex.Match, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}
func (f *fakeIndex) DeleteByFilter(ctx context.Context, filter vectorindex.Filter) error { return nil }
func (f *fakeIndex) Dimension() int                                                      { return 3 }
func (f *fakeIndex) Close() error                                                        { return nil }

var _ vectorindex.Index = (*fakeIndex)(nil)

func matchFor(id, text, source string, score float64, receivedAt time.Time) vectorindex.Match {
	return vectorindex.Match{
		ID:    id,
		Score: score,
		Metadata: map[string]string{
			"item_id":     "item-" + id,
			"text":        text,
			"source":      source,
			"received_at": receivedAt.Format(time.RFC3339),
		},
	}
}

func TestSearch_DenseOnlyWhenSparseEmpty(t *testing.T) {
	now := time.Now()
	idx := &fakeIndex{matches: []vectorindex.Match{
		matchFor("1", "the quarterly budget plan for engineering", string(domain.SourceMail), 0.9, now),
		matchFor("2", "a recipe for chocolate cake", string(domain.SourceDrive), 0.4, now),
	}}
	r := New(&fakeQueryEmbedder{}, idx)

	results, err := r.Search(context.Background(), "fiscal outlook", "user-1", Options{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "1", results[0].ChunkID)
}

func TestSearch_BoostsMailAndCalendarOverDrive(t *testing.T) {
	now := time.Now()
	idx := &fakeIndex{matches: []vectorindex.Match{
		matchFor("mail-1", "project roadmap discussion in mail", string(domain.SourceMail), 0.5, now),
		matchFor("drive-1", "project roadmap discussion in drive", string(domain.SourceDrive), 0.5, now),
	}}
	r := New(&fakeQueryEmbedder{}, idx)

	results, err := r.Search(context.Background(), "roadmap", "user-1", Options{K: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)

	var mailScore, driveScore float64
	for _, m := range results {
		if m.ChunkID == "mail-1" {
			mailScore = m.FinalScore
		}
		if m.ChunkID == "drive-1" {
			driveScore = m.FinalScore
		}
	}
	assert.Greater(t, mailScore, driveScore)
}

func TestSearch_RecencyBoostsNewerItem(t *testing.T) {
	now := time.Now()
	idx := &fakeIndex{matches: []vectorindex.Match{
		matchFor("new", "status update on the new project", string(domain.SourceDrive), 0.6, now),
		matchFor("old", "status update on the old project", string(domain.SourceDrive), 0.6, now.Add(-60*24*time.Hour)),
	}}
	r := New(&fakeQueryEmbedder{}, idx)

	results, err := r.Search(context.Background(), "status update", "user-1", Options{K: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)

	scores := map[string]float64{}
	for _, m := range results {
		scores[m.ChunkID] = m.FinalScore
	}
	assert.Greater(t, scores["new"], scores["old"])
}

func TestSearch_DedupesByRawTextPrefix(t *testing.T) {
	now := time.Now()
	idx := &fakeIndex{matches: []vectorindex.Match{
		matchFor("1", "duplicate content appears here", string(domain.SourceMail), 0.8, now),
		matchFor("2", "duplicate content appears here", string(domain.SourceDrive), 0.5, now),
	}}
	r := New(&fakeQueryEmbedder{}, idx)

	results, err := r.Search(context.Background(), "duplicate content", "user-1", Options{K: 5})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_DenseFailureFallsBackToSparseOnly(t *testing.T) {
	idx := &fakeIndex{err: errors.New("index unreachable")}
	r := New(&fakeQueryEmbedder{}, idx)

	results, err := r.Search(context.Background(), "anything", "user-1", Options{K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_BothFail(t *testing.T) {
	idx := &fakeIndex{err: errors.New("index unreachable")}
	r := New(&fakeQueryEmbedder{err: errors.New("embed failed")}, idx)

	_, err := r.Search(context.Background(), "anything", "user-1", Options{K: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestSearch_TopKLimitsResults(t *testing.T) {
	now := time.Now()
	var matches []vectorindex.Match
	for i := 0; i < 5; i++ {
		matches = append(matches, matchFor(string(rune('a'+i)), "content about projects and plans here, part "+string(rune('a'+i)), string(domain.SourceDrive), float64(i)/10, now))
	}
	idx := &fakeIndex{matches: matches}
	r := New(&fakeQueryEmbedder{}, idx)

	results, err := r.Search(context.Background(), "projects", "user-1", Options{K: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRewriteQuery_ProducesVariantsWithSynonym(t *testing.T) {
	variants := rewriteQuery("what is the meeting deadline")
	assert.Contains(t, variants, "what is the meeting deadline")
	assert.Contains(t, variants, "what is the call deadline")
	assert.LessOrEqual(t, len(variants), maxQueryVariants)
}

func TestTokenize_RemovesStopWordsAndShortTokens(t *testing.T) {
	tokens := tokenize("The budget for this and that is due")
	assert.NotContains(t, tokens, "the")
	assert.NotContains(t, tokens, "is")
	assert.Contains(t, tokens, "budget")
}

func TestRawTextHash_TruncatesToTwoHundredChars(t *testing.T) {
	short := "a short string"
	long := short + string(make([]byte, 500))
	assert.NotEqual(t, rawTextHash(short), rawTextHash(long))

	prefix := string(make([]byte, 200))
	assert.Equal(t, rawTextHash(prefix+"tail one"), rawTextHash(prefix+"tail two"))
}
