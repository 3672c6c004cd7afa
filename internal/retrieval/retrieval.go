// Package retrieval is the Retrieval (C12) component: hybrid dense+sparse
// search over the Vector Index, per §4.12.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"aisync/internal/domain"
	"aisync/internal/logging"
	"aisync/internal/vectorindex"
)

// Weights and constants from §4.12.
const (
	denseWeight    = 0.7
	sparseWeight   = 0.3
	denseTopK      = 20
	bm25K1         = 1.2
	bm25B          = 0.75
	avgDocLength   = 100.0
	maxBoost       = 2.0
	mailCalBoost   = 1.2
	recencyBoostHalfLife = 7 * 24 * time.Hour
	maxQueryVariants = 3
)

// QueryEmbedder is the narrow embedding surface Retrieval needs to turn a
// query string into a vector.
type QueryEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Match is one ranked result.
type Match struct {
	ChunkID     string
	ItemID      string
	Text        string
	Source      domain.Source
	DenseScore  float64
	SparseScore float64
	FinalScore  float64

	rawText string // the chunk's raw text, the dedup key; not serialised
}

// Options tunes a single Search call.
type Options struct {
	ProjectID      string
	K              int
	MentionedPeople []string // optional caller-supplied context for the person-overlap boost
}

// Retrieval combines dense (Vector Index) and sparse (BM25) search.
type Retrieval struct {
	embedder QueryEmbedder
	index    vectorindex.Index
}

// New builds a Retrieval component.
func New(embedder QueryEmbedder, index vectorindex.Index) *Retrieval {
	return &Retrieval{embedder: embedder, index: index}
}

// Search implements §4.12's five steps. Per its failure semantics: if dense
// search fails, sparse-only results are returned; if sparse fails,
// dense-only; if both fail, an error is returned.
func (r *Retrieval) Search(ctx context.Context, query string, userID string, opts Options) ([]Match, error) {
	log := logging.ForComponent(ctx, "retrieval")
	k := opts.K
	if k <= 0 {
		k = 10
	}

	variants := rewriteQuery(query)

	dense, denseErr := r.denseSearch(ctx, variants, userID, opts.ProjectID)
	if denseErr != nil {
		log.Warn().Err(denseErr).Msg("dense_search_failed")
	}

	sparse, sparseErr := sparseSearch(query, dense)
	if sparseErr != nil {
		log.Warn().Err(sparseErr).Msg("sparse_search_failed")
	}

	if denseErr != nil && sparseErr != nil {
		return nil, fmt.Errorf("%w: both dense and sparse search failed: dense=%v sparse=%v", domain.ErrTransient, denseErr, sparseErr)
	}

	combined := combine(dense, sparse, opts.MentionedPeople)
	combined = dedupeByRawTextHash(combined)

	sort.Slice(combined, func(i, j int) bool { return combined[i].FinalScore > combined[j].FinalScore })
	if len(combined) > k {
		combined = combined[:k]
	}
	return combined, nil
}

// candidate is an internal working type carrying the metadata needed for
// both the sparse pass and the final boost computation.
type candidate struct {
	match    vectorindex.Match
	denseMax float64
}

// denseSearch embeds each query variant, queries the index for each, and
// unions results by chunk id keeping the max cosine score, per step 2.
func (r *Retrieval) denseSearch(ctx context.Context, variants []string, userID, projectID string) (map[string]candidate, error) {
	vectors, err := r.embedder.EmbedBatch(ctx, variants)
	if err != nil {
		return nil, fmt.Errorf("embed query variants: %w", err)
	}

	filter := vectorindex.Filter{"user_id": userID}
	if projectID != "" {
		filter["project_id"] = projectID
	}

	byID := map[string]candidate{}
	for _, vec := range vectors {
		matches, err := r.index.Query(ctx, vec, filter, denseTopK)
		if err != nil {
			return nil, fmt.Errorf("query vector index: %w", err)
		}
		for _, m := range matches {
			existing, ok := byID[m.ID]
			if !ok || m.Score > existing.denseMax {
				byID[m.ID] = candidate{match: m, denseMax: m.Score}
			}
		}
	}
	return byID, nil
}

// sparseSearch scores every dense candidate's enriched text against the
// query using Okapi BM25, with document frequencies computed over the
// candidate set itself (§4.12 step 3). The candidate set is sourced from
// the dense union rather than a full corpus scan: the Vector Index has no
// independent full-text index, so this is the closest approximation that
// still lets a purely-lexical match surface among candidates retrieval
// found by any means.
func sparseSearch(query string, candidates map[string]candidate) (map[string]float64, error) {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(candidates) == 0 {
		return map[string]float64{}, nil
	}

	docTerms := make(map[string][]string, len(candidates))
	docFreq := map[string]int{}
	for id, c := range candidates {
		terms := tokenize(c.match.Metadata["text"])
		docTerms[id] = terms
		seen := map[string]bool{}
		for _, t := range terms {
			if !seen[t] {
				docFreq[t]++
				seen[t] = true
			}
		}
	}
	n := float64(len(candidates))

	scores := map[string]float64{}
	for id, terms := range docTerms {
		dl := float64(len(terms))
		if dl == 0 {
			dl = avgDocLength
		}
		tf := map[string]int{}
		for _, t := range terms {
			tf[t]++
		}
		var score float64
		for _, qt := range queryTerms {
			df := docFreq[qt]
			if df == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
			freq := float64(tf[qt])
			denom := freq + bm25K1*(1-bm25B+bm25B*dl/avgDocLength)
			if denom == 0 {
				continue
			}
			score += idf * (freq * (bm25K1 + 1)) / denom
		}
		scores[id] = score
	}
	return scores, nil
}

// stopWords is a small fixed set; the full lexicon of domain synonyms used
// by rewriteQuery lives alongside it.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "can": true, "her": true, "was": true, "one": true,
	"our": true, "out": true, "day": true, "get": true, "has": true, "him": true,
	"his": true, "how": true, "man": true, "new": true, "now": true, "old": true,
	"see": true, "two": true, "way": true, "who": true, "boy": true, "did": true,
	"its": true, "let": true, "put": true, "say": true, "she": true, "too": true,
	"use": true, "with": true, "that": true, "this": true, "from": true, "what": true,
	"have": true, "will": true, "your": true, "about": true,
}

var nonAlphaRe = regexp.MustCompile(`[^a-z]+`)

// tokenize implements §4.12 step 3's tokenisation: lower-case alphabetic
// tokens longer than 2 characters, stop-words removed.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := nonAlphaRe.Split(lower, -1)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// synonymLexicon is the small domain lexicon rewriteQuery draws alternate
// phrasings from.
var synonymLexicon = map[string]string{
	"roadmap":    "plan",
	"plan":       "roadmap",
	"meeting":    "call",
	"call":       "meeting",
	"deadline":   "due date",
	"doc":        "document",
	"document":   "doc",
	"budget":     "spend",
	"spend":      "budget",
}

var questionWords = []string{"what is", "how does", "why is"}

// rewriteQuery produces up to maxQueryVariants phrasings of query: the
// original, a synonym-substituted variant, and a question-word variant, per
// §4.12 step 1. A non-LLM rewriter is sufficient here: phrasing diversity,
// not semantic understanding, is what widens recall.
func rewriteQuery(query string) []string {
	variants := []string{query}

	words := strings.Fields(query)
	for i, w := range words {
		lower := strings.ToLower(strings.Trim(w, ".,!?"))
		if syn, ok := synonymLexicon[lower]; ok {
			rewritten := make([]string, len(words))
			copy(rewritten, words)
			rewritten[i] = syn
			variants = append(variants, strings.Join(rewritten, " "))
			break
		}
	}

	if len(variants) < maxQueryVariants {
		variants = append(variants, questionWords[0]+" "+query)
	}

	if len(variants) > maxQueryVariants {
		variants = variants[:maxQueryVariants]
	}
	return variants
}

// combine implements §4.12 step 4: weighted linear combination plus
// recency/person/content-type boosts, capped at a 2x total multiplier.
func combine(dense map[string]candidate, sparse map[string]float64, mentionedPeople []string) []Match {
	ids := map[string]bool{}
	for id := range dense {
		ids[id] = true
	}
	for id := range sparse {
		ids[id] = true
	}

	now := time.Now()
	out := make([]Match, 0, len(ids))
	for id := range ids {
		c, hasDense := dense[id]
		sparseScore := sparse[id]
		denseScore := 0.0
		if hasDense {
			denseScore = c.denseMax
		}

		base := denseWeight*clampMax1(denseScore) + sparseWeight*clampMax1(sparseScore)
		boost := boostFor(c.match, mentionedPeople, now)
		final := base * boost

		meta := c.match.Metadata
		out = append(out, Match{
			ChunkID:     id,
			ItemID:      meta["item_id"],
			Text:        meta["text"],
			Source:      domain.Source(meta["source"]),
			DenseScore:  denseScore,
			SparseScore: sparseScore,
			FinalScore:  final,
			rawText:     meta["raw_text"],
		})
	}
	return out
}

func clampMax1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// boostFor computes the combined recency + person-overlap + content-type
// boost, capped at maxBoost.
func boostFor(m vectorindex.Match, mentionedPeople []string, now time.Time) float64 {
	boost := 1.0

	if receivedStr := m.Metadata["received_at"]; receivedStr != "" {
		if t, err := time.Parse(time.RFC3339, receivedStr); err == nil && !t.IsZero() {
			age := now.Sub(t)
			if age < 0 {
				age = 0
			}
			decay := math.Pow(0.5, float64(age)/float64(recencyBoostHalfLife))
			boost *= 1 + 0.3*decay
		}
	}

	if len(mentionedPeople) > 0 {
		text := strings.ToLower(m.Metadata["text"])
		for _, person := range mentionedPeople {
			if person == "" {
				continue
			}
			if strings.Contains(text, strings.ToLower(person)) {
				boost *= 1.15
				break
			}
		}
	}

	switch domain.Source(m.Metadata["source"]) {
	case domain.SourceMail, domain.SourceCalendar:
		boost *= mailCalBoost
	}

	if boost > maxBoost {
		boost = maxBoost
	}
	return boost
}

// dedupeByRawTextHash implements §4.12 step 5: a hash of the first 200
// characters of the chunk's raw text (its enriched text when the index
// metadata carries no raw_text).
func dedupeByRawTextHash(matches []Match) []Match {
	seen := map[string]bool{}
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		key := m.rawText
		if key == "" {
			key = m.Text
		}
		h := rawTextHash(key)
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, m)
	}
	return out
}

func rawTextHash(text string) string {
	prefix := text
	if len(prefix) > 200 {
		prefix = prefix[:200]
	}
	sum := sha256.Sum256([]byte(prefix))
	return hex.EncodeToString(sum[:])
}
