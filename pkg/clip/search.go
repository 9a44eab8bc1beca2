package clip

import (
	"context"
	"strings"

	"github.com/sanonone/imagesdb/pkg/embeddings"
	"github.com/sanonone/imagesdb/pkg/engine"
)

// SearchOptions tunes a text query. Zero K and Ef and a nil Threshold take
// the defaults; a zero Threshold keeps exact matches only.
type SearchOptions struct {
	K         int
	Ef        int
	Threshold *float64
}

// Threshold returns a pointer to d for SearchOptions.Threshold.
func Threshold(d float64) *float64 { return &d }

// TextSearchResult holds the hits within the threshold and the raw result
// they were filtered from.
type TextSearchResult struct {
	Query   string             `json:"query"`
	Matches []engine.Hit       `json:"matches"`
	Raw     engine.QueryResult `json:"raw"`
}

// Searcher runs free-text queries over indexed images.
type Searcher struct {
	Collection Collection
	Embedder   embeddings.Embedder
	Defaults   SearchOptions
}

// NewSearcher returns a Searcher with DefaultTopK and DefaultThreshold as its
// defaults.
func NewSearcher(col Collection, emb embeddings.Embedder) *Searcher {
	return &Searcher{
		Collection: col,
		Embedder:   emb,
		Defaults:   SearchOptions{K: DefaultTopK, Threshold: Threshold(DefaultThreshold)},
	}
}

// Query embeds the lowercased text and keeps hits with score <= threshold.
// Scores are distances, so lower means closer.
func (s *Searcher) Query(ctx context.Context, text string, opts SearchOptions) (TextSearchResult, error) {
	if opts.K <= 0 {
		opts.K = s.Defaults.K
	}
	if opts.K <= 0 {
		opts.K = DefaultTopK
	}
	limit := DefaultThreshold
	switch {
	case opts.Threshold != nil:
		limit = *opts.Threshold
	case s.Defaults.Threshold != nil:
		limit = *s.Defaults.Threshold
	}
	if opts.Ef == 0 {
		opts.Ef = s.Defaults.Ef
	}

	q := strings.ToLower(strings.TrimSpace(text))
	vec, err := s.Embedder.EmbedText(ctx, q)
	if err != nil {
		return TextSearchResult{}, err
	}
	raw, err := s.Collection.Search(vec, opts.K, opts.Ef)
	if err != nil {
		return TextSearchResult{}, err
	}

	matches := make([]engine.Hit, 0, len(raw.Hits))
	for _, h := range raw.Hits {
		if h.Score <= limit {
			matches = append(matches, h)
		}
	}
	return TextSearchResult{Query: q, Matches: matches, Raw: raw}, nil
}
