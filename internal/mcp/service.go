package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sanonone/imagesdb/pkg/clip"
	"github.com/sanonone/imagesdb/pkg/embeddings"
	"github.com/sanonone/imagesdb/pkg/engine"
)

// ErrNoEmbedder is returned by text tools when no embedder is configured.
var ErrNoEmbedder = errors.New("no embedder configured")

type Service struct {
	col      *engine.Collection
	embedder embeddings.Embedder
	searcher *clip.Searcher
}

// NewService binds the tools to a collection. emb may be nil, which
// disables search_images.
func NewService(col *engine.Collection, emb embeddings.Embedder, defaults clip.SearchOptions) *Service {
	s := &Service{col: col, embedder: emb}
	if emb != nil {
		s.searcher = clip.NewSearcher(col, emb)
		if defaults.K > 0 {
			s.searcher.Defaults.K = defaults.K
		}
		if defaults.Threshold != nil {
			s.searcher.Defaults.Threshold = defaults.Threshold
		}
		s.searcher.Defaults.Ef = defaults.Ef
	}
	return s
}

// --- Tool Handlers ---

func (s *Service) SearchImages(ctx context.Context, req *mcp.CallToolRequest, args SearchImagesArgs) (*mcp.CallToolResult, SearchResult, error) {
	if s.searcher == nil {
		return nil, SearchResult{}, ErrNoEmbedder
	}
	res, err := s.searcher.Query(ctx, args.Query, clip.SearchOptions{K: args.Limit, Threshold: args.Threshold})
	if err != nil {
		return nil, SearchResult{}, fmt.Errorf("search failed: %w", err)
	}
	return nil, SearchResult{
		Matches:            toMatches(res.Matches),
		NumVectorsSearched: res.Raw.NumVectorsSearched,
		TimeTakenMillis:    res.Raw.TimeTakenMillis,
	}, nil
}

func (s *Service) SearchVector(ctx context.Context, req *mcp.CallToolRequest, args SearchVectorArgs) (*mcp.CallToolResult, SearchResult, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}
	res, err := s.col.Search(args.Embedding, limit, args.Ef)
	if err != nil {
		return nil, SearchResult{}, err
	}
	return nil, SearchResult{
		Matches:            toMatches(res.Hits),
		NumVectorsSearched: res.NumVectorsSearched,
		TimeTakenMillis:    res.TimeTakenMillis,
	}, nil
}

func (s *Service) GetRecord(ctx context.Context, req *mcp.CallToolRequest, args RecordIDArgs) (*mcp.CallToolResult, RecordResult, error) {
	rec, err := s.col.Get(args.ID)
	if err != nil {
		return nil, RecordResult{}, err
	}
	return nil, RecordResult{ID: rec.ID, Key: rec.Key, Dimensions: len(rec.Embedding)}, nil
}

func (s *Service) RemoveRecord(ctx context.Context, req *mcp.CallToolRequest, args RecordIDArgs) (*mcp.CallToolResult, RemoveResult, error) {
	removed, err := s.col.Remove(ctx, args.ID)
	if err != nil {
		return nil, RemoveResult{}, err
	}
	return nil, RemoveResult{Removed: removed}, nil
}

func (s *Service) Stats(ctx context.Context, req *mcp.CallToolRequest, _ StatsArgs) (*mcp.CallToolResult, StatsResult, error) {
	st := s.col.Stats()
	return nil, StatsResult{
		Count:      st.Count,
		Dimensions: st.Dimensions,
		Metric:     st.Metric,
		Backend:    st.Backend,
		Index:      st.Index.Kind,
		MaxLevel:   st.Index.MaxLevel,
	}, nil
}

func toMatches(hits []engine.Hit) []Match {
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = Match{ID: h.Record.ID, Key: h.Record.Key, Score: h.Score}
	}
	return out
}
