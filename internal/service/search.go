package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ksuzuki/vaultsearch/internal/cache"
	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/index"
	"github.com/ksuzuki/vaultsearch/internal/logger"
)

var (
	// ErrInvalidQuery is returned for requests with no usable query input
	// or malformed filters.
	ErrInvalidQuery = errors.New("invalid search query")
	// ErrSearchBackend wraps engine failures so handlers can map them to a
	// distinct status code.
	ErrSearchBackend = errors.New("search backend unavailable")
)

// SearchMode selects which retrieval legs run.
type SearchMode string

const (
	SearchModeLexical SearchMode = "lexical"
	SearchModeVector  SearchMode = "vector"
	SearchModeHybrid  SearchMode = "hybrid"
)

// SearchRequest is one search invocation.
type SearchRequest struct {
	Query     string                `json:"query"`
	ImageData []byte                `json:"image_data,omitempty"`
	Mode      SearchMode            `json:"mode,omitempty"`
	Filters   *domain.SearchFilters `json:"filters,omitempty"`
	Limit     int                   `json:"limit,omitempty"`
	Offset    int                   `json:"offset,omitempty"`
	// LexicalWeight overrides the configured fusion weight; it is the
	// lexical share in [0,1], the vector share is its complement.
	LexicalWeight *float64 `json:"lexical_weight,omitempty"`
}

// SearchResult is one fused hit.
type SearchResult struct {
	FileID     string           `json:"file_id"`
	Path       string           `json:"path"`
	Name       string           `json:"name"`
	Score      float64          `json:"score"`
	MediaKind  domain.MediaKind `json:"media_kind"`
	ModifiedAt time.Time        `json:"modified_at"`
	Highlight  string           `json:"highlight,omitempty"`
}

// SearchResponse is the full answer for one request. Total is the fused
// result count before pagination, so it is stable across pages.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Mode    SearchMode     `json:"mode"`
	Cached  bool           `json:"cached"`
}

// SearchConfig tunes fusion and result limits.
type SearchConfig struct {
	FusionWeight float64
	ScoreFloor   float32
	DefaultLimit int
	MaxLimit     int
}

// SearchService answers hybrid queries by fusing a lexical leg over the
// metadata index with a vector leg over the dense index. Identical requests
// within the cache TTL are answered from the result cache without touching
// either engine leg.
type SearchService struct {
	engine  index.Engine
	encoder VisualEncoder
	queries *cache.QueryCache
	cfg     SearchConfig
}

// NewSearchService creates the hybrid search service. The query cache is
// optional; pass nil to disable result caching.
func NewSearchService(engine index.Engine, encoder VisualEncoder, queries *cache.QueryCache, cfg SearchConfig) *SearchService {
	if cfg.FusionWeight <= 0 || cfg.FusionWeight > 1 {
		cfg.FusionWeight = 0.5
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	return &SearchService{engine: engine, encoder: encoder, queries: queries, cfg: cfg}
}

// Search validates, normalizes, and answers one request.
func (s *SearchService) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if err := s.normalize(req); err != nil {
		return nil, err
	}

	if s.queries != nil {
		key := cache.QueryFingerprint(req)
		if cached, ok := cache.GetResponse[SearchResponse](s.queries, key); ok {
			cached.Cached = true
			logger.CtxDebug(ctx, "search answered from result cache")
			return cached, nil
		}
		resp, err := s.execute(ctx, req)
		if err != nil {
			return nil, err
		}
		cache.SetResponse(s.queries, key, resp)
		return resp, nil
	}

	return s.execute(ctx, req)
}

// normalize validates the request and applies defaults in place, so the
// cache fingerprint covers the effective parameters.
func (s *SearchService) normalize(req *SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" && len(req.ImageData) == 0 {
		return fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	if req.Mode == "" {
		req.Mode = SearchModeHybrid
	}
	switch req.Mode {
	case SearchModeLexical, SearchModeVector, SearchModeHybrid:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidQuery, req.Mode)
	}
	if req.Mode == SearchModeLexical && req.Query == "" {
		return fmt.Errorf("%w: lexical mode requires a text query", ErrInvalidQuery)
	}
	if req.Limit <= 0 {
		req.Limit = s.cfg.DefaultLimit
	}
	if req.Limit > s.cfg.MaxLimit {
		req.Limit = s.cfg.MaxLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	if req.LexicalWeight != nil && (*req.LexicalWeight < 0 || *req.LexicalWeight > 1) {
		return fmt.Errorf("%w: lexical weight %v outside [0,1]", ErrInvalidQuery, *req.LexicalWeight)
	}
	if req.Filters != nil && req.Filters.ModifiedAfter != nil && req.Filters.ModifiedBefore != nil &&
		req.Filters.ModifiedAfter.After(*req.Filters.ModifiedBefore) {
		return fmt.Errorf("%w: modified_after is later than modified_before", ErrInvalidQuery)
	}
	return nil
}

func (s *SearchService) execute(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	started := time.Now()

	// The candidate depth must not depend on the requested page, or the
	// fused total would drift between pages of the same query.
	candidates := s.cfg.MaxLimit
	if req.Offset+req.Limit > candidates {
		candidates = req.Offset + req.Limit
	}

	var lexical, vector []index.Hit
	var err error

	if req.Mode != SearchModeVector && req.Query != "" {
		lexical, err = s.engine.SearchLexical(ctx, req.Query, req.Filters, candidates)
		if err != nil {
			return nil, fmt.Errorf("%w: lexical leg: %v", ErrSearchBackend, err)
		}
	}

	if req.Mode != SearchModeLexical {
		queryVector, err := s.queryVector(ctx, req)
		if err != nil {
			return nil, err
		}
		if queryVector != nil {
			vector, err = s.engine.SearchVector(ctx, queryVector, req.Filters, candidates, s.cfg.ScoreFloor)
			if err != nil {
				return nil, fmt.Errorf("%w: vector leg: %v", ErrSearchBackend, err)
			}
		}
	}

	weight := s.cfg.FusionWeight
	if req.LexicalWeight != nil {
		weight = *req.LexicalWeight
	}
	fused := fuseHits(lexical, vector, weight)
	total := len(fused)

	if req.Offset >= len(fused) {
		fused = nil
	} else {
		fused = fused[req.Offset:]
	}
	if len(fused) > req.Limit {
		fused = fused[:req.Limit]
	}

	resp := &SearchResponse{
		Results: fused,
		Total:   total,
		Mode:    req.Mode,
	}
	if resp.Results == nil {
		resp.Results = []SearchResult{}
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(started).Milliseconds(),
		logger.FieldCount:      len(resp.Results),
		"mode":                 string(req.Mode),
	}).Info(ctx, "search executed")
	return resp, nil
}

// queryVector resolves the dense query vector: an image query is embedded
// directly, a text query goes through the multimodal encoder.
func (s *SearchService) queryVector(ctx context.Context, req *SearchRequest) ([]float32, error) {
	if s.encoder == nil {
		return nil, nil
	}
	if len(req.ImageData) > 0 {
		artifact, err := s.encoder.EncodeImage(ctx, "query", req.ImageData)
		if err != nil {
			return nil, fmt.Errorf("%w: embed image query: %v", ErrInvalidQuery, err)
		}
		return artifact.Embedding, nil
	}
	vector, err := s.encoder.EncodeText(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed text query: %v", ErrSearchBackend, err)
	}
	return vector, nil
}

// fuseHits merges the two legs: each leg's scores are min-max normalized to
// [0,1] independently, then combined as a weighted sum where weight is the
// lexical share. A file present in only one leg contributes zero for the
// missing leg. Ties break by most recent modification, then by file id.
func fuseHits(lexical, vector []index.Hit, weight float64) []SearchResult {
	lexScores := normalizeScores(lexical)
	vecScores := normalizeScores(vector)

	merged := make(map[string]*SearchResult)
	add := func(hits []index.Hit, scores map[string]float64, share float64) {
		for _, h := range hits {
			r, ok := merged[h.FileID]
			if !ok {
				r = &SearchResult{
					FileID:     h.FileID,
					Path:       h.Path,
					Name:       h.Name,
					MediaKind:  h.MediaKind,
					ModifiedAt: h.ModifiedAt,
				}
				merged[h.FileID] = r
			}
			if r.Highlight == "" && h.Highlight != "" {
				r.Highlight = h.Highlight
			}
			r.Score += share * scores[h.FileID]
		}
	}
	add(lexical, lexScores, weight)
	add(vector, vecScores, 1-weight)

	results := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].ModifiedAt.Equal(results[j].ModifiedAt) {
			return results[i].ModifiedAt.After(results[j].ModifiedAt)
		}
		return results[i].FileID < results[j].FileID
	})
	return results
}

// normalizeScores min-max normalizes one leg's raw scores to [0,1]. A leg
// with a single hit, or with all-equal scores, normalizes to 1.0.
func normalizeScores(hits []index.Hit) map[string]float64 {
	scores := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return scores
	}
	min, max := float64(hits[0].Score), float64(hits[0].Score)
	for _, h := range hits[1:] {
		s := float64(h.Score)
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	for _, h := range hits {
		if max == min {
			scores[h.FileID] = 1.0
			continue
		}
		scores[h.FileID] = (float64(h.Score) - min) / (max - min)
	}
	return scores
}
