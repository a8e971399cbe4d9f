package index

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/repository"
)

// Lexical field weights. A query term hitting the file name matters more
// than one buried in extracted text.
const (
	nameWeight = 3.0
	pathWeight = 2.0
	textWeight = 1.0

	candidateMultiplier = 4
	highlightRunes      = 80
)

// CompositeEngine implements Engine over the metadata store (lexical leg)
// and Qdrant (vector leg). The two legs share the file id as upsert key, so
// each per-document write is independently idempotent.
type CompositeEngine struct {
	files  *repository.FileRepository
	qdrant *repository.QdrantRepository
}

// NewCompositeEngine creates the composite index engine.
// Parameters:
//   - files: metadata/lexical repository.
//   - qdrant: vector repository.
// Returns:
//   - *CompositeEngine: initialized engine.
func NewCompositeEngine(files *repository.FileRepository, qdrant *repository.QdrantRepository) *CompositeEngine {
	return &CompositeEngine{files: files, qdrant: qdrant}
}

// Upsert writes the vector point first, then commits the metadata row. The
// row is the committed baseline, so it must not exist for a file whose
// vector write failed.
func (e *CompositeEngine) Upsert(ctx context.Context, doc *Document) error {
	if len(doc.Embedding) > 0 {
		payload := &repository.FilePayload{
			FileID:     doc.FileID,
			Path:       doc.Path,
			Name:       doc.Name,
			MediaKind:  string(doc.MediaKind),
			ModifiedAt: doc.ModifiedAt.Unix(),
		}
		if err := e.qdrant.Upsert(ctx, doc.FileID, doc.Embedding, payload); err != nil {
			return fmt.Errorf("vector upsert failed: %w", err)
		}
	}

	row := &domain.VaultFile{
		FileID:         doc.FileID,
		Path:           doc.Path,
		Name:           doc.Name,
		Checksum:       doc.Checksum,
		Size:           doc.Size,
		ModifiedAt:     doc.ModifiedAt,
		MediaKind:      doc.MediaKind,
		ExtractedText:  doc.Text,
		TextTruncated:  doc.TextTruncated,
		EmbeddingModel: doc.EmbeddingModel,
		Tags:           doc.Tags,
		Status:         domain.FileStatusIndexed,
		LastJobID:      doc.JobID,
	}
	if err := e.files.Upsert(ctx, row); err != nil {
		return fmt.Errorf("metadata upsert failed: %w", err)
	}
	return nil
}

// Delete removes both legs for a file id.
func (e *CompositeEngine) Delete(ctx context.Context, fileID string) error {
	if err := e.qdrant.Delete(ctx, fileID); err != nil {
		return fmt.Errorf("vector delete failed: %w", err)
	}
	if err := e.files.Delete(ctx, fileID); err != nil {
		return fmt.Errorf("metadata delete failed: %w", err)
	}
	return nil
}

// SearchLexical tokenizes the query, fetches candidate rows with the
// filters pushed into the WHERE clause, and scores them by weighted term
// frequency.
func (e *CompositeEngine) SearchLexical(ctx context.Context, query string, filters *domain.SearchFilters, limit int) ([]Hit, error) {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return []Hit{}, nil
	}

	files, err := e.files.FindMatching(ctx, terms, filters, limit*candidateMultiplier)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(files))
	for _, f := range files {
		score, highlight := scoreLexical(&f, terms)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{
			FileID:     f.FileID,
			Score:      score,
			Path:       f.Path,
			Name:       f.Name,
			MediaKind:  f.MediaKind,
			ModifiedAt: f.ModifiedAt,
			Highlight:  highlight,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ModifiedAt.After(hits[j].ModifiedAt)
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// SearchVector delegates to the Qdrant leg.
func (e *CompositeEngine) SearchVector(ctx context.Context, vector []float32, filters *domain.SearchFilters, limit int, scoreFloor float32) ([]Hit, error) {
	vhits, err := e.qdrant.Search(ctx, vector, limit, scoreFloor, filters)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, len(vhits))
	for i, vh := range vhits {
		hits[i] = Hit{
			FileID:     vh.FileID,
			Score:      vh.Score,
			Path:       vh.Path,
			Name:       vh.Name,
			MediaKind:  domain.MediaKind(vh.MediaKind),
			ModifiedAt: vh.ModifiedAt,
		}
	}
	return hits, nil
}

// Tokenize lowercases and splits a query into terms, dropping empties.
func Tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

func scoreLexical(f *domain.VaultFile, terms []string) (float32, string) {
	name := strings.ToLower(f.Name)
	path := strings.ToLower(f.Path)
	text := strings.ToLower(f.ExtractedText)

	var score float64
	highlight := ""
	for _, term := range terms {
		score += nameWeight * float64(strings.Count(name, term))
		score += pathWeight * float64(strings.Count(path, term))
		if n := strings.Count(text, term); n > 0 {
			score += textWeight * float64(n)
			if highlight == "" {
				highlight = snippetAround(f.ExtractedText, term)
			}
		}
	}
	return float32(score), highlight
}

// snippetAround returns a short window of the original text centered on the
// first occurrence of term.
func snippetAround(text, term string) string {
	idx := strings.Index(strings.ToLower(text), term)
	if idx < 0 {
		return ""
	}

	runes := []rune(text)
	// Convert the byte index into a rune index
	runeIdx := len([]rune(text[:idx]))

	start := runeIdx - highlightRunes/2
	if start < 0 {
		start = 0
	}
	end := start + highlightRunes
	if end > len(runes) {
		end = len(runes)
	}
	return strings.TrimSpace(string(runes[start:end]))
}

var _ Engine = (*CompositeEngine)(nil)
