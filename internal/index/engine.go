// Package index defines the Index Engine contract: idempotent per-document
// upserts keyed by file id, remove-by-file-id, and the two search legs
// (lexical and approximate nearest-neighbor) over the same logical
// collection.
package index

import (
	"context"
	"time"

	"github.com/ksuzuki/vaultsearch/internal/domain"
)

// Document is the unit written to the index engine: lexical fields, an
// optional vector field, and filterable metadata. Exactly one current
// document exists per file id; re-indexing overwrites, never duplicates.
type Document struct {
	FileID         string
	Path           string
	Name           string
	Checksum       string
	Text           string
	TextTruncated  bool
	Embedding      []float32
	EmbeddingModel string
	Size           int64
	ModifiedAt     time.Time
	MediaKind      domain.MediaKind
	Tags           []string
	JobID          string
}

// Hit is one scored result from either search leg.
type Hit struct {
	FileID     string
	Score      float32
	Path       string
	Name       string
	MediaKind  domain.MediaKind
	ModifiedAt time.Time
	Highlight  string
}

// Engine is the index engine contract consumed by the bulk indexer and the
// hybrid search service.
type Engine interface {
	// Upsert writes the single current document for doc.FileID.
	Upsert(ctx context.Context, doc *Document) error

	// Delete removes the document for a file id. Removing an absent
	// document is not an error.
	Delete(ctx context.Context, fileID string) error

	// SearchLexical runs a tokenized text query with pre-filters.
	SearchLexical(ctx context.Context, query string, filters *domain.SearchFilters, limit int) ([]Hit, error)

	// SearchVector runs an approximate nearest-neighbor query restricted
	// to a similarity-score floor, with pre-filters.
	SearchVector(ctx context.Context, vector []float32, filters *domain.SearchFilters, limit int, scoreFloor float32) ([]Hit, error)
}
