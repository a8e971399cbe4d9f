package service

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/index"
	"github.com/ksuzuki/vaultsearch/internal/logger"
)

// IndexResult aggregates one bulk-indexing round.
type IndexResult struct {
	Indexed     int
	Deleted     int
	DeadLetters []domain.FailedFile
}

// BulkIndexerConfig tunes batch size and parallelism.
type BulkIndexerConfig struct {
	BatchSize  int
	Workers    int
	RetryCount int
}

// BulkIndexer groups extraction artifacts per file, assembles index
// documents, and writes them in parallel batches. A failing batch is
// bisected so one poisoned document cannot sink its batch mates; documents
// that keep failing alone are dead-lettered.
type BulkIndexer struct {
	engine index.Engine
	cfg    BulkIndexerConfig
}

// NewBulkIndexer creates a bulk indexer over the given search engine.
func NewBulkIndexer(engine index.Engine, cfg BulkIndexerConfig) *BulkIndexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	return &BulkIndexer{engine: engine, cfg: cfg}
}

// Index upserts documents assembled from artifacts and removes documents for
// deleted change records. Upserts are idempotent: re-indexing the same file
// id overwrites rather than duplicates.
func (b *BulkIndexer) Index(ctx context.Context, jobID string, artifacts []domain.ArtifactRecord, deleted []domain.ChangeRecord) (*IndexResult, error) {
	started := time.Now()
	result := &IndexResult{}

	docs := assembleDocuments(jobID, artifacts)
	batches := splitBatches(docs, b.cfg.BatchSize)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			indexed, failed := b.writeBatch(gctx, batch)
			mu.Lock()
			result.Indexed += indexed
			result.DeadLetters = append(result.DeadLetters, failed...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("bulk index: %w", err)
	}

	for _, rec := range deleted {
		if err := b.deleteWithRetry(ctx, rec.FileID); err != nil {
			logger.CtxError(ctx, "delete file %s from index: %v", rec.FileID, err)
			result.DeadLetters = append(result.DeadLetters, domain.FailedFile{
				FileID: rec.FileID,
				Path:   rec.Path,
				Stage:  "index_delete",
				Reason: err.Error(),
			})
			continue
		}
		result.Deleted++
	}

	sort.Slice(result.DeadLetters, func(i, j int) bool {
		return result.DeadLetters[i].FileID < result.DeadLetters[j].FileID
	})

	logger.With(logger.Fields{
		logger.FieldJobID:      jobID,
		logger.FieldDurationMs: time.Since(started).Milliseconds(),
		"indexed":              result.Indexed,
		"deleted":              result.Deleted,
		"dead_letters":         len(result.DeadLetters),
	}).Info(ctx, "bulk indexing complete")
	return result, nil
}

// assembleDocuments merges per-file artifacts into one index document each.
// For composite files the text and vector artifacts arrive as separate
// records under the same file id.
func assembleDocuments(jobID string, artifacts []domain.ArtifactRecord) []*index.Document {
	byFile := make(map[string]*index.Document)
	order := make([]string, 0, len(artifacts))

	for _, a := range artifacts {
		doc, ok := byFile[a.FileID]
		if !ok {
			doc = &index.Document{
				FileID:     a.FileID,
				Path:       a.Change.Path,
				Name:       path.Base(a.Change.Path),
				Checksum:   a.Change.Checksum,
				Size:       a.Change.Size,
				ModifiedAt: a.Change.ModifiedAt,
				MediaKind:  a.Change.MediaKind,
				JobID:      jobID,
			}
			byFile[a.FileID] = doc
			order = append(order, a.FileID)
		}
		if a.Text != nil {
			doc.Text = a.Text.Text
			doc.TextTruncated = a.Text.Truncated
		}
		if a.Vector != nil {
			doc.Embedding = a.Vector.Embedding
			doc.EmbeddingModel = a.Vector.Model
		}
	}

	docs := make([]*index.Document, 0, len(order))
	for _, id := range order {
		docs = append(docs, byFile[id])
	}
	return docs
}

func splitBatches(docs []*index.Document, size int) [][]*index.Document {
	var batches [][]*index.Document
	for start := 0; start < len(docs); start += size {
		end := start + size
		if end > len(docs) {
			end = len(docs)
		}
		batches = append(batches, docs[start:end])
	}
	return batches
}

// writeBatch upserts a batch, bisecting on failure until the failing
// documents are isolated.
func (b *BulkIndexer) writeBatch(ctx context.Context, batch []*index.Document) (int, []domain.FailedFile) {
	if len(batch) == 0 {
		return 0, nil
	}
	if len(batch) == 1 {
		doc := batch[0]
		if err := b.upsertWithRetry(ctx, doc); err != nil {
			return 0, []domain.FailedFile{{
				FileID: doc.FileID,
				Path:   doc.Path,
				Stage:  "index_upsert",
				Reason: err.Error(),
			}}
		}
		return 1, nil
	}

	if err := b.upsertAll(ctx, batch); err == nil {
		return len(batch), nil
	}

	mid := len(batch) / 2
	leftIndexed, leftFailed := b.writeBatch(ctx, batch[:mid])
	rightIndexed, rightFailed := b.writeBatch(ctx, batch[mid:])
	return leftIndexed + rightIndexed, append(leftFailed, rightFailed...)
}

func (b *BulkIndexer) upsertAll(ctx context.Context, batch []*index.Document) error {
	for _, doc := range batch {
		if err := b.engine.Upsert(ctx, doc); err != nil {
			return fmt.Errorf("upsert %s: %w", doc.FileID, err)
		}
	}
	return nil
}

// deleteWithRetry gives deletions the same per-document retry budget as
// upserts, so a transient engine blip does not permanently dead-letter a
// removal.
func (b *BulkIndexer) deleteWithRetry(ctx context.Context, fileID string) error {
	var lastErr error
	for attempt := 0; attempt < b.cfg.RetryCount; attempt++ {
		err := b.engine.Delete(ctx, fileID)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (b *BulkIndexer) upsertWithRetry(ctx context.Context, doc *index.Document) error {
	var lastErr error
	for attempt := 0; attempt < b.cfg.RetryCount; attempt++ {
		err := b.engine.Upsert(ctx, doc)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
