package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/vaultsearch/internal/domain"
)

func textArtifact(id, path, text string) domain.ArtifactRecord {
	return domain.ArtifactRecord{
		FileID: id,
		Kind:   domain.TaskKindText,
		Change: domain.ChangeRecord{
			FileID:     id,
			Path:       path,
			Checksum:   "sum-" + id,
			ModifiedAt: time.Now().UTC(),
			Kind:       domain.ChangeKindNew,
			MediaKind:  domain.MediaKindForPath(path),
		},
		Text: &domain.TextArtifact{FileID: id, Text: text},
	}
}

func vectorArtifact(id, path string, dims int) domain.ArtifactRecord {
	return domain.ArtifactRecord{
		FileID: id,
		Kind:   domain.TaskKindVisual,
		Change: domain.ChangeRecord{
			FileID:    id,
			Path:      path,
			Checksum:  "sum-" + id,
			Kind:      domain.ChangeKindNew,
			MediaKind: domain.MediaKindForPath(path),
		},
		Vector: &domain.VectorArtifact{FileID: id, Embedding: make([]float32, dims), Model: "fake-clip"},
	}
}

func TestIndexMergesCompositeArtifacts(t *testing.T) {
	engine := newFakeEngine()
	indexer := NewBulkIndexer(engine, BulkIndexerConfig{BatchSize: 10, Workers: 2})

	artifacts := []domain.ArtifactRecord{
		textArtifact("f-doc", "reports/q3.pdf", "quarterly numbers"),
		vectorArtifact("f-doc", "reports/q3.pdf", 8),
	}
	result, err := indexer.Index(context.Background(), "job-1", artifacts, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	assert.Empty(t, result.DeadLetters)

	doc, ok := engine.doc("f-doc")
	require.True(t, ok)
	assert.Equal(t, "quarterly numbers", doc.Text)
	assert.Len(t, doc.Embedding, 8)
	assert.Equal(t, "job-1", doc.JobID)
	assert.Equal(t, "q3.pdf", doc.Name)
}

func TestIndexIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	indexer := NewBulkIndexer(engine, BulkIndexerConfig{BatchSize: 10, Workers: 1})

	artifacts := []domain.ArtifactRecord{textArtifact("f-1", "a.txt", "v1")}
	_, err := indexer.Index(context.Background(), "job-1", artifacts, nil)
	require.NoError(t, err)

	artifacts[0].Text.Text = "v2"
	result, err := indexer.Index(context.Background(), "job-2", artifacts, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)

	assert.Equal(t, 1, engine.count())
	doc, _ := engine.doc("f-1")
	assert.Equal(t, "v2", doc.Text)
	assert.Equal(t, "job-2", doc.JobID)
}

func TestIndexBisectsPoisonedBatch(t *testing.T) {
	engine := newFakeEngine()
	engine.upsertErr["f-poison"] = errors.New("mapping rejected")
	indexer := NewBulkIndexer(engine, BulkIndexerConfig{BatchSize: 50, Workers: 1, RetryCount: 2})

	var artifacts []domain.ArtifactRecord
	for i := 0; i < 7; i++ {
		artifacts = append(artifacts, textArtifact(fmt.Sprintf("f-%d", i), fmt.Sprintf("%d.txt", i), "body"))
	}
	artifacts = append(artifacts, textArtifact("f-poison", "poison.txt", "body"))

	result, err := indexer.Index(context.Background(), "job-1", artifacts, nil)
	require.NoError(t, err)

	assert.Equal(t, 7, result.Indexed)
	require.Len(t, result.DeadLetters, 1)
	assert.Equal(t, "f-poison", result.DeadLetters[0].FileID)
	assert.Equal(t, "index_upsert", result.DeadLetters[0].Stage)
	assert.Equal(t, 7, engine.count())
}

func TestIndexDeletesRemovedFiles(t *testing.T) {
	engine := newFakeEngine()
	indexer := NewBulkIndexer(engine, BulkIndexerConfig{BatchSize: 10, Workers: 1})

	_, err := indexer.Index(context.Background(), "job-1", []domain.ArtifactRecord{
		textArtifact("f-keep", "keep.txt", "stays"),
		textArtifact("f-drop", "drop.txt", "goes"),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, engine.count())

	result, err := indexer.Index(context.Background(), "job-2", nil, []domain.ChangeRecord{
		{FileID: "f-drop", Path: "drop.txt", Kind: domain.ChangeKindDeleted},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, engine.count())

	_, ok := engine.doc("f-keep")
	assert.True(t, ok)
}

// flakyDeleteEngine fails the first N deletes, then delegates.
type flakyDeleteEngine struct {
	*fakeEngine
	failures int
}

func (e *flakyDeleteEngine) Delete(ctx context.Context, fileID string) error {
	if e.failures > 0 {
		e.failures--
		return errors.New("transient engine blip")
	}
	return e.fakeEngine.Delete(ctx, fileID)
}

func TestIndexRetriesTransientDelete(t *testing.T) {
	engine := &flakyDeleteEngine{fakeEngine: newFakeEngine(), failures: 2}
	indexer := NewBulkIndexer(engine, BulkIndexerConfig{BatchSize: 10, Workers: 1, RetryCount: 3})

	_, err := indexer.Index(context.Background(), "job-1", []domain.ArtifactRecord{
		textArtifact("f-gone", "gone.txt", "body"),
	}, nil)
	require.NoError(t, err)

	result, err := indexer.Index(context.Background(), "job-2", nil, []domain.ChangeRecord{
		{FileID: "f-gone", Path: "gone.txt", Kind: domain.ChangeKindDeleted},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Empty(t, result.DeadLetters)
	assert.Equal(t, 0, engine.count())
}

func TestIndexDeadLettersFailedDelete(t *testing.T) {
	engine := newFakeEngine()
	engine.deleteErr["f-stuck"] = errors.New("index unavailable")
	indexer := NewBulkIndexer(engine, BulkIndexerConfig{BatchSize: 10, Workers: 1})

	result, err := indexer.Index(context.Background(), "job-1", nil, []domain.ChangeRecord{
		{FileID: "f-stuck", Path: "stuck.txt", Kind: domain.ChangeKindDeleted},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Deleted)
	require.Len(t, result.DeadLetters, 1)
	assert.Equal(t, "index_delete", result.DeadLetters[0].Stage)
}
