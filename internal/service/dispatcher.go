package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/logger"
	"github.com/ksuzuki/vaultsearch/internal/storage"
	"github.com/ksuzuki/vaultsearch/internal/vault"
)

// DispatchResult aggregates a fan-out round: the artifacts produced by the
// worker pools and the files permanently excluded after exhausting retries.
// The two slices are disjoint by file id: a file with any dead-lettered task
// fails as a whole, its sibling artifacts never reach the indexer.
type DispatchResult struct {
	Artifacts   []domain.ArtifactRecord
	DeadLetters []domain.FailedFile
}

// DispatcherConfig tunes the fan-out stage. DrainGrace bounds how long a
// cancelled round waits for in-flight tasks before abandoning them.
type DispatcherConfig struct {
	TextWorkers    int
	VisualWorkers  int
	QueueSize      int
	RetryCount     int
	RetryBaseDelay time.Duration
	DrainGrace     time.Duration
}

// Dispatcher fans extraction work out to two bounded worker pools, one for
// text extraction and one for visual-feature extraction. A composite file is
// submitted to both pools. Results flow back over a single channel read by
// the dispatching goroutine only.
type Dispatcher struct {
	extractor TextExtractor
	encoder   VisualEncoder
	store     storage.ObjectStorage
	cfg       DispatcherConfig
}

// NewDispatcher creates a dispatcher over the given extraction backends.
func NewDispatcher(extractor TextExtractor, encoder VisualEncoder, store storage.ObjectStorage, cfg DispatcherConfig) *Dispatcher {
	if cfg.TextWorkers <= 0 {
		cfg.TextWorkers = 4
	}
	if cfg.VisualWorkers <= 0 {
		cfg.VisualWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 10 * time.Second
	}
	return &Dispatcher{extractor: extractor, encoder: encoder, store: store, cfg: cfg}
}

// taskOutcome is the fan-in unit: exactly one per submitted task.
type taskOutcome struct {
	artifact *domain.ArtifactRecord
	failed   *domain.FailedFile
}

// Dispatch runs extraction for every new or updated change record and
// collects the outcomes. One file's failure never aborts the round: the file
// is retried with exponential backoff and dead-lettered when retries are
// exhausted. On context cancellation no further tasks are submitted;
// in-flight tasks may finish within the drain grace period, anything still
// running after that is abandoned, and the partial result is returned
// together with the context error.
func (d *Dispatcher) Dispatch(ctx context.Context, session vault.Session, changes []domain.ChangeRecord) (*DispatchResult, error) {
	tasks := buildTasks(changes)
	result := &DispatchResult{}
	if len(tasks) == 0 {
		return result, nil
	}

	textPool, err := ants.NewPool(d.cfg.TextWorkers)
	if err != nil {
		return nil, fmt.Errorf("create text worker pool: %w", err)
	}
	defer textPool.Release()

	visualPool, err := ants.NewPool(d.cfg.VisualWorkers)
	if err != nil {
		return nil, fmt.Errorf("create visual worker pool: %w", err)
	}
	defer visualPool.Release()

	outcomes := make(chan taskOutcome, d.cfg.QueueSize)

	// Single consumer: outcomes are read here and nowhere else. The partial
	// result is mutex-guarded so an abandoned drain can snapshot it while
	// stragglers are still reporting.
	var mu sync.Mutex
	partial := &DispatchResult{}
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for outcome := range outcomes {
			mu.Lock()
			if outcome.artifact != nil {
				partial.Artifacts = append(partial.Artifacts, *outcome.artifact)
			}
			if outcome.failed != nil {
				partial.DeadLetters = append(partial.DeadLetters, *outcome.failed)
			}
			mu.Unlock()
		}
	}()

	var wg sync.WaitGroup
	submitted := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		task := task
		pool := textPool
		if task.Kind == domain.TaskKindVisual {
			pool = visualPool
		}
		wg.Add(1)
		submitted++
		if err := pool.Submit(func() {
			defer wg.Done()
			outcomes <- d.runTask(ctx, session, task)
		}); err != nil {
			wg.Done()
			submitted--
			logger.CtxError(ctx, "submit task for file %s: %v", task.FileID, err)
			result.DeadLetters = append(result.DeadLetters, domain.FailedFile{
				FileID: task.FileID,
				Path:   task.Change.Path,
				Stage:  "dispatch",
				Reason: fmt.Sprintf("pool submit: %v", err),
			})
		}
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	// Normal completion waits for the full drain. After cancellation the
	// drain is bounded by the grace period; a task that ignores the context
	// must not hang the cycle.
	select {
	case <-collectorDone:
	case <-ctx.Done():
		select {
		case <-collectorDone:
		case <-time.After(d.cfg.DrainGrace):
			logger.CtxWarn(ctx, "drain grace %s expired, abandoning in-flight tasks", d.cfg.DrainGrace)
		}
	}

	mu.Lock()
	result.Artifacts = append(result.Artifacts, partial.Artifacts...)
	result.DeadLetters = append(result.DeadLetters, partial.DeadLetters...)
	mu.Unlock()

	// A composite file is indexed all-or-nothing: if one of its tasks
	// dead-lettered, the sibling's artifact is dropped.
	result.Artifacts = dropFailed(result.Artifacts, result.DeadLetters)

	// Pool completion order is nondeterministic; restore a stable order.
	sort.Slice(result.Artifacts, func(i, j int) bool {
		if result.Artifacts[i].FileID != result.Artifacts[j].FileID {
			return result.Artifacts[i].FileID < result.Artifacts[j].FileID
		}
		return result.Artifacts[i].Kind < result.Artifacts[j].Kind
	})
	sort.Slice(result.DeadLetters, func(i, j int) bool {
		return result.DeadLetters[i].FileID < result.DeadLetters[j].FileID
	})

	logger.With(logger.Fields{
		logger.FieldCount: submitted,
		"artifacts":       len(result.Artifacts),
		"dead_letters":    len(result.DeadLetters),
	}).Info(ctx, "dispatch round complete")

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("dispatch cancelled: %w", err)
	}
	return result, nil
}

// dropFailed removes artifacts for files that also dead-lettered, keeping
// the result disjoint by file id.
func dropFailed(artifacts []domain.ArtifactRecord, failed []domain.FailedFile) []domain.ArtifactRecord {
	if len(failed) == 0 {
		return artifacts
	}
	failedIDs := make(map[string]struct{}, len(failed))
	for _, f := range failed {
		failedIDs[f.FileID] = struct{}{}
	}
	kept := artifacts[:0]
	for _, a := range artifacts {
		if _, ok := failedIDs[a.FileID]; ok {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// buildTasks maps change records to extraction tasks. Unchanged and deleted
// records yield no work; a composite file yields one task per pool.
func buildTasks(changes []domain.ChangeRecord) []domain.ExtractionTask {
	tasks := make([]domain.ExtractionTask, 0, len(changes))
	for _, c := range changes {
		if c.Kind != domain.ChangeKindNew && c.Kind != domain.ChangeKindUpdated {
			continue
		}
		if c.MediaKind.NeedsText() {
			tasks = append(tasks, domain.ExtractionTask{
				TaskID: uuid.New().String(),
				FileID: c.FileID,
				Kind:   domain.TaskKindText,
				Change: c,
			})
		}
		if c.MediaKind.NeedsVisual() {
			tasks = append(tasks, domain.ExtractionTask{
				TaskID: uuid.New().String(),
				FileID: c.FileID,
				Kind:   domain.TaskKindVisual,
				Change: c,
			})
		}
	}
	return tasks
}

// runTask executes one extraction task with bounded retries.
func (d *Dispatcher) runTask(ctx context.Context, session vault.Session, task domain.ExtractionTask) taskOutcome {
	var lastErr error
	for attempt := 0; attempt < d.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			delay := d.cfg.RetryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
			if ctx.Err() != nil {
				break
			}
		}

		artifact, err := d.execute(ctx, session, task)
		if err == nil {
			return taskOutcome{artifact: artifact}
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, vault.ErrSessionClosed) {
			break
		}
		logger.CtxWarn(ctx, "task %s attempt %d for file %s failed: %v", task.Kind, attempt+1, task.FileID, err)
	}

	return taskOutcome{failed: &domain.FailedFile{
		FileID: task.FileID,
		Path:   task.Change.Path,
		Stage:  string(task.Kind) + "_extract",
		Reason: lastErr.Error(),
	}}
}

// execute performs a single extraction attempt: fetch, extract, persist the
// artifact to object storage, and emit the record for the indexer.
func (d *Dispatcher) execute(ctx context.Context, session vault.Session, task domain.ExtractionTask) (*domain.ArtifactRecord, error) {
	data, err := session.Fetch(ctx, task.FileID)
	if err != nil {
		return nil, fmt.Errorf("fetch content: %w", err)
	}

	name := path.Base(task.Change.Path)
	record := &domain.ArtifactRecord{
		FileID: task.FileID,
		Kind:   task.Kind,
		Change: task.Change,
	}

	switch task.Kind {
	case domain.TaskKindText:
		text, truncated, err := d.extractor.Extract(ctx, name, data)
		if err != nil {
			return nil, fmt.Errorf("extract text: %w", err)
		}
		key := storage.TextArtifactKey(task.FileID)
		if err := d.store.Upload(ctx, key, bytes.NewReader([]byte(text)), int64(len(text)), contentTypeForFormat("text")); err != nil {
			return nil, fmt.Errorf("store text artifact: %w", err)
		}
		record.Text = &domain.TextArtifact{FileID: task.FileID, Text: text, Truncated: truncated}

	case domain.TaskKindVisual:
		vector, err := d.encoder.EncodeImage(ctx, name, data)
		if err != nil {
			return nil, fmt.Errorf("encode image: %w", err)
		}
		vector.FileID = task.FileID
		payload, err := json.Marshal(vector)
		if err != nil {
			return nil, fmt.Errorf("marshal vector artifact: %w", err)
		}
		key := storage.VectorArtifactKey(task.FileID)
		if err := d.store.Upload(ctx, key, bytes.NewReader(payload), int64(len(payload)), contentTypeForFormat("json")); err != nil {
			return nil, fmt.Errorf("store vector artifact: %w", err)
		}
		record.Vector = vector

	default:
		return nil, fmt.Errorf("unknown task kind %q", task.Kind)
	}

	return record, nil
}
