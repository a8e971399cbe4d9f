package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/logger"
	"github.com/ksuzuki/vaultsearch/internal/vault"
)

// ErrCycleInProgress is returned when a cycle is requested while another is
// still running. At most one cycle runs at a time.
var ErrCycleInProgress = errors.New("synchronization cycle already in progress")

// JobStore persists cycle audit records.
type JobStore interface {
	Create(ctx context.Context, job *domain.SyncJob) error
	Update(ctx context.Context, job *domain.SyncJob) error
	GetByID(ctx context.Context, id string) (*domain.SyncJob, error)
}

// FileStore is the orchestrator's view of the committed file metadata.
// MarkFailed must not clobber content columns an earlier index upsert
// committed for the same file.
type FileStore interface {
	BaselineEntries(ctx context.Context) ([]domain.BaselineEntry, error)
	MarkFailed(ctx context.Context, file *domain.VaultFile) error
}

// OrchestratorConfig tunes the cycle state machine.
type OrchestratorConfig struct {
	SessionTimeout  time.Duration
	MaxFailureRatio float64
}

// Orchestrator drives one synchronization cycle at a time through its
// state machine: open a vault session, detect changes, fan extraction out to
// the worker pools, bulk-index the artifacts, close the session, and emit
// the terminal notification. Every transition is validated and persisted.
type Orchestrator struct {
	connector  vault.Connector
	detector   *ChangeDetector
	dispatcher *Dispatcher
	indexer    *BulkIndexer
	files      FileStore
	jobs       JobStore
	notifier   Notifier
	cfg        OrchestratorConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewOrchestrator wires the cycle stages together.
func NewOrchestrator(connector vault.Connector, detector *ChangeDetector, dispatcher *Dispatcher, indexer *BulkIndexer, files FileStore, jobs JobStore, notifier Notifier, cfg OrchestratorConfig) *Orchestrator {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.MaxFailureRatio <= 0 {
		cfg.MaxFailureRatio = 0.5
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Orchestrator{
		connector:  connector,
		detector:   detector,
		dispatcher: dispatcher,
		indexer:    indexer,
		files:      files,
		jobs:       jobs,
		notifier:   notifier,
		cfg:        cfg,
	}
}

// TriggerCycle starts a cycle in the background and returns its job id.
func (o *Orchestrator) TriggerCycle(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return "", ErrCycleInProgress
	}
	o.running = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.mu.Unlock()

	job := o.newJob()
	if err := o.jobs.Create(ctx, job); err != nil {
		o.finish()
		return "", fmt.Errorf("create sync job: %w", err)
	}

	go func() {
		defer o.finish()
		o.runCycle(runCtx, job)
	}()
	return job.ID, nil
}

// RunCycle runs one cycle synchronously and returns the terminal job record.
func (o *Orchestrator) RunCycle(ctx context.Context) (*domain.SyncJob, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	o.running = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()
	defer o.finish()

	job := o.newJob()
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create sync job: %w", err)
	}
	o.runCycle(runCtx, job)
	return job, nil
}

// Cancel requests cancellation of the running cycle. In-flight extraction
// tasks are allowed to finish; the cycle then proceeds straight to session
// close and terminates as failed.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running && o.cancel != nil {
		o.cancel()
	}
}

// JobStatus returns the audit record for a cycle.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	return o.jobs.GetByID(ctx, jobID)
}

// Running reports whether a cycle is currently in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.running = false
	o.mu.Unlock()
}

func (o *Orchestrator) newJob() *domain.SyncJob {
	now := time.Now().UTC()
	return &domain.SyncJob{
		ID:        uuid.New().String(),
		State:     domain.JobStateIdle,
		StartedAt: &now,
	}
}

// runCycle executes the state machine for one job. The update context is
// deliberately decoupled from the cancellation context so terminal state is
// always persisted.
func (o *Orchestrator) runCycle(ctx context.Context, job *domain.SyncJob) {
	ctx = logger.SetJobID(ctx, job.ID)
	started := time.Now()

	// SessionOpening
	if err := o.transition(ctx, job, domain.JobStateSessionOpening); err != nil {
		o.fail(ctx, job, err)
		return
	}
	openCtx, cancelOpen := context.WithTimeout(ctx, o.cfg.SessionTimeout)
	session, err := o.connector.Open(openCtx)
	cancelOpen()
	if err != nil {
		o.fail(ctx, job, fmt.Errorf("open vault session: %w", err))
		return
	}

	// The session is closed exactly once, whichever path the cycle takes.
	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			if err := session.Close(); err != nil {
				logger.CtxError(ctx, "close vault session: %v", err)
			}
		})
	}
	defer closeSession()

	// Scanning
	if err := o.transition(ctx, job, domain.JobStateScanning); err != nil {
		o.fail(ctx, job, err)
		return
	}
	listing, err := session.List(ctx)
	if err != nil {
		o.fail(ctx, job, fmt.Errorf("list vault: %w", err))
		return
	}
	entries, err := o.files.BaselineEntries(ctx)
	if err != nil {
		o.fail(ctx, job, fmt.Errorf("load baseline: %w", err))
		return
	}
	changes := o.detector.Detect(ctx, listing, domain.NewBaseline(entries))
	job.Discovered = len(listing)
	job.Degraded = changes.Degraded

	// Dispatching
	if err := o.transition(ctx, job, domain.JobStateDispatching); err != nil {
		o.fail(ctx, job, err)
		return
	}
	dispatched, dispatchErr := o.dispatcher.Dispatch(ctx, session, changes.Pending())
	if dispatchErr != nil && !errors.Is(dispatchErr, context.Canceled) && !errors.Is(dispatchErr, context.DeadlineExceeded) {
		o.fail(ctx, job, fmt.Errorf("dispatch extraction: %w", dispatchErr))
		return
	}

	var indexed *IndexResult
	if dispatchErr == nil {
		// Indexing
		if err := o.transition(ctx, job, domain.JobStateIndexing); err != nil {
			o.fail(ctx, job, err)
			return
		}
		indexed, err = o.indexer.Index(ctx, job.ID, dispatched.Artifacts, changes.Deleted())
		if err != nil {
			o.fail(ctx, job, fmt.Errorf("bulk index: %w", err))
			return
		}
	} else {
		indexed = &IndexResult{}
	}

	o.tally(ctx, job, changes, dispatched, indexed, dispatchErr != nil)

	// SessionClosing
	if err := o.transition(ctx, job, domain.JobStateSessionClosing); err != nil {
		o.fail(ctx, job, err)
		return
	}
	closeSession()

	if dispatchErr != nil {
		o.fail(ctx, job, fmt.Errorf("cycle cancelled during dispatch: %w", dispatchErr))
		return
	}

	// Notifying
	if err := o.transition(ctx, job, domain.JobStateNotifying); err != nil {
		o.fail(ctx, job, err)
		return
	}

	attempted := job.Processed + job.Failed
	if attempted > 0 && float64(job.Failed)/float64(attempted) > o.cfg.MaxFailureRatio {
		o.fail(ctx, job, fmt.Errorf("failure ratio %d/%d exceeds threshold", job.Failed, attempted))
		return
	}

	now := time.Now().UTC()
	job.FinishedAt = &now
	if err := o.transition(ctx, job, domain.JobStateCompleted); err != nil {
		o.fail(ctx, job, err)
		return
	}
	o.notify(ctx, job)

	logger.With(logger.Fields{
		logger.FieldJobID:      job.ID,
		logger.FieldDurationMs: time.Since(started).Milliseconds(),
		logger.FieldStatus:     string(job.State),
		"discovered":           job.Discovered,
		"processed":            job.Processed,
		"failed":               job.Failed,
		"deleted":              job.Deleted,
	}).Info(ctx, "synchronization cycle completed")
}

// tally folds dispatch and index outcomes into the job counters and commits
// failure rows so failed files are retried when their content changes. The
// dispatch result is disjoint by file id, so processed and failed never
// count the same file twice.
func (o *Orchestrator) tally(ctx context.Context, job *domain.SyncJob, changes *ChangeSet, dispatched *DispatchResult, indexed *IndexResult, cancelled bool) {
	failedByID := make(map[string]domain.FailedFile)
	for _, f := range dispatched.DeadLetters {
		failedByID[f.FileID] = f
	}
	for _, f := range indexed.DeadLetters {
		failedByID[f.FileID] = f
	}

	job.Processed = indexed.Indexed
	job.Deleted = indexed.Deleted
	job.Failed = len(failedByID)
	job.FailedFiles = job.FailedFiles[:0]
	for id := range failedByID {
		job.FailedFiles = append(job.FailedFiles, id)
	}
	sort.Strings(job.FailedFiles)

	// A cancelled cycle commits nothing for its dead letters: the work was
	// interrupted, not rejected, and the next cycle must retry it.
	if cancelled {
		return
	}

	// Record the observed checksum with each failure so the next cycle
	// skips the file unless its content changed.
	records := make(map[string]domain.ChangeRecord)
	for _, rec := range changes.Pending() {
		records[rec.FileID] = rec
	}
	for id, f := range failedByID {
		row := &domain.VaultFile{
			FileID:        id,
			Path:          f.Path,
			Status:        domain.FileStatusFailed,
			FailureReason: f.Reason,
			LastJobID:     job.ID,
		}
		if change, ok := records[id]; ok {
			row.Checksum = change.Checksum
			row.ModifiedAt = change.ModifiedAt
			row.Size = change.Size
			row.MediaKind = change.MediaKind
		}
		if row.Path != "" {
			row.Name = path.Base(row.Path)
		}
		if err := o.files.MarkFailed(ctx, row); err != nil {
			logger.CtxError(ctx, "record failed file %s: %v", id, err)
		}
	}
}

// fail moves the job to the terminal failed state and still emits the
// terminal notification so operators learn about broken cycles.
func (o *Orchestrator) fail(ctx context.Context, job *domain.SyncJob, cause error) {
	logger.CtxError(ctx, "cycle %s failed in state %s: %v", job.ID, job.State, cause)
	if !job.State.CanTransition(domain.JobStateFailed) {
		return
	}
	now := time.Now().UTC()
	job.State = domain.JobStateFailed
	job.FailureReason = cause.Error()
	job.FinishedAt = &now
	if err := o.jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		logger.CtxError(ctx, "persist failed state for job %s: %v", job.ID, err)
	}
	o.notify(ctx, job)
}

// transition validates and persists a state change.
func (o *Orchestrator) transition(ctx context.Context, job *domain.SyncJob, next domain.JobState) error {
	if !job.State.CanTransition(next) {
		return fmt.Errorf("illegal state transition %s -> %s", job.State, next)
	}
	logger.CtxDebug(ctx, "cycle %s: %s -> %s", job.ID, job.State, next)
	job.State = next
	if err := o.jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		return fmt.Errorf("persist state %s: %w", next, err)
	}
	return nil
}

// notify delivers the terminal summary. Failures are logged, never fatal.
func (o *Orchestrator) notify(ctx context.Context, job *domain.SyncJob) {
	summary := &domain.JobSummary{
		JobID:         job.ID,
		State:         job.State,
		Discovered:    job.Discovered,
		Processed:     job.Processed,
		Failed:        job.Failed,
		Deleted:       job.Deleted,
		Degraded:      job.Degraded,
		FailedFiles:   job.FailedFiles,
		FailureReason: job.FailureReason,
		DurationMs:    job.Duration().Milliseconds(),
	}
	if err := o.notifier.Notify(context.WithoutCancel(ctx), summary); err != nil {
		logger.CtxError(ctx, "deliver cycle notification for job %s: %v", job.ID, err)
	}
}
