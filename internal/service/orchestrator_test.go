package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/vaultsearch/internal/domain"
)

type cycleFixture struct {
	session  *fakeSession
	engine   *fakeEngine
	files    *memFileStore
	jobs     *memJobStore
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newCycleFixture(t *testing.T, connector *fakeConnector, extractFail map[string]error) *cycleFixture {
	t.Helper()
	return newCycleFixtureEncoder(t, connector, newFakeEncoder(8), extractFail)
}

func newCycleFixtureEncoder(t *testing.T, connector *fakeConnector, encoder *fakeEncoder, extractFail map[string]error) *cycleFixture {
	t.Helper()

	f := &cycleFixture{
		session:  connector.session,
		engine:   newFakeEngine(),
		files:    newMemFileStore(),
		jobs:     newMemJobStore(),
		notifier: &recordingNotifier{},
	}
	f.engine.files = f.files

	dispatcher := testDispatcher(f.session, newFakeStore(), encoder, extractFail)
	indexer := NewBulkIndexer(f.engine, BulkIndexerConfig{BatchSize: 10, Workers: 2})
	f.orch = NewOrchestrator(connector, NewChangeDetector(), dispatcher, indexer, f.files, f.jobs, f.notifier, OrchestratorConfig{
		SessionTimeout:  time.Second,
		MaxFailureRatio: 0.5,
	})
	return f
}

func TestCycleIndexesNewFiles(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-1", "docs/a.md", "sum-1", now, []byte("alpha"))
	session.add("f-2", "docs/b.md", "sum-2", now, []byte("bravo"))
	session.add("f-3", "pics/c.png", "sum-3", now, []byte{0x89})

	f := newCycleFixture(t, &fakeConnector{session: session}, nil)

	job, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateCompleted, job.State)
	assert.Equal(t, 3, job.Discovered)
	assert.Equal(t, 3, job.Processed)
	assert.Equal(t, 0, job.Failed)
	assert.Equal(t, 3, f.engine.count())
	assert.Equal(t, 1, session.closed())
	require.NotNil(t, job.FinishedAt)

	summary, ok := f.notifier.last()
	require.True(t, ok)
	assert.Equal(t, job.ID, summary.JobID)
	assert.Equal(t, domain.JobStateCompleted, summary.State)
	assert.Equal(t, 3, summary.Processed)
}

func TestCycleStateSequence(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-1", "a.txt", "sum", now, []byte("body"))

	f := newCycleFixture(t, &fakeConnector{session: session}, nil)
	_, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	want := []domain.JobState{
		domain.JobStateIdle,
		domain.JobStateSessionOpening,
		domain.JobStateScanning,
		domain.JobStateDispatching,
		domain.JobStateIndexing,
		domain.JobStateSessionClosing,
		domain.JobStateNotifying,
		domain.JobStateCompleted,
	}
	assert.Equal(t, want, f.jobs.states)
}

func TestCycleRecordsPartialFailure(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-ok-1", "one.txt", "s1", now, []byte("one"))
	session.add("f-ok-2", "two.txt", "s2", now, []byte("two"))
	session.add("f-bad", "bad.txt", "s3", now, []byte("three"))

	f := newCycleFixture(t, &fakeConnector{session: session}, map[string]error{
		"bad.txt": errors.New("parser blew up"),
	})

	job, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	// One failure out of three attempts stays under the 0.5 threshold.
	assert.Equal(t, domain.JobStateCompleted, job.State)
	assert.Equal(t, 3, job.Discovered)
	assert.Equal(t, 2, job.Processed)
	assert.Equal(t, 1, job.Failed)
	assert.Equal(t, []string{"f-bad"}, []string(job.FailedFiles))
	assert.Equal(t, 1, session.closed())

	// The failed file is committed with its observed checksum so the next
	// cycle skips it unless the content changes.
	row, ok := f.files.get("f-bad")
	require.True(t, ok)
	assert.Equal(t, domain.FileStatusFailed, row.Status)
	assert.Equal(t, "s3", row.Checksum)
	assert.Contains(t, row.FailureReason, "parser blew up")
}

func TestCycleCompositeFailureCountsOnce(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-doc", "reports/q3.pdf", "sum-1", now, []byte("quarterly report"))

	encoder := newFakeEncoder(8)
	encoder.failFor["q3.pdf"] = errors.New("encoder exploded")
	f := newCycleFixtureEncoder(t, &fakeConnector{session: session}, encoder, nil)

	job, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	// The text leg succeeded but the visual leg dead-lettered: the file
	// counts as failed exactly once and never reaches the engine.
	assert.Equal(t, 1, job.Discovered)
	assert.Equal(t, 0, job.Processed)
	assert.Equal(t, 1, job.Failed)
	assert.LessOrEqual(t, job.Processed+job.Failed, job.Discovered)
	assert.Equal(t, 0, f.engine.count())

	row, ok := f.files.get("f-doc")
	require.True(t, ok)
	assert.Equal(t, domain.FileStatusFailed, row.Status)
	assert.Equal(t, "q3.pdf", row.Name)
	assert.Equal(t, "sum-1", row.Checksum)
}

func TestCycleFailureKeepsIndexedContent(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-note", "notes/a.md", "v1", now, []byte("alpha body"))

	extractFail := map[string]error{}
	f := newCycleFixture(t, &fakeConnector{session: session}, extractFail)

	job1, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, job1.Processed)

	before, ok := f.files.get("f-note")
	require.True(t, ok)
	require.Equal(t, "alpha body", before.ExtractedText)

	// The file changes and now fails to extract. The failure is recorded
	// without wiping the content the previous cycle committed.
	session.entries[0].Checksum = "v2"
	extractFail["a.md"] = errors.New("parser regression")

	job2, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, job2.Failed)

	row, ok := f.files.get("f-note")
	require.True(t, ok)
	assert.Equal(t, domain.FileStatusFailed, row.Status)
	assert.Equal(t, "v2", row.Checksum)
	assert.Equal(t, "alpha body", row.ExtractedText)
	assert.Equal(t, "notes/a.md", row.Path)
}

func TestCancelledCycleCommitsNoFailureRows(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-slow", "slow.txt", "s1", now, []byte("slow body"))

	gate := make(chan struct{})
	defer close(gate)
	slow := &gateSession{fakeSession: session, gate: gate}

	files := newMemFileStore()
	jobs := newMemJobStore()
	engine := newFakeEngine()
	engine.files = files
	dispatcher := NewDispatcher(NewPlainTextExtractor(100), newFakeEncoder(8), newFakeStore(), DispatcherConfig{
		TextWorkers:    1,
		VisualWorkers:  1,
		QueueSize:      4,
		RetryCount:     1,
		RetryBaseDelay: time.Millisecond,
		DrainGrace:     50 * time.Millisecond,
	})
	indexer := NewBulkIndexer(engine, BulkIndexerConfig{BatchSize: 10, Workers: 2})
	orch := NewOrchestrator(&sessionConnector{session: slow}, NewChangeDetector(), dispatcher, indexer, files, jobs, &recordingNotifier{}, OrchestratorConfig{
		SessionTimeout:  time.Second,
		MaxFailureRatio: 0.5,
	})

	jobID, err := orch.TriggerCycle(context.Background())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	orch.Cancel()
	require.Eventually(t, func() bool { return !orch.Running() }, 5*time.Second, 10*time.Millisecond)

	job, err := orch.JobStatus(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Contains(t, job.FailureReason, "cancelled")

	// Interrupted work is not committed as failed: the next cycle must
	// pick the file up again.
	_, ok := files.get("f-slow")
	assert.False(t, ok)
}

func TestCycleFailsWhenFailureRatioExceeded(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-bad-1", "x.txt", "s1", now, []byte("x"))
	session.add("f-bad-2", "y.txt", "s2", now, []byte("y"))
	session.add("f-ok", "z.txt", "s3", now, []byte("z"))

	f := newCycleFixture(t, &fakeConnector{session: session}, map[string]error{
		"x.txt": errors.New("boom"),
		"y.txt": errors.New("boom"),
	})

	job, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Contains(t, job.FailureReason, "failure ratio")
	assert.Equal(t, 1, session.closed())

	// Failure notifications are still delivered.
	summary, ok := f.notifier.last()
	require.True(t, ok)
	assert.Equal(t, domain.JobStateFailed, summary.State)
}

func TestCycleFailsWhenSessionOpenFails(t *testing.T) {
	connector := &fakeConnector{session: newFakeSession(), openErr: errors.New("tunnel down")}
	f := newCycleFixture(t, connector, nil)

	job, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Contains(t, job.FailureReason, "open vault session")
	assert.Equal(t, 0, connector.session.closed())
}

func TestCycleClosesSessionOnListFailure(t *testing.T) {
	session := newFakeSession()
	session.listErr = errors.New("listing timed out")

	f := newCycleFixture(t, &fakeConnector{session: session}, nil)
	job, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Contains(t, job.FailureReason, "list vault")
	assert.Equal(t, 1, session.closed())
}

func TestCycleClosesSessionExactlyOnce(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-1", "a.txt", "s1", now, []byte("a"))

	f := newCycleFixture(t, &fakeConnector{session: session}, nil)
	_, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, session.closed())
}

func TestSecondCycleOnlyProcessesChanges(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-keep", "keep.txt", "same", now, []byte("keep"))
	session.add("f-change", "change.txt", "v1", now, []byte("change v1"))

	connector := &fakeConnector{session: session}
	f := newCycleFixture(t, connector, nil)

	job1, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, job1.Processed)

	// Second listing: one file updated, one unchanged, one removed is
	// simulated by rebuilding the entries.
	session.entries = nil
	session.add("f-keep", "keep.txt", "same", now, []byte("keep"))
	session.add("f-change", "change.txt", "v2", now.Add(time.Minute), []byte("change v2"))

	job2, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, job2.Discovered)
	assert.Equal(t, 1, job2.Processed, "only the changed file is re-processed")
	assert.Equal(t, 0, job2.Failed)
}

func TestCycleDeletesRemovedFiles(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-stays", "stays.txt", "s1", now, []byte("stays"))
	session.add("f-goes", "goes.txt", "s2", now, []byte("goes"))

	f := newCycleFixture(t, &fakeConnector{session: session}, nil)
	_, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, f.engine.count())

	session.entries = session.entries[:1]
	job, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, job.Deleted)
	assert.Equal(t, 1, f.engine.count())
	_, ok := f.engine.doc("f-stays")
	assert.True(t, ok)
}

func TestConcurrentCycleRejected(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-1", "a.txt", "s1", now, []byte("a"))

	f := newCycleFixture(t, &fakeConnector{session: session}, nil)

	jobID, err := f.orch.TriggerCycle(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	// A second trigger while the first runs must be rejected. The first
	// cycle may already have finished on a fast machine, so only assert
	// the error when the orchestrator still reports running.
	if f.orch.Running() {
		_, err := f.orch.TriggerCycle(context.Background())
		assert.ErrorIs(t, err, ErrCycleInProgress)
	}

	require.Eventually(t, func() bool { return !f.orch.Running() }, 5*time.Second, 10*time.Millisecond)

	job, err := f.orch.JobStatus(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, job.State.Terminal())
}

func TestCycleSecondBaselineSkipsFailedFileUntilChanged(t *testing.T) {
	now := time.Now().UTC()
	session := newFakeSession()
	session.add("f-bad", "bad.txt", "sum-a", now, []byte("bad"))

	failures := map[string]error{"bad.txt": errors.New("no parser")}
	f := newCycleFixture(t, &fakeConnector{session: session}, failures)

	job1, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.JobStateFailed, job1.State, "sole file failing exceeds the ratio")
	require.Equal(t, 1, job1.Failed)

	// Same checksum next cycle: the file is not retried, nothing fails.
	job2, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job2.State)
	assert.Equal(t, 0, job2.Failed)
	assert.Equal(t, 0, job2.Processed)

	// Changed checksum: the file is retried (and fails again).
	session.entries[0].Checksum = "sum-b"
	job3, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, job3.Failed)
}
