package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/index"
	"github.com/ksuzuki/vaultsearch/internal/vault"
)

// fakeSession is an in-memory vault session with failure injection.
type fakeSession struct {
	mu         sync.Mutex
	entries    []domain.VaultEntry
	content    map[string][]byte
	listErr    error
	fetchErr   map[string]error
	closeCount int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		content:  make(map[string][]byte),
		fetchErr: make(map[string]error),
	}
}

func (s *fakeSession) add(id, path, checksum string, modified time.Time, body []byte) {
	s.entries = append(s.entries, domain.VaultEntry{
		FileID:     id,
		Path:       path,
		Checksum:   checksum,
		Size:       int64(len(body)),
		ModifiedAt: modified,
		MediaKind:  domain.MediaKindForPath(path),
	})
	s.content[id] = body
}

func (s *fakeSession) List(ctx context.Context) ([]domain.VaultEntry, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.entries, nil
}

func (s *fakeSession) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fetchErr[fileID]; ok {
		return nil, err
	}
	body, ok := s.content[fileID]
	if !ok {
		return nil, fmt.Errorf("no such file %s", fileID)
	}
	return body, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

func (s *fakeSession) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// fakeConnector hands out one prepared session.
type fakeConnector struct {
	session *fakeSession
	openErr error
}

func (c *fakeConnector) Open(ctx context.Context) (vault.Session, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.session, nil
}

// gateSession blocks every Fetch until the gate channel is closed. It
// deliberately ignores ctx so in-flight work outlives cancellation.
type gateSession struct {
	*fakeSession
	gate chan struct{}
}

func (s *gateSession) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	<-s.gate
	return s.fakeSession.Fetch(ctx, fileID)
}

// sessionConnector hands out an arbitrary prepared session.
type sessionConnector struct {
	session vault.Session
}

func (c *sessionConnector) Open(ctx context.Context) (vault.Session, error) {
	return c.session, nil
}

// fakeStore is an in-memory object store.
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = body
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) GetURL(key string) string { return "fake://" + key }

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	_, ok := s.objects[key]
	s.mu.Unlock()
	return ok, nil
}

func (s *fakeStore) EnsureBucket(ctx context.Context) error { return nil }

func (s *fakeStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

// fakeEncoder returns a fixed-size vector without calling any API.
type fakeEncoder struct {
	dims    int
	failFor map[string]error
	mu      sync.Mutex
	calls   int
}

func newFakeEncoder(dims int) *fakeEncoder {
	return &fakeEncoder{dims: dims, failFor: make(map[string]error)}
}

func (e *fakeEncoder) EncodeImage(ctx context.Context, name string, data []byte) (*domain.VectorArtifact, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if err, ok := e.failFor[name]; ok {
		return nil, err
	}
	return &domain.VectorArtifact{
		Embedding:  make([]float32, e.dims),
		Dimensions: e.dims,
		Model:      "fake-clip",
	}, nil
}

func (e *fakeEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return make([]float32, e.dims), nil
}

func (e *fakeEncoder) Model() string   { return "fake-clip" }
func (e *fakeEncoder) Dimensions() int { return e.dims }

// failingExtractor fails for selected names.
type failingExtractor struct {
	inner   TextExtractor
	failFor map[string]error
}

func (f *failingExtractor) Extract(ctx context.Context, name string, data []byte) (string, bool, error) {
	if err, ok := f.failFor[name]; ok {
		return "", false, err
	}
	return f.inner.Extract(ctx, name, data)
}

// memJobStore keeps job records in memory.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.SyncJob
	// states records every persisted state in order, for transition checks.
	states []domain.JobState
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]domain.SyncJob)}
}

func (s *memJobStore) Create(ctx context.Context, job *domain.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	s.states = append(s.states, job.State)
	return nil
}

func (s *memJobStore) Update(ctx context.Context, job *domain.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	s.states = append(s.states, job.State)
	return nil
}

func (s *memJobStore) GetByID(ctx context.Context, id string) (*domain.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	return &job, nil
}

// memFileStore keeps committed file rows in memory.
type memFileStore struct {
	mu    sync.Mutex
	files map[string]domain.VaultFile
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: make(map[string]domain.VaultFile)}
}

func (s *memFileStore) BaselineEntries(ctx context.Context) ([]domain.BaselineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]domain.BaselineEntry, 0, len(s.files))
	for _, f := range s.files {
		entries = append(entries, domain.BaselineEntry{
			FileID:     f.FileID,
			Checksum:   f.Checksum,
			ModifiedAt: f.ModifiedAt,
			Status:     f.Status,
		})
	}
	return entries, nil
}

func (s *memFileStore) Upsert(ctx context.Context, file *domain.VaultFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[file.FileID] = *file
	return nil
}

// MarkFailed mirrors FileRepository.MarkFailed: content columns committed by
// an earlier index upsert survive the failure bookkeeping.
func (s *memFileStore) MarkFailed(ctx context.Context, file *domain.VaultFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := *file
	if prev, ok := s.files[file.FileID]; ok {
		row.ExtractedText = prev.ExtractedText
		row.TextTruncated = prev.TextTruncated
		row.EmbeddingModel = prev.EmbeddingModel
		row.Tags = prev.Tags
		row.CreatedAt = prev.CreatedAt
	}
	s.files[file.FileID] = row
	return nil
}

func (s *memFileStore) remove(id string) {
	s.mu.Lock()
	delete(s.files, id)
	s.mu.Unlock()
}

func (s *memFileStore) get(id string) (domain.VaultFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	return f, ok
}

// fakeEngine is an in-memory index.Engine with failure injection. When
// wired to a memFileStore it mirrors the composite engine's contract of
// committing a metadata row per successful upsert.
type fakeEngine struct {
	mu        sync.Mutex
	docs      map[string]index.Document
	upsertErr map[string]error
	deleteErr map[string]error
	files     *memFileStore
	lexical   []index.Hit
	vector    []index.Hit
	searches  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		docs:      make(map[string]index.Document),
		upsertErr: make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

func (e *fakeEngine) Upsert(ctx context.Context, doc *index.Document) error {
	e.mu.Lock()
	if err, ok := e.upsertErr[doc.FileID]; ok {
		e.mu.Unlock()
		return err
	}
	e.docs[doc.FileID] = *doc
	e.mu.Unlock()

	if e.files != nil {
		return e.files.Upsert(ctx, &domain.VaultFile{
			FileID:         doc.FileID,
			Path:           doc.Path,
			Name:           doc.Name,
			Checksum:       doc.Checksum,
			ModifiedAt:     doc.ModifiedAt,
			MediaKind:      doc.MediaKind,
			ExtractedText:  doc.Text,
			TextTruncated:  doc.TextTruncated,
			EmbeddingModel: doc.EmbeddingModel,
			Status:         domain.FileStatusIndexed,
			LastJobID:      doc.JobID,
		})
	}
	return nil
}

func (e *fakeEngine) Delete(ctx context.Context, fileID string) error {
	e.mu.Lock()
	if err, ok := e.deleteErr[fileID]; ok {
		e.mu.Unlock()
		return err
	}
	delete(e.docs, fileID)
	e.mu.Unlock()

	if e.files != nil {
		e.files.remove(fileID)
	}
	return nil
}

func (e *fakeEngine) SearchLexical(ctx context.Context, query string, filters *domain.SearchFilters, limit int) ([]index.Hit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.searches++
	if limit < len(e.lexical) {
		return e.lexical[:limit], nil
	}
	return e.lexical, nil
}

func (e *fakeEngine) SearchVector(ctx context.Context, vector []float32, filters *domain.SearchFilters, limit int, scoreFloor float32) ([]index.Hit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.searches++
	if limit < len(e.vector) {
		return e.vector[:limit], nil
	}
	return e.vector, nil
}

func (e *fakeEngine) doc(id string) (index.Document, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[id]
	return d, ok
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.docs)
}

// recordingNotifier captures delivered summaries.
type recordingNotifier struct {
	mu        sync.Mutex
	summaries []domain.JobSummary
}

func (n *recordingNotifier) Notify(ctx context.Context, summary *domain.JobSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, *summary)
	return nil
}

func (n *recordingNotifier) last() (domain.JobSummary, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.summaries) == 0 {
		return domain.JobSummary{}, false
	}
	return n.summaries[len(n.summaries)-1], true
}
