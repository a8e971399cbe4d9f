package domain

// TaskKind selects the worker pool an extraction task runs on.
type TaskKind string

const (
	TaskKindText   TaskKind = "text"
	TaskKindVisual TaskKind = "visual"
)

// ExtractionTask is one unit of work for a worker pool. One task maps to
// exactly one ChangeRecord with kind new or updated; a composite file yields
// one task per pool.
type ExtractionTask struct {
	TaskID  string
	FileID  string
	Kind    TaskKind
	Change  ChangeRecord
	Attempt int
}

// TextArtifact is the output of a successful text extraction.
type TextArtifact struct {
	FileID    string
	Text      string
	Truncated bool
}

// VectorArtifact is the output of a successful visual-feature extraction.
type VectorArtifact struct {
	FileID     string
	Embedding  []float32
	Dimensions int
	Model      string
	Width      int
	Height     int
}

// ArtifactRecord carries one completed task's output to the bulk indexer.
// Exactly one of Text or Vector is set, matching the task kind.
type ArtifactRecord struct {
	FileID string
	Kind   TaskKind
	Change ChangeRecord
	Text   *TextArtifact
	Vector *VectorArtifact
}

// FailedFile is a dead-letter entry: a file permanently excluded from the
// current cycle after exhausting retries. Returned as first-class data, not
// only logged.
type FailedFile struct {
	FileID string
	Path   string
	Stage  string
	Reason string
}
