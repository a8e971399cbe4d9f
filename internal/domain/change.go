package domain

import "time"

// ChangeKind classifies one file's delta between the vault listing and the
// committed baseline.
type ChangeKind string

const (
	ChangeKindNew       ChangeKind = "new"
	ChangeKindUpdated   ChangeKind = "updated"
	ChangeKindUnchanged ChangeKind = "unchanged"
	ChangeKindDeleted   ChangeKind = "deleted"
)

// VaultEntry is one file in the vault's full snapshot listing.
type VaultEntry struct {
	FileID     string
	Path       string
	Checksum   string
	Size       int64
	ModifiedAt time.Time
	MediaKind  MediaKind
}

// ChangeRecord is one file's delta status. Produced by the change detector,
// consumed by the dispatcher, immutable once emitted.
type ChangeRecord struct {
	FileID     string
	Path       string
	Checksum   string
	Size       int64
	ModifiedAt time.Time
	Kind       ChangeKind
	MediaKind  MediaKind
	// Degraded is set when the checksum was unavailable and the kind was
	// decided by modified-time comparison instead.
	Degraded bool
}

// Baseline is the immutable last-synced state a change detection run
// compares against. It is built from committed metadata rows at the start of
// a cycle and never mutated in place.
type Baseline struct {
	files map[string]BaselineEntry
}

// BaselineEntry is the committed state of one file.
type BaselineEntry struct {
	FileID     string
	Checksum   string
	ModifiedAt time.Time
	Status     FileStatus
}

// NewBaseline builds a baseline snapshot from committed file entries.
func NewBaseline(entries []BaselineEntry) *Baseline {
	files := make(map[string]BaselineEntry, len(entries))
	for _, e := range entries {
		files[e.FileID] = e
	}
	return &Baseline{files: files}
}

// Lookup returns the committed entry for a file id, if present.
func (b *Baseline) Lookup(fileID string) (BaselineEntry, bool) {
	e, ok := b.files[fileID]
	return e, ok
}

// Len returns the number of files in the baseline.
func (b *Baseline) Len() int {
	return len(b.files)
}

// FileIDs returns all file ids present in the baseline.
func (b *Baseline) FileIDs() []string {
	ids := make([]string, 0, len(b.files))
	for id := range b.files {
		ids = append(ids, id)
	}
	return ids
}
