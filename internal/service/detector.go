package service

import (
	"context"
	"sort"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/logger"
)

// ChangeSet is the immutable output of one detection pass.
type ChangeSet struct {
	Records  []domain.ChangeRecord
	Degraded bool
}

// Pending returns the records that require extraction work.
func (cs *ChangeSet) Pending() []domain.ChangeRecord {
	out := make([]domain.ChangeRecord, 0, len(cs.Records))
	for _, r := range cs.Records {
		if r.Kind == domain.ChangeKindNew || r.Kind == domain.ChangeKindUpdated {
			out = append(out, r)
		}
	}
	return out
}

// Deleted returns the records for files removed from the vault.
func (cs *ChangeSet) Deleted() []domain.ChangeRecord {
	out := make([]domain.ChangeRecord, 0)
	for _, r := range cs.Records {
		if r.Kind == domain.ChangeKindDeleted {
			out = append(out, r)
		}
	}
	return out
}

// CountByKind tallies records per change kind.
func (cs *ChangeSet) CountByKind() map[domain.ChangeKind]int {
	counts := make(map[domain.ChangeKind]int, 4)
	for _, r := range cs.Records {
		counts[r.Kind]++
	}
	return counts
}

// ChangeDetector compares a vault listing against the committed baseline
// and classifies every file as new, updated, unchanged, or deleted.
type ChangeDetector struct{}

// NewChangeDetector creates a stateless change detector.
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// Detect classifies the listing against the baseline.
//
// Classification prefers checksum comparison. When either side lacks a
// checksum the detector falls back to modification-time comparison and
// marks the record as degraded, so downstream stages know the result may
// over- or under-report changes.
//
// Parameters:
//   - ctx: context for log propagation
//   - listing: current vault session listing
//   - baseline: committed index state from the previous cycle
//
// Returns the full change set, including records for baseline entries
// that no longer appear in the listing (deleted).
func (d *ChangeDetector) Detect(ctx context.Context, listing []domain.VaultEntry, baseline *domain.Baseline) *ChangeSet {
	records := make([]domain.ChangeRecord, 0, len(listing))
	seen := make(map[string]struct{}, len(listing))
	degraded := false

	for _, entry := range listing {
		seen[entry.FileID] = struct{}{}

		kind := entry.MediaKind
		if kind == "" {
			kind = domain.MediaKindForPath(entry.Path)
		}

		rec := domain.ChangeRecord{
			FileID:     entry.FileID,
			Path:       entry.Path,
			Checksum:   entry.Checksum,
			Size:       entry.Size,
			ModifiedAt: entry.ModifiedAt,
			MediaKind:  kind,
		}

		prev, ok := baseline.Lookup(entry.FileID)
		switch {
		case !ok:
			rec.Kind = domain.ChangeKindNew
		case entry.Checksum != "" && prev.Checksum != "":
			if entry.Checksum == prev.Checksum {
				rec.Kind = domain.ChangeKindUnchanged
			} else {
				rec.Kind = domain.ChangeKindUpdated
			}
		default:
			// No checksum on one side; fall back to modification time.
			rec.Degraded = true
			degraded = true
			if entry.ModifiedAt.After(prev.ModifiedAt) {
				rec.Kind = domain.ChangeKindUpdated
			} else {
				rec.Kind = domain.ChangeKindUnchanged
			}
		}
		records = append(records, rec)
	}

	for _, id := range baseline.FileIDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		prev, _ := baseline.Lookup(id)
		records = append(records, domain.ChangeRecord{
			FileID:   id,
			Checksum: prev.Checksum,
			Kind:     domain.ChangeKindDeleted,
		})
	}

	// Stable ordering keeps dispatch and logs deterministic.
	sort.Slice(records, func(i, j int) bool {
		return records[i].FileID < records[j].FileID
	})

	cs := &ChangeSet{Records: records, Degraded: degraded}
	counts := cs.CountByKind()
	logger.With(logger.Fields{
		logger.FieldCount: len(listing),
		"new":             counts[domain.ChangeKindNew],
		"updated":         counts[domain.ChangeKindUpdated],
		"unchanged":       counts[domain.ChangeKindUnchanged],
		"deleted":         counts[domain.ChangeKindDeleted],
		"degraded":        degraded,
	}).Info(ctx, "change detection complete")
	return cs
}
