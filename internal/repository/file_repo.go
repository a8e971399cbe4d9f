package repository

import (
	"context"
	"fmt"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FileRepository handles vault file metadata operations. Its rows double as
// the committed change-detection baseline and the lexical side of the index.
type FileRepository struct {
	db *gorm.DB
}

// NewFileRepository creates a new FileRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *FileRepository: repository instance bound to db.
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Upsert creates or updates a vault file row keyed by file id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - file: file record to create or update.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *FileRepository) Upsert(ctx context.Context, file *domain.VaultFile) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_id"}},
		UpdateAll: true,
	}).Create(file).Error
}

// MarkFailed records a dead-lettered file keyed by file id. Unlike Upsert it
// only assigns the sync bookkeeping columns on conflict, so content columns
// committed by an earlier index upsert (extracted text, embedding model)
// survive the failure.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - file: failure record carrying the observed checksum.
// Returns:
//   - error: non-nil if the write fails.
func (r *FileRepository) MarkFailed(ctx context.Context, file *domain.VaultFile) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "file_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"path", "name", "checksum", "size", "modified_at", "media_kind",
			"status", "failure_reason", "last_job_id", "updated_at",
		}),
	}).Create(file).Error
}

// Delete removes a vault file row by file id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - fileID: file id to delete.
// Returns:
//   - error: non-nil if the delete fails.
func (r *FileRepository) Delete(ctx context.Context, fileID string) error {
	return r.db.WithContext(ctx).Delete(&domain.VaultFile{}, "file_id = ?", fileID).Error
}

// GetByID retrieves a vault file by its id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - fileID: file id.
// Returns:
//   - *domain.VaultFile: file record if found.
//   - error: non-nil if lookup fails.
func (r *FileRepository) GetByID(ctx context.Context, fileID string) (*domain.VaultFile, error) {
	var file domain.VaultFile
	if err := r.db.WithContext(ctx).First(&file, "file_id = ?", fileID).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

// GetByIDs retrieves vault files by a list of ids.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ids: list of file ids.
// Returns:
//   - []domain.VaultFile: matching records.
//   - error: non-nil if the query fails.
func (r *FileRepository) GetByIDs(ctx context.Context, ids []string) ([]domain.VaultFile, error) {
	if len(ids) == 0 {
		return []domain.VaultFile{}, nil
	}
	var files []domain.VaultFile
	if err := r.db.WithContext(ctx).Where("file_id IN ?", ids).Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to get files by IDs: %w", err)
	}
	return files, nil
}

// BaselineEntries loads the committed baseline for change detection. Both
// indexed and failed rows are included: a failed file keeps its observed
// checksum so it is only retried when the checksum changes.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - []domain.BaselineEntry: committed per-file state.
//   - error: non-nil if the query fails.
func (r *FileRepository) BaselineEntries(ctx context.Context) ([]domain.BaselineEntry, error) {
	var rows []domain.VaultFile
	if err := r.db.WithContext(ctx).
		Select("file_id", "checksum", "modified_at", "status").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	entries := make([]domain.BaselineEntry, len(rows))
	for i, row := range rows {
		entries[i] = domain.BaselineEntry{
			FileID:     row.FileID,
			Checksum:   row.Checksum,
			ModifiedAt: row.ModifiedAt,
			Status:     row.Status,
		}
	}
	return entries, nil
}

// FindMatching returns candidate rows for lexical search. Terms are matched
// with LIKE against name, path, and extracted text; filters are applied in
// the WHERE clause so a requested page is never under-filled by
// post-filtering. Scoring happens in the index engine.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - terms: lowercased query terms; empty returns no rows.
//   - filters: optional structured filters.
//   - limit: maximum candidate rows to return.
// Returns:
//   - []domain.VaultFile: candidate records ordered by recency.
//   - error: non-nil if the query fails.
func (r *FileRepository) FindMatching(ctx context.Context, terms []string, filters *domain.SearchFilters, limit int) ([]domain.VaultFile, error) {
	if len(terms) == 0 {
		return []domain.VaultFile{}, nil
	}

	query := r.db.WithContext(ctx).Where("status = ?", domain.FileStatusIndexed)

	var clauses []string
	var args []interface{}
	for _, term := range terms {
		pattern := "%" + term + "%"
		clauses = append(clauses, "(lower(name) LIKE ? OR lower(path) LIKE ? OR lower(extracted_text) LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}
	// Any-term match; per-term hits are scored by the engine
	or := clauses[0]
	for _, c := range clauses[1:] {
		or += " OR " + c
	}
	query = query.Where(or, args...)
	query = applyFilters(query, filters)

	var files []domain.VaultFile
	if err := query.
		Order("modified_at DESC").
		Limit(limit).
		Find(&files).Error; err != nil {
		return nil, fmt.Errorf("lexical candidate query failed: %w", err)
	}
	return files, nil
}

func applyFilters(query *gorm.DB, filters *domain.SearchFilters) *gorm.DB {
	if filters == nil {
		return query
	}
	if filters.MediaKind != nil && *filters.MediaKind != "" {
		query = query.Where("media_kind = ?", *filters.MediaKind)
	}
	if filters.PathPrefix != nil && *filters.PathPrefix != "" {
		query = query.Where("path LIKE ?", *filters.PathPrefix+"%")
	}
	if filters.ModifiedAfter != nil {
		query = query.Where("modified_at >= ?", *filters.ModifiedAfter)
	}
	if filters.ModifiedBefore != nil {
		query = query.Where("modified_at <= ?", *filters.ModifiedBefore)
	}
	return query
}

// CountByStatus counts vault files by status.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: file status to count.
// Returns:
//   - int64: number of matching records.
//   - error: non-nil if the query fails.
func (r *FileRepository) CountByStatus(ctx context.Context, status domain.FileStatus) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.VaultFile{}).Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
