package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// FileStatus represents the index state of a vault file.
// Values include FileStatusIndexed and FileStatusFailed.
type FileStatus string

const (
	FileStatusIndexed FileStatus = "indexed"
	FileStatusFailed  FileStatus = "failed"
)

// MediaKind classifies a vault file for extraction routing.
type MediaKind string

const (
	// MediaKindText marks files that carry extractable text.
	MediaKindText MediaKind = "text"
	// MediaKindImage marks files processed by the visual pipeline only.
	MediaKindImage MediaKind = "image"
	// MediaKindComposite marks files that need both pipelines, e.g. a
	// document with embedded images.
	MediaKindComposite MediaKind = "composite"
)

// textExtensions and imageExtensions drive extension-based routing when the
// vault listing does not supply a media kind.
var (
	textExtensions = map[string]bool{
		".txt": true, ".md": true, ".csv": true, ".json": true,
		".xml": true, ".html": true, ".log": true,
	}
	imageExtensions = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".webp": true, ".bmp": true, ".tiff": true,
	}
	compositeExtensions = map[string]bool{
		".pdf": true, ".doc": true, ".docx": true, ".ppt": true,
		".pptx": true, ".xls": true, ".xlsx": true, ".xdw": true,
	}
)

// MediaKindForPath derives the media kind from a file path extension.
// Unknown extensions default to text so they at least get name/path indexing.
func MediaKindForPath(path string) MediaKind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case compositeExtensions[ext]:
		return MediaKindComposite
	case imageExtensions[ext]:
		return MediaKindImage
	case textExtensions[ext]:
		return MediaKindText
	default:
		return MediaKindText
	}
}

// NeedsText reports whether the kind requires the text extraction pool.
func (k MediaKind) NeedsText() bool {
	return k == MediaKindText || k == MediaKindComposite
}

// NeedsVisual reports whether the kind requires the visual extraction pool.
func (k MediaKind) NeedsVisual() bool {
	return k == MediaKindImage || k == MediaKindComposite
}

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// VaultFile is the metadata-store row for one vault file. The set of rows is
// also the committed baseline for change detection: a row exists only after
// its index upsert succeeded (status indexed) or its extraction was
// dead-lettered (status failed, checksum recorded for the retry rule).
type VaultFile struct {
	FileID         string      `gorm:"type:text;primaryKey" json:"file_id"`
	Path           string      `gorm:"type:text;not null;index:idx_vault_files_path" json:"path"`
	Name           string      `gorm:"type:text;not null" json:"name"`
	Checksum       string      `gorm:"type:text;index:idx_vault_files_checksum" json:"checksum"`
	Size           int64       `json:"size"`
	ModifiedAt     time.Time   `json:"modified_at"`
	MediaKind      MediaKind   `gorm:"type:text" json:"media_kind"`
	ExtractedText  string      `gorm:"type:text" json:"extracted_text,omitempty"`
	TextTruncated  bool        `json:"text_truncated"`
	EmbeddingModel string      `gorm:"type:text" json:"embedding_model,omitempty"`
	Tags           StringArray `gorm:"type:text" json:"tags"`
	Status         FileStatus  `gorm:"type:text;index:idx_vault_files_status;default:indexed" json:"status"`
	FailureReason  string      `gorm:"type:text" json:"failure_reason,omitempty"`
	LastJobID      string      `gorm:"type:text;index" json:"last_job_id"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the database table name for VaultFile.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (VaultFile) TableName() string {
	return "vault_files"
}
