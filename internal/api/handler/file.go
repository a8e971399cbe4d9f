package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksuzuki/vaultsearch/internal/cache"
	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/repository"
	"github.com/ksuzuki/vaultsearch/internal/storage"
)

// FileHandler serves file metadata and artifact links.
type FileHandler struct {
	files    *repository.FileRepository
	metadata *cache.MetadataCache
	store    storage.ObjectStorage
}

// NewFileHandler creates a file handler. The metadata cache is optional.
func NewFileHandler(files *repository.FileRepository, metadata *cache.MetadataCache, store storage.ObjectStorage) *FileHandler {
	return &FileHandler{files: files, metadata: metadata, store: store}
}

// GetFile handles GET /api/v1/files/:id, serving metadata through the
// two-tier cache when one is configured.
func (h *FileHandler) GetFile(c *gin.Context) {
	fileID := c.Param("id")
	ctx := c.Request.Context()

	var file *domain.VaultFile
	var err error
	if h.metadata != nil {
		file, err = h.metadata.Get(ctx, fileID, h.load)
	} else {
		file, err = h.load(ctx, fileID)
	}
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load file"})
		return
	}

	resp := gin.H{"file": file}
	if h.store != nil && file.Status == domain.FileStatusIndexed {
		artifacts := gin.H{"text": h.store.GetURL(storage.TextArtifactKey(file.FileID))}
		if file.MediaKind.NeedsVisual() {
			artifacts["vector"] = h.store.GetURL(storage.VectorArtifactKey(file.FileID))
		}
		resp["artifacts"] = artifacts
	}
	c.JSON(http.StatusOK, resp)
}

func (h *FileHandler) load(ctx context.Context, fileID string) (*domain.VaultFile, error) {
	file, err := h.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	return file, nil
}
