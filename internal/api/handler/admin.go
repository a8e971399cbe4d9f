package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/repository"
	"github.com/ksuzuki/vaultsearch/internal/service"
)

// AdminHandler exposes synchronization control and statistics.
type AdminHandler struct {
	orchestrator *service.Orchestrator
	jobs         *repository.JobRepository
	files        *repository.FileRepository
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(orchestrator *service.Orchestrator, jobs *repository.JobRepository, files *repository.FileRepository) *AdminHandler {
	return &AdminHandler{orchestrator: orchestrator, jobs: jobs, files: files}
}

// TriggerSync handles POST /api/v1/admin/sync, starting a cycle in the
// background. A second trigger while one runs returns 409.
func (h *AdminHandler) TriggerSync(c *gin.Context) {
	jobID, err := h.orchestrator.TriggerCycle(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrCycleInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start cycle"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// CancelSync handles POST /api/v1/admin/sync/cancel.
func (h *AdminHandler) CancelSync(c *gin.Context) {
	if !h.orchestrator.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "no cycle in progress"})
		return
	}
	h.orchestrator.Cancel()
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// GetSyncJob handles GET /api/v1/admin/sync/:id.
func (h *AdminHandler) GetSyncJob(c *gin.Context) {
	job, err := h.orchestrator.JobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ListSyncJobs handles GET /api/v1/admin/sync.
func (h *AdminHandler) ListSyncJobs(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	jobs, err := h.jobs.Latest(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "running": h.orchestrator.Running()})
}

// GetStats handles GET /api/v1/stats.
func (h *AdminHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()
	indexed, err := h.files.CountByStatus(ctx, domain.FileStatusIndexed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect stats"})
		return
	}
	failed, err := h.files.CountByStatus(ctx, domain.FileStatusFailed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"indexed_files": indexed,
		"failed_files":  failed,
		"sync_running":  h.orchestrator.Running(),
	})
}
