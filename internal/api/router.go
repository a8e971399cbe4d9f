package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ksuzuki/vaultsearch/internal/api/handler"
	"github.com/ksuzuki/vaultsearch/internal/api/middleware"
	"github.com/ksuzuki/vaultsearch/internal/cache"
	"github.com/ksuzuki/vaultsearch/internal/repository"
	"github.com/ksuzuki/vaultsearch/internal/service"
	"github.com/ksuzuki/vaultsearch/internal/storage"
)

// RouterDeps carries the wired services the router needs.
type RouterDeps struct {
	Search       *service.SearchService
	Orchestrator *service.Orchestrator
	Files        *repository.FileRepository
	Jobs         *repository.JobRepository
	Metadata     *cache.MetadataCache
	Store        storage.ObjectStorage
	Version      string
	CORS         middleware.CORSConfig
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps RouterDeps, mode string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(deps.CORS))

	healthHandler := handler.NewHealthHandler(deps.Version)
	searchHandler := handler.NewSearchHandler(deps.Search)
	fileHandler := handler.NewFileHandler(deps.Files, deps.Metadata, deps.Store)
	adminHandler := handler.NewAdminHandler(deps.Orchestrator, deps.Jobs, deps.Files)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		// Search
		v1.POST("/search", searchHandler.Search)
		v1.GET("/search", searchHandler.SearchGet)

		// Files
		v1.GET("/files/:id", fileHandler.GetFile)

		// Stats
		v1.GET("/stats", adminHandler.GetStats)

		// Synchronization control
		admin := v1.Group("/admin")
		{
			admin.POST("/sync", adminHandler.TriggerSync)
			admin.POST("/sync/cancel", adminHandler.CancelSync)
			admin.GET("/sync", adminHandler.ListSyncJobs)
			admin.GET("/sync/:id", adminHandler.GetSyncJob)
		}
	}

	return r
}
