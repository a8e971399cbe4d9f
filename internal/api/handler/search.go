package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/service"
)

// SearchHandler answers hybrid search requests.
type SearchHandler struct {
	search *service.SearchService
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(search *service.SearchService) *SearchHandler {
	return &SearchHandler{search: search}
}

// Search handles POST /api/v1/search with a JSON request body.
func (h *SearchHandler) Search(c *gin.Context) {
	var req service.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	h.respond(c, &req)
}

// SearchGet handles GET /api/v1/search with query parameters, the
// convenience form for text-only queries.
func (h *SearchHandler) SearchGet(c *gin.Context) {
	req := service.SearchRequest{
		Query: c.Query("q"),
		Mode:  service.SearchMode(c.Query("mode")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		req.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		req.Offset = n
	}

	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Filters = filters
	h.respond(c, &req)
}

func (h *SearchHandler) respond(c *gin.Context, req *service.SearchRequest) {
	resp, err := h.search.Search(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidQuery):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrSearchBackend):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}

func parseFilters(c *gin.Context) (*domain.SearchFilters, error) {
	var filters domain.SearchFilters
	set := false

	if v := c.Query("media_kind"); v != "" {
		kind := domain.MediaKind(v)
		filters.MediaKind = &kind
		set = true
	}
	if v := c.Query("path_prefix"); v != "" {
		filters.PathPrefix = &v
		set = true
	}
	if v := c.Query("modified_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.New("invalid modified_after, expected RFC3339")
		}
		filters.ModifiedAfter = &t
		set = true
	}
	if v := c.Query("modified_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.New("invalid modified_before, expected RFC3339")
		}
		filters.ModifiedBefore = &t
		set = true
	}

	if !set {
		return nil, nil
	}
	return &filters, nil
}
