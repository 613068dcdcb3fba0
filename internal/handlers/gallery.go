package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"katasu/internal/models"
	"katasu/internal/storage"
)

const galleryPageSize = 50

func pagination(c *gin.Context, defaultLimit, maxLimit int) (limit, offset, page int) {
	limit = defaultLimit
	page = 1
	if perPage := c.Query("perPage"); perPage != "" {
		if v, err := strconv.Atoi(perPage); err == nil && v > 0 && v <= maxLimit {
			limit = v
		}
	}
	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 1 {
			page = v
		}
	}
	return limit, (page - 1) * limit, page
}

// ListUserImages serves a user's published images. Only the first page goes
// through the listing cache.
func (h HandlerSet) ListUserImages(c *gin.Context) {
	userID := c.Param("userId")
	if storage.Sanitize(userID) != userID || userID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}

	_, offset, page := pagination(c, galleryPageSize, galleryPageSize)

	var (
		images []models.Image
		err    error
	)
	if page == 1 {
		images, err = h.deps.Listings.Images(c.Request.Context(), userID, func(ctx context.Context) ([]models.Image, error) {
			return h.deps.Catalog.ListPublishedByUser(ctx, userID, galleryPageSize, 0)
		})
	} else {
		images, err = h.deps.Catalog.ListPublishedByUser(c.Request.Context(), userID, galleryPageSize, offset)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]imageResponse, 0, len(images))
	for _, img := range images {
		items = append(items, h.toResponse(img))
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"page":  page,
	})
}

func (h HandlerSet) ListUserTags(c *gin.Context) {
	userID := c.Param("userId")
	tags, err := h.deps.Listings.Tags(c.Request.Context(), userID, func(ctx context.Context) ([]string, error) {
		return h.deps.Catalog.ListTagsByUser(ctx, userID)
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}
