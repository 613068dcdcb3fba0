package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"katasu/internal/convert"
	"katasu/internal/storage"
)

const (
	cacheImmutable = "public, max-age=31536000, immutable"
	cacheNotFound  = "public, max-age=60"
)

// ServeImage is the read path behind the CDN. Only published images of
// active owners are served; everything else is a short-lived 404.
func (h HandlerSet) ServeImage(c *gin.Context) {
	key := string(storage.KindImage) + "/" + c.Param("userId") + "/" + c.Param("file")
	parsed, ok := storage.ParseImageKey(key)
	if !ok || parsed.Ext != convert.Extension {
		notFound(c)
		return
	}

	state, found, err := h.deps.Statuses.Get(c.Request.Context(), parsed.ImageID)
	if err != nil {
		h.log.Error().Err(err).Str("image_id", parsed.ImageID).Msg("status lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}
	if !found || state.UserID != parsed.UserID || !state.Visible() {
		notFound(c)
		return
	}

	data, err := h.deps.Areas.Public.Get(c.Request.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		notFound(c)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("public object read failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}

	c.Header("Cache-Control", cacheImmutable)
	c.Data(http.StatusOK, convert.ContentType, data)
}

func notFound(c *gin.Context) {
	c.Header("Cache-Control", cacheNotFound)
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
}
