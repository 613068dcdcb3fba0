package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"katasu/internal/models"
)

type userStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended"`
}

func (h HandlerSet) AdminListImages(c *gin.Context) {
	status := models.ImageStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}

	limit, offset, page := pagination(c, 50, 200)

	images, err := h.deps.Catalog.List(c.Request.Context(), status, limit, offset)
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

func (h HandlerSet) AdminRequeueImage(c *gin.Context) {
	image, err := h.deps.Requeue.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"image": h.toResponse(image)})
}

func (h HandlerSet) AdminUpdateUserStatus(c *gin.Context) {
	var req userStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.writeValidationError(c, err)
		return
	}

	userID := c.Param("id")
	if err := h.deps.Users.UpdateStatus(c.Request.Context(), userID, models.UserStatus(req.Status)); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.deps.Listings.InvalidateUser(c.Request.Context(), userID); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("listing invalidation failed")
	}

	h.log.Info().Str("user_id", userID).Str("status", req.Status).Msg("user status changed")
	c.JSON(http.StatusOK, gin.H{"id": userID, "status": req.Status})
}
