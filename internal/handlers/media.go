package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"katasu/internal/convert"
	"katasu/internal/middleware"
	"katasu/internal/models"
	"katasu/internal/service"
	"katasu/internal/storage"
)

// multipartOverhead covers boundaries and the text fields next to the file.
const multipartOverhead = 1 << 20

type imageResponse struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Title        *string   `json:"title"`
	Tags         []string  `json:"tags"`
	Status       string    `json:"status"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnailUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type uploadForm struct {
	Title string   `validate:"max=200"`
	Tags  []string `validate:"max=20,dive,max=64"`
}

type updateRequest struct {
	Title *string  `json:"title" validate:"omitempty,max=200"`
	Tags  []string `json:"tags" validate:"max=20,dive,max=64"`
}

func (h HandlerSet) toResponse(img models.Image) imageResponse {
	resp := imageResponse{
		ID:        img.ID,
		UserID:    img.UserID,
		Width:     img.Width,
		Height:    img.Height,
		Title:     img.Title,
		Tags:      img.Tags,
		Status:    string(img.Status),
		CreatedAt: img.CreatedAt,
		UpdatedAt: img.UpdatedAt,
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if original, thumbnail, err := storage.ImageKeys(img.UserID, img.ID, convert.Extension); err == nil {
		resp.URL = h.deps.Areas.PublicURL(original)
		resp.ThumbnailURL = h.deps.Areas.PublicURL(thumbnail)
	}
	return resp
}

func (h HandlerSet) UploadMedia(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	maxBytes := h.cfg.Intake.MaxUploadBytes
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	defer file.Close()

	form := uploadForm{
		Title: strings.TrimSpace(c.PostForm("title")),
		Tags:  splitTags(c.PostFormArray("tags")),
	}
	if err := h.validator.Struct(form); err != nil {
		h.writeValidationError(c, err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_unreadable"})
		return
	}

	var title *string
	if form.Title != "" {
		title = &form.Title
	}

	result, err := h.deps.Uploads.Ingest(c.Request.Context(), service.IngestInput{
		UserID: user.ID,
		Data:   data,
		Title:  title,
		Tags:   form.Tags,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"image": h.toResponse(result.Image),
	})
}

func (h HandlerSet) UpdateMedia(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.writeValidationError(c, err)
		return
	}

	image, err := h.deps.Images.Update(c.Request.Context(), user.ID, c.Param("id"), req.Title, req.Tags)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"image": h.toResponse(image),
	})
}

func (h HandlerSet) DeleteMedia(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.deps.Images.Delete(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// splitTags accepts both repeated fields and a comma separated value.
func splitTags(values []string) []string {
	var tags []string
	for _, v := range values {
		for _, tag := range strings.Split(v, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}
