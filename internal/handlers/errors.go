package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"katasu/internal/convert"
	"katasu/internal/repository"
	"katasu/internal/service"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{service.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{service.ErrQuotaExceeded, http.StatusForbidden, "quota_exceeded"},
	{service.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "file_too_large"},
	{convert.ErrAspectRatioRejected, http.StatusUnprocessableEntity, "aspect_ratio_rejected"},
	{convert.ErrDecodeFailed, http.StatusUnprocessableEntity, "unsupported_image"},
	{service.ErrDuplicateIdentifier, http.StatusServiceUnavailable, "retry"},
	{service.ErrStorageWrite, http.StatusServiceUnavailable, "retry"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},
	{service.ErrNotRequeueable, http.StatusConflict, "not_requeueable"},
	{repository.ErrStatusConflict, http.StatusConflict, "status_conflict"},
	{repository.ErrImageNotFound, http.StatusNotFound, "image_not_found"},
	{repository.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

func (h HandlerSet) writeError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		if m.status == http.StatusServiceUnavailable {
			c.Header("Retry-After", "1")
		}
		if m.status >= 500 {
			_ = c.Error(err)
		}
		c.JSON(m.status, gin.H{"error": m.code})
		return
	}

	_ = c.Error(err)
	h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
}

func (h HandlerSet) writeValidationError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":  "validation_failed",
		"fields": validationErrorsToMap(err),
	})
}

func validationErrorsToMap(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs["error"] = err.Error()
		return errs
	}
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			errs[field] = "is required"
		case "max":
			errs[field] = "exceeds maximum length"
		case "oneof":
			errs[field] = "is not an allowed value"
		default:
			errs[field] = "invalid value"
		}
	}
	return errs
}
