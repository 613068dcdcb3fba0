package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"katasu/internal/async"
	"katasu/internal/convert"
	"katasu/internal/models"
	"katasu/internal/storage"
)

var ErrForbidden = errors.New("image belongs to another user")

const (
	maxTags      = 20
	maxTagLength = 64
)

type ImageEditor interface {
	GetByID(ctx context.Context, id string) (models.Image, error)
	UpdateMetadata(ctx context.Context, id, userID string, title *string, tags []string) (models.Image, error)
	Delete(ctx context.Context, id, userID string) error
}

type StatusForgetter interface {
	Forget(imageID string)
}

type ImageService struct {
	images   ImageEditor
	areas    storage.Areas
	listings ListingInvalidator
	statuses StatusForgetter
	log      zerolog.Logger
}

func NewImageService(images ImageEditor, areas storage.Areas, listings ListingInvalidator, statuses StatusForgetter, log zerolog.Logger) *ImageService {
	return &ImageService{
		images:   images,
		areas:    areas,
		listings: listings,
		statuses: statuses,
		log:      log,
	}
}

// Update replaces title and tags. Concurrent edits are last-write-wins.
func (s *ImageService) Update(ctx context.Context, userID, imageID string, title *string, tags []string) (models.Image, error) {
	if _, err := s.owned(ctx, userID, imageID); err != nil {
		return models.Image{}, err
	}

	image, err := s.images.UpdateMetadata(ctx, imageID, userID, NormalizeTitle(title), NormalizeTags(tags))
	if err != nil {
		return models.Image{}, fmt.Errorf("update image: %w", err)
	}

	s.invalidate(userID)
	return image, nil
}

// Delete removes the row (refunding quota) and then both renditions from
// both areas. Objects that survive a failed delete are swept later.
func (s *ImageService) Delete(ctx context.Context, userID, imageID string) error {
	if _, err := s.owned(ctx, userID, imageID); err != nil {
		return err
	}

	if err := s.images.Delete(ctx, imageID, userID); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if s.statuses != nil {
		s.statuses.Forget(imageID)
	}

	original, thumbnail, err := storage.ImageKeys(userID, imageID, convert.Extension)
	if err != nil {
		return err
	}
	for _, bucket := range []storage.Bucket{s.areas.Public, s.areas.Temp} {
		if err := bucket.Delete(ctx, original, thumbnail); err != nil {
			s.log.Warn().Err(err).Str("image_id", imageID).Msg("object delete failed, leaving for sweep")
		}
	}

	s.log.Info().Str("image_id", imageID).Str("user_id", userID).Msg("image deleted")
	s.invalidate(userID)
	return nil
}

func (s *ImageService) owned(ctx context.Context, userID, imageID string) (models.Image, error) {
	image, err := s.images.GetByID(ctx, imageID)
	if err != nil {
		return models.Image{}, err
	}
	if image.UserID != userID {
		return models.Image{}, ErrForbidden
	}
	return image, nil
}

func (s *ImageService) invalidate(userID string) {
	if s.listings == nil {
		return
	}
	async.Go(s.log, "listing-invalidate", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.listings.InvalidateUser(ctx, userID); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("listing invalidation failed")
		}
	})
}

func NormalizeTitle(title *string) *string {
	if title == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*title)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// NormalizeTags trims, drops empties and duplicates, and keeps input order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || len(tag) > maxTagLength {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
