package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"katasu/internal/async"
	"katasu/internal/config"
	"katasu/internal/convert"
	"katasu/internal/ids"
	"katasu/internal/media/sniffer"
	"katasu/internal/metrics"
	"katasu/internal/models"
	"katasu/internal/queue"
	"katasu/internal/storage"
)

var (
	ErrRateLimited         = errors.New("upload rate limit exceeded")
	ErrQuotaExceeded       = errors.New("photo quota exceeded")
	ErrFileTooLarge        = errors.New("file too large")
	ErrDuplicateIdentifier = errors.New("image identifier already in use")
	// ErrStorageWrite is retryable: the caller should submit the upload again.
	ErrStorageWrite = errors.New("storage write failed")
)

type ImageCatalog interface {
	Create(ctx context.Context, image models.Image) error
	Delete(ctx context.Context, id, userID string) error
}

type QuotaReader interface {
	GetQuota(ctx context.Context, userID string) (models.Quota, error)
}

type Converter interface {
	Probe(raw []byte) (convert.Dimensions, error)
	Convert(ctx context.Context, raw []byte, dims convert.Dimensions) (convert.Renditions, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

type ListingInvalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
}

type UploadDeps struct {
	Images    ImageCatalog
	Quotas    QuotaReader
	Areas     storage.Areas
	Converter Converter
	Queue     Enqueuer
	Listings  ListingInvalidator
	Limiter   *RateLimiter
	Metrics   metrics.Observer
}

type IngestInput struct {
	UserID string
	Data   []byte
	Title  *string
	Tags   []string
}

type IngestResult struct {
	Image models.Image
}

type UploadService struct {
	deps  UploadDeps
	cfg   config.IntakeConfig
	log   zerolog.Logger
	newID func() string
	now   func() time.Time
	retry func() backoff.BackOff
}

func NewUploadService(deps UploadDeps, cfg config.IntakeConfig, log zerolog.Logger) *UploadService {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	retries := cfg.EnqueueRetries
	return &UploadService{
		deps:  deps,
		cfg:   cfg,
		log:   log,
		newID: ids.New,
		now:   time.Now,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, retries)
		},
	}
}

// Ingest validates, converts and registers an upload, then hands it to the
// moderation queue. On success the image is pending review and both
// renditions sit in the holding area.
func (s *UploadService) Ingest(ctx context.Context, in IngestInput) (IngestResult, error) {
	start := time.Now()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	result, err := s.ingest(ctx, in)
	s.deps.Metrics.RecordIngest(ingestOutcome(err), time.Since(start))
	return result, err
}

func (s *UploadService) ingest(ctx context.Context, in IngestInput) (IngestResult, error) {
	log := s.log.With().Str("user_id", in.UserID).Logger()

	if !s.deps.Limiter.Allow(in.UserID) {
		return IngestResult{}, ErrRateLimited
	}

	quota, err := s.deps.Quotas.GetQuota(ctx, in.UserID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("load quota: %w", err)
	}
	if quota.Exhausted() {
		return IngestResult{}, ErrQuotaExceeded
	}

	if s.cfg.MaxUploadBytes > 0 && int64(len(in.Data)) > s.cfg.MaxUploadBytes {
		return IngestResult{}, ErrFileTooLarge
	}
	if _, err := sniffer.DetectUpload(in.Data); err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", convert.ErrDecodeFailed, err)
	}

	imageID := s.newID()
	originalKey, thumbnailKey, err := storage.ImageKeys(in.UserID, imageID, convert.Extension)
	if err != nil {
		return IngestResult{}, err
	}
	log = log.With().Str("image_id", imageID).Logger()

	if err := s.ensureUnused(ctx, originalKey); err != nil {
		return IngestResult{}, err
	}

	dims, err := s.deps.Converter.Probe(in.Data)
	if err != nil {
		return IngestResult{}, err
	}
	renditions, err := s.deps.Converter.Convert(ctx, in.Data, dims)
	if err != nil {
		return IngestResult{}, err
	}

	now := s.now().UTC()
	image := models.Image{
		ID:        imageID,
		UserID:    in.UserID,
		Width:     dims.Width,
		Height:    dims.Height,
		Title:     in.Title,
		Tags:      in.Tags,
		Status:    models.ImageStatusPendingReview,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.register(ctx, log, image, renditions, originalKey, thumbnailKey); err != nil {
		return IngestResult{}, err
	}

	log.Info().Int("width", dims.Width).Int("height", dims.Height).Msg("upload registered")

	s.invalidate(in.UserID)
	s.enqueue(ctx, log, queue.Job{ImageID: imageID, UserID: in.UserID})

	return IngestResult{Image: image}, nil
}

func (s *UploadService) ensureUnused(ctx context.Context, originalKey string) error {
	for _, bucket := range []storage.Bucket{s.deps.Areas.Temp, s.deps.Areas.Public} {
		exists, err := bucket.Exists(ctx, originalKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageWrite, err)
		}
		if exists {
			return ErrDuplicateIdentifier
		}
	}
	return nil
}

// register writes both renditions and the catalog row concurrently. If any
// write fails, whatever did land is undone so the quota is never charged for
// an image without objects.
func (s *UploadService) register(ctx context.Context, log zerolog.Logger, image models.Image, r convert.Renditions, originalKey, thumbnailKey string) error {
	var g errgroup.Group
	var catalogErr error
	objectsErr := make([]error, 2)
	g.Go(func() error {
		objectsErr[0] = s.deps.Areas.Temp.Put(ctx, originalKey, r.Original.Data, r.Original.ContentType)
		return nil
	})
	g.Go(func() error {
		objectsErr[1] = s.deps.Areas.Temp.Put(ctx, thumbnailKey, r.Thumbnail.Data, r.Thumbnail.ContentType)
		return nil
	})
	g.Go(func() error {
		catalogErr = s.deps.Images.Create(ctx, image)
		return nil
	})
	_ = g.Wait()

	writeErr := errors.Join(objectsErr...)
	if writeErr == nil && catalogErr == nil {
		return nil
	}

	// Compensation must not inherit the request deadline.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if catalogErr == nil {
		if err := s.deps.Images.Delete(cleanupCtx, image.ID, image.UserID); err != nil {
			log.Error().Err(err).Msg("could not roll back catalog row")
		}
	}
	if err := s.deps.Areas.Temp.Delete(cleanupCtx, originalKey, thumbnailKey); err != nil {
		log.Warn().Err(err).Msg("could not remove partial upload, leaving for sweep")
	}

	if writeErr != nil {
		log.Error().Err(writeErr).Msg("rendition write failed")
		return fmt.Errorf("%w: %v", ErrStorageWrite, writeErr)
	}
	return fmt.Errorf("save metadata: %w", catalogErr)
}

func (s *UploadService) enqueue(ctx context.Context, log zerolog.Logger, job queue.Job) {
	if s.deps.Queue == nil {
		return
	}
	err := backoff.Retry(func() error {
		return s.deps.Queue.Enqueue(ctx, job)
	}, backoff.WithContext(s.retry(), ctx))
	if err != nil {
		log.Error().Err(err).Msg("enqueue failed, image left for the stale sweep")
	}
}

func (s *UploadService) invalidate(userID string) {
	if s.deps.Listings == nil {
		return
	}
	async.Go(s.log, "listing-invalidate", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Listings.InvalidateUser(ctx, userID); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("listing invalidation failed")
		}
	})
}

func ingestOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrFileTooLarge):
		return "too_large"
	case errors.Is(err, convert.ErrAspectRatioRejected):
		return "aspect_rejected"
	case errors.Is(err, convert.ErrDecodeFailed):
		return "undecodable"
	case errors.Is(err, ErrDuplicateIdentifier):
		return "duplicate"
	case errors.Is(err, ErrStorageWrite):
		return "storage_error"
	default:
		return "error"
	}
}
