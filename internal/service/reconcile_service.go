package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"katasu/internal/config"
	"katasu/internal/convert"
	"katasu/internal/metrics"
	"katasu/internal/models"
	"katasu/internal/queue"
	"katasu/internal/storage"
)

var ErrNotRequeueable = errors.New("image cannot be requeued")

type SweepStore interface {
	GetByID(ctx context.Context, id string) (models.Image, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Image, error)
	Statuses(ctx context.Context, ids []string) (map[string]models.ImageStatus, error)
	ResetStatus(ctx context.Context, id string, from, to models.ImageStatus) error
}

// Reconciler heals jobs that were never enqueued and objects nobody owns
// any more.
type Reconciler struct {
	store   SweepStore
	areas   storage.Areas
	queue   Enqueuer
	cfg     config.SweepConfig
	metrics metrics.Observer
	log     zerolog.Logger
	now     func() time.Time
}

func NewReconciler(store SweepStore, areas storage.Areas, q Enqueuer, cfg config.SweepConfig, observer metrics.Observer, log zerolog.Logger) *Reconciler {
	if observer == nil {
		observer = metrics.Nop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		store:   store,
		areas:   areas,
		queue:   q,
		cfg:     cfg,
		metrics: observer,
		log:     log.With().Str("component", "reconciler").Logger(),
		now:     time.Now,
	}
}

// RequeueStale re-enqueues images stuck in pending review. Touching the row
// keeps the next sweep from enqueueing it again right away.
func (r *Reconciler) RequeueStale(ctx context.Context) (int, error) {
	images, err := r.store.ListStalePending(ctx, r.now().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		r.metrics.RecordSweep("stale", 0, err)
		return 0, fmt.Errorf("list stale: %w", err)
	}

	var requeued int
	var errs []error
	for _, image := range images {
		if err := r.queue.Enqueue(ctx, queue.Job{ImageID: image.ID, UserID: image.UserID}); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", image.ID, err))
			continue
		}
		if err := r.store.ResetStatus(ctx, image.ID, models.ImageStatusPendingReview, models.ImageStatusPendingReview); err != nil {
			r.log.Debug().Err(err).Str("image_id", image.ID).Msg("touch after requeue failed")
		}
		requeued++
	}

	err = errors.Join(errs...)
	r.metrics.RecordSweep("stale", requeued, err)
	if requeued > 0 {
		r.log.Info().Int("requeued", requeued).Msg("stale pending images requeued")
	}
	return requeued, err
}

// PurgeOrphans deletes old objects whose catalog row is gone or whose status
// says they must not be there.
func (r *Reconciler) PurgeOrphans(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.OrphanAfter)

	temp, err := r.purge(ctx, r.areas.Temp, cutoff, func(status models.ImageStatus, found bool) bool {
		return !found || status.Terminal()
	})
	if err != nil {
		r.metrics.RecordSweep("orphans", temp, err)
		return temp, err
	}

	public, err := r.purge(ctx, r.areas.Public, cutoff, func(status models.ImageStatus, found bool) bool {
		return !found || status == models.ImageStatusModerationViolation || status == models.ImageStatusError
	})
	r.metrics.RecordSweep("orphans", temp+public, err)
	if temp+public > 0 {
		r.log.Info().Int("temp", temp).Int("public", public).Msg("orphaned objects purged")
	}
	return temp + public, err
}

func (r *Reconciler) purge(ctx context.Context, bucket storage.Bucket, cutoff time.Time, orphaned func(models.ImageStatus, bool) bool) (int, error) {
	objects, err := bucket.List(ctx, string(storage.KindImage)+"/")
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}

	byImage := make(map[string][]string)
	var ids []string
	for _, obj := range objects {
		if obj.LastModified.After(cutoff) {
			continue
		}
		key, ok := storage.ParseImageKey(obj.Key)
		if !ok {
			r.log.Warn().Str("key", obj.Key).Msg("skipping unrecognised object key")
			continue
		}
		if _, seen := byImage[key.ImageID]; !seen {
			ids = append(ids, key.ImageID)
		}
		byImage[key.ImageID] = append(byImage[key.ImageID], obj.Key)
	}

	var deleted int
	for start := 0; start < len(ids); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(ids))
		batch := ids[start:end]

		statuses, err := r.store.Statuses(ctx, batch)
		if err != nil {
			return deleted, fmt.Errorf("load statuses: %w", err)
		}

		var keys []string
		for _, id := range batch {
			status, found := statuses[id]
			if orphaned(status, found) {
				keys = append(keys, byImage[id]...)
			}
		}
		if len(keys) == 0 {
			continue
		}
		if err := bucket.Delete(ctx, keys...); err != nil {
			return deleted, fmt.Errorf("delete orphans: %w", err)
		}
		deleted += len(keys)
	}
	return deleted, nil
}

// Requeue gives an image in error another pass through moderation. Only
// possible while its holding copy still exists.
func (r *Reconciler) Requeue(ctx context.Context, imageID string) (models.Image, error) {
	image, err := r.store.GetByID(ctx, imageID)
	if err != nil {
		return models.Image{}, err
	}
	if image.Status != models.ImageStatusError {
		return models.Image{}, fmt.Errorf("%w: status is %s", ErrNotRequeueable, image.Status)
	}

	original, _, err := storage.ImageKeys(image.UserID, image.ID, convert.Extension)
	if err != nil {
		return models.Image{}, err
	}
	exists, err := r.areas.Temp.Exists(ctx, original)
	if err != nil {
		return models.Image{}, fmt.Errorf("check holding copy: %w", err)
	}
	if !exists {
		return models.Image{}, fmt.Errorf("%w: holding copy is gone", ErrNotRequeueable)
	}

	if err := r.store.ResetStatus(ctx, image.ID, models.ImageStatusError, models.ImageStatusPendingReview); err != nil {
		return models.Image{}, fmt.Errorf("reset status: %w", err)
	}
	if err := r.queue.Enqueue(ctx, queue.Job{ImageID: image.ID, UserID: image.UserID}); err != nil {
		return models.Image{}, fmt.Errorf("enqueue: %w", err)
	}

	r.log.Info().Str("image_id", image.ID).Msg("image requeued by operator")
	image.Status = models.ImageStatusPendingReview
	return image, nil
}
