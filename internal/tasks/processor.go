package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"katasu/internal/async"
	"katasu/internal/convert"
	"katasu/internal/metrics"
	"katasu/internal/models"
	"katasu/internal/queue"
	"katasu/internal/repository"
	"katasu/internal/storage"
)

type ImageStore interface {
	GetByID(ctx context.Context, id string) (models.Image, error)
	UpdateStatus(ctx context.Context, id string, status models.ImageStatus) error
}

type Thumbnailer interface {
	Thumbnail(ctx context.Context, original []byte) (convert.Rendition, error)
}

type Classifier interface {
	Check(ctx context.Context, publicURL string) (bool, error)
}

type DeadLetterer interface {
	Put(ctx context.Context, d queue.Delivery, reason error) error
}

type ListingInvalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
}

type Deps struct {
	Images      ImageStore
	Areas       storage.Areas
	Thumbnails  Thumbnailer
	Gate        Classifier
	DeadLetters DeadLetterer
	Listings    ListingInvalidator
	Metrics     metrics.Observer
}

// Processor drives one moderation job from the holding area to a terminal
// status. Handle is safe for concurrent use on distinct images.
type Processor struct {
	deps        Deps
	maxAttempts int
	callTimeout time.Duration
	logger      zerolog.Logger
}

func NewProcessor(deps Deps, maxAttempts int, callTimeout time.Duration, logger zerolog.Logger) *Processor {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Processor{
		deps:        deps,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// errTempMissing means the holding-area original is gone and nothing was
// published, so the job can never succeed.
var errTempMissing = errors.New("temp original missing")

type job struct {
	delivery  queue.Delivery
	image     models.Image
	original  string
	thumbnail string
	flagged   bool
	log       zerolog.Logger
}

// Handle runs one delivery. A panic is handled like any other retryable
// failure, so at the ceiling the image still ends in a terminal status.
func (p *Processor) Handle(ctx context.Context, d queue.Delivery) (outcome queue.Outcome) {
	j := &job{
		delivery: d,
		log: p.logger.With().
			Str("image_id", d.Job.ImageID).
			Str("user_id", d.Job.UserID).
			Str("message_id", d.MessageID).
			Int("attempt", d.Attempt).
			Logger(),
	}

	defer func() {
		if r := recover(); r != nil {
			j.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			outcome = p.retry(ctx, j, "panic", fmt.Errorf("panic: %v", r))
		}
	}()

	return p.run(ctx, j)
}

func (p *Processor) run(ctx context.Context, j *job) queue.Outcome {
	d := j.delivery

	var err error
	j.original, j.thumbnail, err = storage.ImageKeys(d.Job.UserID, d.Job.ImageID, convert.Extension)
	if err != nil {
		j.log.Error().Err(err).Msg("cannot derive keys")
		p.deadLetter(ctx, j.log, d, err)
		return p.settle(d, "invalid")
	}

	var image models.Image
	err = p.call(ctx, "load", func(ctx context.Context) error {
		var err error
		image, err = p.deps.Images.GetByID(ctx, d.Job.ImageID)
		return err
	})
	switch {
	case errors.Is(err, repository.ErrImageNotFound):
		j.log.Info().Msg("image row gone, cleaning up objects")
		p.removeAll(ctx, j.log, j.original, j.thumbnail)
		return p.settle(d, "gone")
	case err != nil:
		return p.retry(ctx, j, "load", err)
	}

	if image.UserID != d.Job.UserID {
		j.log.Error().Str("owner_id", image.UserID).Msg("job owner does not match image owner")
		return p.settle(d, "invalid")
	}
	if image.Status.Terminal() {
		j.log.Debug().Str("status", string(image.Status)).Msg("already settled")
		return p.settle(d, "duplicate")
	}
	j.image = image

	if err := p.publish(ctx, j); err != nil {
		if errors.Is(err, errTempMissing) || convert.IsTerminal(err) {
			return p.giveUp(ctx, j, err)
		}
		return p.retry(ctx, j, "publish", err)
	}

	err = p.call(ctx, "gate", func(ctx context.Context) error {
		var err error
		j.flagged, err = p.deps.Gate.Check(ctx, p.deps.Areas.PublicURL(j.original))
		return err
	})
	if err != nil {
		j.flagged = false
		return p.retry(ctx, j, "gate", err)
	}

	if j.flagged {
		if err := p.unpublish(ctx, j); err != nil {
			return p.retry(ctx, j, "unpublish", err)
		}
		return p.commit(ctx, j, models.ImageStatusModerationViolation)
	}
	return p.commit(ctx, j, models.ImageStatusPublished)
}

// publish copies both renditions from the holding area into the public
// area. The holding copies stay until a terminal status commits, so every
// retry can publish again and ask for a fresh verdict. A job whose holding
// copies are gone but whose renditions are already public resumes at the
// verdict.
func (p *Processor) publish(ctx context.Context, j *job) error {
	var original []byte
	err := p.call(ctx, "fetch", func(ctx context.Context) error {
		var err error
		original, err = p.deps.Areas.Temp.Get(ctx, j.original)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		published, err := p.alreadyPublished(ctx, j)
		if err != nil {
			return err
		}
		if published {
			j.log.Info().Msg("renditions already public, resuming at verdict")
			return nil
		}
		return errTempMissing
	}
	if err != nil {
		return err
	}

	var thumbnail []byte
	err = p.call(ctx, "fetch", func(ctx context.Context) error {
		var err error
		thumbnail, err = p.deps.Areas.Temp.Get(ctx, j.thumbnail)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		j.log.Warn().Msg("temp thumbnail missing, regenerating")
		err = p.call(ctx, "convert", func(ctx context.Context) error {
			rendition, err := p.deps.Thumbnails.Thumbnail(ctx, original)
			thumbnail = rendition.Data
			return err
		})
	}
	if err != nil {
		return err
	}

	err = p.call(ctx, "publish", func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return p.deps.Areas.Public.Put(gctx, j.original, original, convert.ContentType)
		})
		g.Go(func() error {
			return p.deps.Areas.Public.Put(gctx, j.thumbnail, thumbnail, convert.ContentType)
		})
		return g.Wait()
	})
	return err
}

func (p *Processor) unpublish(ctx context.Context, j *job) error {
	return p.call(ctx, "unpublish", func(ctx context.Context) error {
		return p.deps.Areas.Public.Delete(ctx, j.original, j.thumbnail)
	})
}

// dropHolding removes the holding copies once the verdict is recorded.
func (p *Processor) dropHolding(ctx context.Context, j *job) {
	if err := p.call(ctx, "cleanup", func(ctx context.Context) error {
		return p.deps.Areas.Temp.Delete(ctx, j.original, j.thumbnail)
	}); err != nil {
		j.log.Warn().Err(err).Msg("temp cleanup failed, leaving for sweep")
	}
}

func (p *Processor) alreadyPublished(ctx context.Context, j *job) (bool, error) {
	for _, key := range []string{j.original, j.thumbnail} {
		var ok bool
		err := p.call(ctx, "fetch", func(ctx context.Context) error {
			var err error
			ok, err = p.deps.Areas.Public.Exists(ctx, key)
			return err
		})
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (p *Processor) commit(ctx context.Context, j *job, status models.ImageStatus) queue.Outcome {
	err := p.call(ctx, "commit", func(ctx context.Context) error {
		return p.deps.Images.UpdateStatus(ctx, j.image.ID, status)
	})
	if errors.Is(err, repository.ErrImageNotFound) {
		j.log.Info().Msg("image deleted during moderation, cleaning up")
		p.removeAll(ctx, j.log, j.original, j.thumbnail)
		return p.settle(j.delivery, "gone")
	}
	if err != nil {
		return p.retry(ctx, j, "commit", err)
	}

	j.log.Info().Str("status", string(status)).Msg("moderation settled")
	p.dropHolding(ctx, j)
	if status == models.ImageStatusPublished {
		p.invalidate(j.image.UserID)
	}
	return p.settle(j.delivery, string(status))
}

func (p *Processor) retry(ctx context.Context, j *job, stage string, err error) queue.Outcome {
	if j.delivery.Attempt < p.maxAttempts {
		j.log.Warn().Err(err).Str("stage", stage).Msg("retryable failure")
		return p.settle(j.delivery, "retry")
	}
	return p.giveUp(ctx, j, fmt.Errorf("%s: %w", stage, err))
}

// giveUp settles a job that will not be retried. A verdict that was already
// known is recorded as is; otherwise the image moves to error. Nothing may
// stay public for an image in error, so if the public renditions cannot be
// removed the row is left pending for the stale sweep. When the row could
// not even be loaded its state is unknown and the objects are left alone.
// Holding copies of images in error are kept for an operator requeue.
func (p *Processor) giveUp(ctx context.Context, j *job, reason error) queue.Outcome {
	j.log.Error().Err(reason).Msg("moderation failed permanently")

	status := models.ImageStatusError
	if j.flagged {
		status = models.ImageStatusModerationViolation
	}

	if j.image.ID != "" {
		p.settleImage(ctx, j, status)
	}

	p.deadLetter(ctx, j.log, j.delivery, reason)
	return p.settle(j.delivery, string(status))
}

func (p *Processor) settleImage(ctx context.Context, j *job, status models.ImageStatus) {
	if err := p.unpublish(ctx, j); err != nil {
		j.log.Error().Err(err).
			Str("original", j.original).
			Str("thumbnail", j.thumbnail).
			Msg("could not remove public renditions, leaving image pending for the stale sweep")
		return
	}

	err := p.call(ctx, "commit", func(ctx context.Context) error {
		return p.deps.Images.UpdateStatus(ctx, j.image.ID, status)
	})
	switch {
	case errors.Is(err, repository.ErrImageNotFound):
		p.removeAll(ctx, j.log, j.original, j.thumbnail)
	case err != nil:
		j.log.Error().Err(err).Str("status", string(status)).Msg("could not record final status, leaving for sweep")
	case status == models.ImageStatusModerationViolation:
		p.dropHolding(ctx, j)
	}
}

func (p *Processor) removeAll(ctx context.Context, log zerolog.Logger, keys ...string) {
	for _, bucket := range []storage.Bucket{p.deps.Areas.Temp, p.deps.Areas.Public} {
		if err := p.call(ctx, "cleanup", func(ctx context.Context) error {
			return bucket.Delete(ctx, keys...)
		}); err != nil {
			log.Warn().Err(err).Msg("object cleanup failed, leaving for sweep")
		}
	}
}

func (p *Processor) deadLetter(ctx context.Context, log zerolog.Logger, d queue.Delivery, reason error) {
	if p.deps.DeadLetters == nil {
		return
	}
	if err := p.call(ctx, "deadletter", func(ctx context.Context) error {
		return p.deps.DeadLetters.Put(ctx, d, reason)
	}); err != nil {
		log.Error().Err(err).Msg("dead-letter failed")
	}
}

func (p *Processor) invalidate(userID string) {
	if p.deps.Listings == nil {
		return
	}
	async.Go(p.logger, "listing-invalidate", func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
		defer cancel()
		if err := p.deps.Listings.InvalidateUser(ctx, userID); err != nil {
			p.logger.Warn().Err(err).Str("user_id", userID).Msg("listing invalidation failed")
		}
	})
}

func (p *Processor) settle(d queue.Delivery, outcome string) queue.Outcome {
	p.deps.Metrics.RecordJob(outcome, d.Attempt)
	if outcome == "retry" {
		return queue.Retry
	}
	return queue.Ack
}

// call bounds one external call with its own deadline.
func (p *Processor) call(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	p.deps.Metrics.RecordStage(stage, time.Since(start), err)
	return err
}

func (p *Processor) timeout() time.Duration {
	if p.callTimeout <= 0 {
		return 30 * time.Second
	}
	return p.callTimeout
}
