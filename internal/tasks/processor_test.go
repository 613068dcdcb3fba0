package tasks

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"katasu/internal/config"
	"katasu/internal/convert"
	"katasu/internal/models"
	"katasu/internal/moderation"
	"katasu/internal/queue"
	"katasu/internal/repository"
	"katasu/internal/storage"
)

type fakeImages struct {
	mu        sync.Mutex
	rows      map[string]models.Image
	getErr    error
	updateErr error
	// failUpdates fails that many status writes before they start to land.
	failUpdates int
}

func (f *fakeImages) GetByID(ctx context.Context, id string) (models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return models.Image{}, f.getErr
	}
	img, ok := f.rows[id]
	if !ok {
		return models.Image{}, repository.ErrImageNotFound
	}
	return img, nil
}

func (f *fakeImages) UpdateStatus(ctx context.Context, id string, status models.ImageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.failUpdates > 0 {
		f.failUpdates--
		return errors.New("serialization failure")
	}
	img, ok := f.rows[id]
	if !ok {
		return repository.ErrImageNotFound
	}
	img.Status = status
	f.rows[id] = img
	return nil
}

func (f *fakeImages) status(id string) models.ImageStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].Status
}

type fakeGate struct {
	mu      sync.Mutex
	flagged bool
	err     error
	urls    []string
}

func (f *fakeGate) Check(ctx context.Context, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return f.flagged, f.err
}

func (f *fakeGate) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

type panickingGate struct{}

func (panickingGate) Check(ctx context.Context, url string) (bool, error) {
	panic("classifier blew up")
}

type fakeDeadLetters struct {
	mu   sync.Mutex
	jobs []queue.Delivery
}

func (f *fakeDeadLetters) Put(ctx context.Context, d queue.Delivery, reason error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, d)
	return nil
}

type fakeListings struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeListings) InvalidateUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return nil
}

func (f *fakeListings) invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

// failingDeletes wraps a bucket whose deletes fail.
type failingDeletes struct {
	storage.Bucket
}

func (failingDeletes) Delete(ctx context.Context, keys ...string) error {
	return errors.New("delete refused")
}

type fixture struct {
	images    *fakeImages
	temp      *storage.MemoryBucket
	public    *storage.MemoryBucket
	gate      *fakeGate
	dead      *fakeDeadLetters
	listings  *fakeListings
	converter *convert.Converter
	deps      Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		images:   &fakeImages{rows: map[string]models.Image{}},
		temp:     storage.NewMemoryBucket(),
		public:   storage.NewMemoryBucket(),
		gate:     &fakeGate{},
		dead:     &fakeDeadLetters{},
		listings: &fakeListings{},
		converter: convert.NewConverter(config.ConvertConfig{
			OriginalMaxEdge:  2048,
			OriginalQuality:  80,
			ThumbnailMaxEdge: 500,
			ThumbnailQuality: 50,
			MaxAspectRatio:   4,
		}),
	}
	f.deps = Deps{
		Images:      f.images,
		Areas:       storage.Areas{Temp: f.temp, Public: f.public, PublicBaseURL: "https://cdn.test"},
		Thumbnails:  f.converter,
		Gate:        f.gate,
		DeadLetters: f.dead,
		Listings:    f.listings,
	}
	return f
}

func (f *fixture) processor() *Processor {
	return NewProcessor(f.deps, 3, time.Second, zerolog.Nop())
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 90, A: 255}), imaging.JPEG))
	return buf.Bytes()
}

// seed registers a pending image the way intake leaves it.
func (f *fixture) seed(t *testing.T) (models.Image, string, string) {
	t.Helper()
	ctx := context.Background()
	img := models.Image{ID: "img1", UserID: "user1", Width: 1200, Height: 800, Status: models.ImageStatusPendingReview}
	f.images.rows[img.ID] = img

	original, thumbnail, err := storage.ImageKeys(img.UserID, img.ID, convert.Extension)
	require.NoError(t, err)
	require.NoError(t, f.temp.Put(ctx, original, jpegBytes(t, 1200, 800), convert.ContentType))
	require.NoError(t, f.temp.Put(ctx, thumbnail, jpegBytes(t, 500, 333), convert.ContentType))
	return img, original, thumbnail
}

func delivery(img models.Image, attempt int) queue.Delivery {
	return queue.Delivery{
		MessageID: "1-0",
		Attempt:   attempt,
		Job:       queue.Job{ImageID: img.ID, UserID: img.UserID},
	}
}

func exists(t *testing.T, b storage.Bucket, key string) bool {
	t.Helper()
	ok, err := b.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestCleanVerdictPublishes(t *testing.T) {
	f := newFixture(t)
	img, original, thumbnail := f.seed(t)

	outcome := f.processor().Handle(context.Background(), delivery(img, 1))

	require.Equal(t, queue.Ack, outcome)
	require.Equal(t, models.ImageStatusPublished, f.images.status(img.ID))
	require.True(t, exists(t, f.public, original))
	require.True(t, exists(t, f.public, thumbnail))
	require.Equal(t, 0, f.temp.Len())
	require.Equal(t, []string{"https://cdn.test/" + original}, f.gate.urls)
	require.Eventually(t, func() bool {
		return len(f.listings.invalidated()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFlaggedVerdictRemovesRenditions(t *testing.T) {
	f := newFixture(t)
	f.gate.flagged = true
	img, _, _ := f.seed(t)

	outcome := f.processor().Handle(context.Background(), delivery(img, 1))

	require.Equal(t, queue.Ack, outcome)
	require.Equal(t, models.ImageStatusModerationViolation, f.images.status(img.ID))
	require.Equal(t, 0, f.public.Len())
	require.Equal(t, 0, f.temp.Len())
	require.Empty(t, f.dead.jobs)
}

func TestMissingTempOriginalIsTerminalOnFirstAttempt(t *testing.T) {
	f := newFixture(t)
	img, original, thumbnail := f.seed(t)
	require.NoError(t, f.temp.Delete(context.Background(), original, thumbnail))

	outcome := f.processor().Handle(context.Background(), delivery(img, 1))

	require.Equal(t, queue.Ack, outcome)
	require.Equal(t, models.ImageStatusError, f.images.status(img.ID))
	require.Equal(t, 0, f.gate.calls())
	require.Len(t, f.dead.jobs, 1)
}

func TestGateOutageRetriesExactlyUpToCeiling(t *testing.T) {
	f := newFixture(t)
	f.gate.err = moderation.ErrUnavailable
	img, original, _ := f.seed(t)
	p := f.processor()

	require.Equal(t, queue.Retry, p.Handle(context.Background(), delivery(img, 1)))
	require.Equal(t, models.ImageStatusPendingReview, f.images.status(img.ID))
	require.True(t, exists(t, f.public, original))
	require.Equal(t, 2, f.temp.Len())

	require.Equal(t, queue.Retry, p.Handle(context.Background(), delivery(img, 2)))
	require.Equal(t, models.ImageStatusPendingReview, f.images.status(img.ID))

	require.Equal(t, queue.Ack, p.Handle(context.Background(), delivery(img, 3)))
	require.Equal(t, models.ImageStatusError, f.images.status(img.ID))
	require.Equal(t, 0, f.public.Len())
	// Kept for an operator requeue.
	require.Equal(t, 2, f.temp.Len())
	require.Equal(t, 3, f.gate.calls())
	require.Len(t, f.dead.jobs, 1)
	require.Equal(t, 3, f.dead.jobs[0].Attempt)
}

func TestRecoveryAfterOutage(t *testing.T) {
	f := newFixture(t)
	f.gate.err = moderation.ErrUnavailable
	img, original, thumbnail := f.seed(t)
	p := f.processor()

	require.Equal(t, queue.Retry, p.Handle(context.Background(), delivery(img, 1)))

	f.gate.err = nil
	require.Equal(t, queue.Ack, p.Handle(context.Background(), delivery(img, 2)))
	require.Equal(t, models.ImageStatusPublished, f.images.status(img.ID))
	require.True(t, exists(t, f.public, original))
	require.True(t, exists(t, f.public, thumbnail))
}

func TestMissingRowCleansUpAndAcks(t *testing.T) {
	f := newFixture(t)
	img, _, _ := f.seed(t)
	delete(f.images.rows, img.ID)

	outcome := f.processor().Handle(context.Background(), delivery(img, 1))

	require.Equal(t, queue.Ack, outcome)
	require.Equal(t, 0, f.temp.Len())
	require.Equal(t, 0, f.public.Len())
	require.Equal(t, 0, f.gate.calls())
}

func TestTerminalRowIsNotReprocessed(t *testing.T) {
	f := newFixture(t)
	img, _, _ := f.seed(t)
	img.Status = models.ImageStatusPublished
	f.images.rows[img.ID] = img

	outcome := f.processor().Handle(context.Background(), delivery(img, 1))

	require.Equal(t, queue.Ack, outcome)
	require.Equal(t, 0, f.gate.calls())
	require.Equal(t, 2, f.temp.Len())
}

func TestOwnerMismatchIsAckedUntouched(t *testing.T) {
	f := newFixture(t)
	img, _, _ := f.seed(t)
	d := delivery(img, 1)
	d.Job.UserID = "someone-else"

	require.Equal(t, queue.Ack, f.processor().Handle(context.Background(), d))
	require.Equal(t, models.ImageStatusPendingReview, f.images.status(img.ID))
	require.Equal(t, 2, f.temp.Len())
}

func TestFlaggedButUnpublishFailsIsRetried(t *testing.T) {
	f := newFixture(t)
	f.gate.flagged = true
	img, original, _ := f.seed(t)
	f.deps.Areas.Public = failingDeletes{Bucket: f.public}

	outcome := f.processor().Handle(context.Background(), delivery(img, 1))

	require.Equal(t, queue.Retry, outcome)
	require.Equal(t, models.ImageStatusPendingReview, f.images.status(img.ID))
	require.True(t, exists(t, f.public, original))
}

func TestMissingTempThumbnailIsRegenerated(t *testing.T) {
	f := newFixture(t)
	img, _, thumbnail := f.seed(t)
	require.NoError(t, f.temp.Delete(context.Background(), thumbnail))

	outcome := f.processor().Handle(context.Background(), delivery(img, 1))

	require.Equal(t, queue.Ack, outcome)
	require.Equal(t, models.ImageStatusPublished, f.images.status(img.ID))

	data, err := f.public.Get(context.Background(), thumbnail)
	require.NoError(t, err)
	decoded, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 500, decoded.Bounds().Dx())
	require.Equal(t, 333, decoded.Bounds().Dy())
}

func TestCatalogOutageAtCeilingLeavesObjectsAlone(t *testing.T) {
	f := newFixture(t)
	img, _, _ := f.seed(t)
	f.images.getErr = errors.New("connection reset")

	p := f.processor()
	require.Equal(t, queue.Retry, p.Handle(context.Background(), delivery(img, 1)))
	require.Equal(t, queue.Ack, p.Handle(context.Background(), delivery(img, 3)))
	require.Equal(t, 2, f.temp.Len())
	require.Len(t, f.dead.jobs, 1)
}

func TestCommitFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	img, _, _ := f.seed(t)
	f.images.updateErr = errors.New("serialization failure")

	outcome := f.processor().Handle(context.Background(), delivery(img, 1))

	require.Equal(t, queue.Retry, outcome)
	require.Equal(t, models.ImageStatusPendingReview, f.images.status(img.ID))
}

func TestFlaggedVerdictSurvivesCommitRetry(t *testing.T) {
	f := newFixture(t)
	f.gate.flagged = true
	img, _, _ := f.seed(t)
	f.images.failUpdates = 1
	p := f.processor()

	require.Equal(t, queue.Retry, p.Handle(context.Background(), delivery(img, 1)))
	require.Equal(t, models.ImageStatusPendingReview, f.images.status(img.ID))
	require.Equal(t, 2, f.temp.Len())

	require.Equal(t, queue.Ack, p.Handle(context.Background(), delivery(img, 2)))
	require.Equal(t, models.ImageStatusModerationViolation, f.images.status(img.ID))
	require.Equal(t, 2, f.gate.calls())
	require.Equal(t, 0, f.public.Len())
	require.Equal(t, 0, f.temp.Len())
	require.Empty(t, f.dead.jobs)
}

func TestFlaggedVerdictIsKeptAtCeiling(t *testing.T) {
	f := newFixture(t)
	f.gate.flagged = true
	img, _, _ := f.seed(t)
	f.images.failUpdates = 1

	outcome := f.processor().Handle(context.Background(), delivery(img, 3))

	require.Equal(t, queue.Ack, outcome)
	require.Equal(t, models.ImageStatusModerationViolation, f.images.status(img.ID))
	require.Equal(t, 0, f.public.Len())
	require.Equal(t, 0, f.temp.Len())
	require.Len(t, f.dead.jobs, 1)
}

func TestResumesFromPublicRenditions(t *testing.T) {
	f := newFixture(t)
	img, original, thumbnail := f.seed(t)
	ctx := context.Background()
	for _, key := range []string{original, thumbnail} {
		data, err := f.temp.Get(ctx, key)
		require.NoError(t, err)
		require.NoError(t, f.public.Put(ctx, key, data, convert.ContentType))
	}
	require.NoError(t, f.temp.Delete(ctx, original, thumbnail))

	outcome := f.processor().Handle(ctx, delivery(img, 2))

	require.Equal(t, queue.Ack, outcome)
	require.Equal(t, models.ImageStatusPublished, f.images.status(img.ID))
	require.Equal(t, 1, f.gate.calls())
	require.Empty(t, f.dead.jobs)
}

func TestPanicIsRetriedThenSettlesAsError(t *testing.T) {
	f := newFixture(t)
	f.deps.Gate = panickingGate{}
	img, _, _ := f.seed(t)
	p := f.processor()

	require.Equal(t, queue.Retry, p.Handle(context.Background(), delivery(img, 1)))
	require.Equal(t, models.ImageStatusPendingReview, f.images.status(img.ID))
	require.Empty(t, f.dead.jobs)

	require.Equal(t, queue.Ack, p.Handle(context.Background(), delivery(img, 3)))
	require.Equal(t, models.ImageStatusError, f.images.status(img.ID))
	require.Equal(t, 0, f.public.Len())
	require.Len(t, f.dead.jobs, 1)
}

func TestUnpublishFailureAtCeilingLeavesImagePending(t *testing.T) {
	f := newFixture(t)
	f.gate.err = moderation.ErrUnavailable
	img, original, thumbnail := f.seed(t)
	f.deps.Areas.Public = failingDeletes{Bucket: f.public}

	outcome := f.processor().Handle(context.Background(), delivery(img, 3))

	require.Equal(t, queue.Ack, outcome)
	require.Equal(t, models.ImageStatusPendingReview, f.images.status(img.ID))
	require.True(t, exists(t, f.public, original))
	require.True(t, exists(t, f.public, thumbnail))
	require.Len(t, f.dead.jobs, 1)
}
