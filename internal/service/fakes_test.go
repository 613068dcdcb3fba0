package service

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"katasu/internal/config"
	"katasu/internal/convert"
	"katasu/internal/models"
	"katasu/internal/queue"
	"katasu/internal/repository"
	"katasu/internal/storage"
)

// fakeStore is an in-memory catalog: image rows plus per-user quota.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]models.Image
	users     map[string]models.Quota
	createErr error
	touched   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]models.Image{}, users: map[string]models.Quota{}}
}

func (f *fakeStore) Create(ctx context.Context, image models.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	q, ok := f.users[image.UserID]
	if !ok {
		return repository.ErrUserNotFound
	}
	f.rows[image.ID] = image
	q.Uploaded++
	f.users[image.UserID] = q
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	image, ok := f.rows[id]
	if !ok || image.UserID != userID {
		return repository.ErrImageNotFound
	}
	delete(f.rows, id)
	q := f.users[userID]
	q.Uploaded = max(q.Uploaded-1, 0)
	f.users[userID] = q
	return nil
}

func (f *fakeStore) GetQuota(ctx context.Context, userID string) (models.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.users[userID]
	if !ok {
		return models.Quota{}, repository.ErrUserNotFound
	}
	return q, nil
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	image, ok := f.rows[id]
	if !ok {
		return models.Image{}, repository.ErrImageNotFound
	}
	return image, nil
}

func (f *fakeStore) UpdateMetadata(ctx context.Context, id, userID string, title *string, tags []string) (models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	image, ok := f.rows[id]
	if !ok || image.UserID != userID {
		return models.Image{}, repository.ErrImageNotFound
	}
	image.Title = title
	image.Tags = tags
	f.rows[id] = image
	return image, nil
}

func (f *fakeStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Image
	for _, image := range f.rows {
		if image.Status == models.ImageStatusPendingReview && image.UpdatedAt.Before(olderThan) {
			out = append(out, image)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) Statuses(ctx context.Context, ids []string) (map[string]models.ImageStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]models.ImageStatus{}
	for _, id := range ids {
		if image, ok := f.rows[id]; ok {
			out[id] = image.Status
		}
	}
	return out, nil
}

func (f *fakeStore) ResetStatus(ctx context.Context, id string, from, to models.ImageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	image, ok := f.rows[id]
	if !ok {
		return repository.ErrImageNotFound
	}
	if image.Status != from {
		return repository.ErrStatusConflict
	}
	image.Status = to
	f.rows[id] = image
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStore) quota(userID string) models.Quota {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID]
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeQueue struct {
	mu    sync.Mutex
	jobs  []queue.Job
	calls int
	err   error
}

func (f *fakeQueue) Enqueue(ctx context.Context, job queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
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

// failingPuts rejects writes to keys with the given suffix.
type failingPuts struct {
	storage.Bucket
	suffix string
}

func (b failingPuts) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if bytes.HasSuffix([]byte(key), []byte(b.suffix)) {
		return errors.New("disk full")
	}
	return b.Bucket.Put(ctx, key, data, contentType)
}

func testConverter() *convert.Converter {
	return convert.NewConverter(config.ConvertConfig{
		OriginalMaxEdge:  2048,
		OriginalQuality:  80,
		ThumbnailMaxEdge: 500,
		ThumbnailQuality: 50,
		MaxAspectRatio:   4,
	})
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: 30, G: 120, B: 200, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}
