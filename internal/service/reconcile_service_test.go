package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"katasu/internal/config"
	"katasu/internal/convert"
	"katasu/internal/models"
	"katasu/internal/queue"
	"katasu/internal/storage"
)

var sweepNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newReconciler(store *fakeStore, areas storage.Areas, q *fakeQueue) *Reconciler {
	r := NewReconciler(store, areas, q, config.SweepConfig{
		StaleAfter:  15 * time.Minute,
		OrphanAfter: 6 * time.Hour,
		BatchSize:   2,
	}, nil, zerolog.Nop())
	r.now = func() time.Time { return sweepNow }
	return r
}

func TestRequeueStaleOnlyTouchesOldPending(t *testing.T) {
	store := newFakeStore()
	store.rows["old"] = models.Image{ID: "old", UserID: "u", Status: models.ImageStatusPendingReview, UpdatedAt: sweepNow.Add(-time.Hour)}
	store.rows["fresh"] = models.Image{ID: "fresh", UserID: "u", Status: models.ImageStatusPendingReview, UpdatedAt: sweepNow.Add(-time.Minute)}
	store.rows["done"] = models.Image{ID: "done", UserID: "u", Status: models.ImageStatusPublished, UpdatedAt: sweepNow.Add(-time.Hour)}
	q := &fakeQueue{}

	n, err := newReconciler(store, storage.Areas{}, q).RequeueStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []queue.Job{{ImageID: "old", UserID: "u"}}, q.jobs)
	require.Equal(t, []string{"old"}, store.touched)
}

func putAt(t *testing.T, b *storage.MemoryBucket, at time.Time, keys ...string) {
	t.Helper()
	b.SetClock(func() time.Time { return at })
	for _, key := range keys {
		require.NoError(t, b.Put(context.Background(), key, []byte("x"), convert.ContentType))
	}
}

func keysFor(t *testing.T, userID, imageID string) (string, string) {
	t.Helper()
	original, thumbnail, err := storage.ImageKeys(userID, imageID, convert.Extension)
	require.NoError(t, err)
	return original, thumbnail
}

func TestPurgeOrphans(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.rows["pending"] = models.Image{ID: "pending", UserID: "u", Status: models.ImageStatusPendingReview}
	store.rows["published"] = models.Image{ID: "published", UserID: "u", Status: models.ImageStatusPublished}
	store.rows["rejected"] = models.Image{ID: "rejected", UserID: "u", Status: models.ImageStatusModerationViolation}

	temp, public := storage.NewMemoryBucket(), storage.NewMemoryBucket()
	old := sweepNow.Add(-7 * time.Hour)

	pendingO, pendingT := keysFor(t, "u", "pending")
	publishedO, publishedT := keysFor(t, "u", "published")
	rejectedO, _ := keysFor(t, "u", "rejected")
	goneO, goneT := keysFor(t, "u", "gone")
	recentO, _ := keysFor(t, "u", "recent")

	putAt(t, temp, old, pendingO, pendingT, publishedO, goneO)
	putAt(t, temp, sweepNow, recentO)
	putAt(t, public, old, publishedO, publishedT, rejectedO, goneT, "avatars/u.jpg")

	n, err := newReconciler(store, storage.Areas{Temp: temp, Public: public}, &fakeQueue{}).PurgeOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	for key, want := range map[string]bool{pendingO: true, pendingT: true, publishedO: false, goneO: false, recentO: true} {
		ok, err := temp.Exists(ctx, key)
		require.NoError(t, err)
		require.Equal(t, want, ok, "temp %s", key)
	}
	for key, want := range map[string]bool{publishedO: true, publishedT: true, rejectedO: false, goneT: false, "avatars/u.jpg": true} {
		ok, err := public.Exists(ctx, key)
		require.NoError(t, err)
		require.Equal(t, want, ok, "public %s", key)
	}
}

func TestRequeueErroredImage(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.rows["img"] = models.Image{ID: "img", UserID: "u", Status: models.ImageStatusError}
	temp := storage.NewMemoryBucket()
	original, _ := keysFor(t, "u", "img")
	require.NoError(t, temp.Put(ctx, original, []byte("x"), convert.ContentType))
	q := &fakeQueue{}

	image, err := newReconciler(store, storage.Areas{Temp: temp, Public: storage.NewMemoryBucket()}, q).Requeue(ctx, "img")
	require.NoError(t, err)
	require.Equal(t, models.ImageStatusPendingReview, image.Status)
	require.Equal(t, models.ImageStatusPendingReview, store.rows["img"].Status)
	require.Len(t, q.jobs, 1)
}

func TestRequeueRefusesWithoutHoldingCopyOrWrongStatus(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.rows["err"] = models.Image{ID: "err", UserID: "u", Status: models.ImageStatusError}
	store.rows["ok"] = models.Image{ID: "ok", UserID: "u", Status: models.ImageStatusPublished}
	r := newReconciler(store, storage.Areas{Temp: storage.NewMemoryBucket(), Public: storage.NewMemoryBucket()}, &fakeQueue{})

	_, err := r.Requeue(ctx, "err")
	require.ErrorIs(t, err, ErrNotRequeueable)
	require.Equal(t, models.ImageStatusError, store.rows["err"].Status)

	_, err = r.Requeue(ctx, "ok")
	require.ErrorIs(t, err, ErrNotRequeueable)
}
