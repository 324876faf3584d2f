package media_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Odenhjalm/Aveli-sub000/internal/media"
	"github.com/Odenhjalm/Aveli-sub000/internal/queue"
	"github.com/Odenhjalm/Aveli-sub000/internal/store"
	"github.com/Odenhjalm/Aveli-sub000/internal/testutil"
)

func newMediaPool(t *testing.T, db *testutil.TestDB, exec *media.Executor) (*queue.Pool[*store.MediaAsset], *queue.Metrics) {
	t.Helper()
	m := queue.NewMetrics(prometheus.NewRegistry())
	pool := queue.New[*store.MediaAsset](db.MediaAssets(), exec, queue.Config{
		Name:      "media",
		BatchSize: 4,
		Policy:    queue.MediaPolicy,
		Metrics:   m,
	})
	return pool, m
}

func createAudio(t *testing.T, db *testutil.TestDB, path string) uuid.UUID {
	t.Helper()
	id, err := db.CreateMediaAsset(context.Background(), store.NewMediaAsset{
		MediaType:          "audio",
		Purpose:            "lesson_audio",
		StorageBucket:      "course-media",
		OriginalObjectPath: path,
	})
	require.NoError(t, err)
	return id
}

// makeDue pulls a scheduled retry forward so the next claim sees it.
func makeDue(t *testing.T, db *testutil.TestDB, id uuid.UUID) {
	t.Helper()
	_, err := db.Pool().Exec(context.Background(), `UPDATE media_assets SET next_retry_at = now() - interval '1 second' WHERE id = $1`, id)
	require.NoError(t, err)
}

func TestMediaPipeline_DeferThenReady(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	blobs := newBlobServer(t)
	exec := newExecutor(t, blobs, &fakeTranscoder{duration: 30}, db.Store)
	pool, m := newMediaPool(t, db, exec)

	id := createAudio(t, db, "media/source/audio/late.wav")

	// The upload has not landed yet.
	n, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := db.GetMediaAsset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.MediaUploaded, a.State)
	assert.Equal(t, 0, a.ProcessingAttempts, "a deferral consumes no attempt")
	require.NotNil(t, a.NextRetryAt)
	assert.InDelta(t, 1, promtest.ToFloat64(m.Deferred.WithLabelValues("media")), 0)

	// Not due yet.
	n, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	blobs.put("course-media", "media/source/audio/late.wav", []byte("pcm"))
	makeDue(t, db, id)

	n, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err = db.GetMediaAsset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.MediaReady, a.State)
	require.NotNil(t, a.StreamingObjectPath)
	assert.Equal(t, "media/derived/audio/late.mp3", *a.StreamingObjectPath)
	require.NotNil(t, a.DurationSeconds)
	assert.Equal(t, 30, *a.DurationSeconds)
	assert.Nil(t, a.NextRetryAt)
	assert.Nil(t, a.ProcessingLockedAt)
	assert.InDelta(t, 1, promtest.ToFloat64(m.Processed.WithLabelValues("media")), 0)

	exists, err := db.ObjectsExist(ctx, []store.ObjectRef{{Bucket: "course-media", Key: "media/derived/audio/late.mp3"}})
	require.NoError(t, err)
	assert.True(t, exists[store.ObjectRef{Bucket: "course-media", Key: "media/derived/audio/late.mp3"}])
}

func TestMediaPipeline_FailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	blobs := newBlobServer(t)
	blobs.put("course-media", "media/source/audio/broken.wav", []byte("pcm"))
	exec := newExecutor(t, blobs, &fakeTranscoder{err: errors.New("ffmpeg: invalid data found")}, db.Store)
	pool, m := newMediaPool(t, db, exec)

	var terminal []uuid.UUID
	pool.OnTerminal(func(_ context.Context, a *store.MediaAsset, _ error) {
		terminal = append(terminal, a.ID)
	})

	id := createAudio(t, db, "media/source/audio/broken.wav")

	for i := range queue.MediaPolicy.MaxAttempts {
		n, err := pool.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "run %d", i)
		if i < queue.MediaPolicy.MaxAttempts-1 {
			makeDue(t, db, id)
		}
	}

	a, err := db.GetMediaAsset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.MediaFailed, a.State)
	assert.Equal(t, queue.MediaPolicy.MaxAttempts, a.ProcessingAttempts)
	assert.Nil(t, a.NextRetryAt)
	require.NotNil(t, a.ErrorMessage)
	assert.Contains(t, *a.ErrorMessage, "invalid data found")
	assert.InDelta(t, 1, promtest.ToFloat64(m.Failed.WithLabelValues("media")), 0)
	assert.InDelta(t, 4, promtest.ToFloat64(m.Retried.WithLabelValues("media")), 0)
	assert.Equal(t, []uuid.UUID{id}, terminal)

	// Terminal rows are never reclaimed.
	n, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	st, err := pool.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Failed)
	require.NotNil(t, st.LastFailure)
	assert.Equal(t, id, st.LastFailure.JobID)
}

func TestMediaPipeline_UnsupportedFailsImmediately(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	exec := newExecutor(t, newBlobServer(t), &fakeTranscoder{}, db.Store)
	pool, m := newMediaPool(t, db, exec)

	id, err := db.CreateMediaAsset(ctx, store.NewMediaAsset{
		MediaType:          "video",
		Purpose:            "lesson_video",
		StorageBucket:      "course-media",
		OriginalObjectPath: "media/source/video/a.mov",
	})
	require.NoError(t, err)

	_, err = pool.RunOnce(ctx)
	require.NoError(t, err)

	a, err := db.GetMediaAsset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.MediaFailed, a.State)
	assert.Equal(t, 1, a.ProcessingAttempts)
	assert.Nil(t, a.NextRetryAt)
	assert.InDelta(t, 0, promtest.ToFloat64(m.Retried.WithLabelValues("media")), 0)
}
