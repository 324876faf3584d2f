package store_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Odenhjalm/Aveli-sub000/internal/store"
	"github.com/Odenhjalm/Aveli-sub000/internal/testutil"
)

const testOwner = "test-worker"

func enqueueWebhook(t *testing.T, s *store.Store, eventType string) uuid.UUID {
	t.Helper()
	id, err := s.CreateWebhookJob(context.Background(), eventType, nil, json.RawMessage(`{"event":"`+eventType+`"}`))
	require.NoError(t, err)
	return id
}

func TestLeaseClaim_ConcurrentClaimersNeverShareAJob(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	const total = 60
	for range total {
		enqueueWebhook(t, db.Store, "room_started")
	}

	// Two pools stand in for two worker processes.
	stores := []*store.Store{db.Store, db.NewStore(t)}

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for i := range 12 {
		wg.Add(1)
		go func(q store.WebhookJobQueue) {
			defer wg.Done()
			for {
				jobs, err := q.Claim(ctx, testOwner, 3, 5)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}(stores[i%2].WebhookJobs())
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestLeaseClaim_MarksInFlight(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	id := enqueueWebhook(t, db.Store, "room_started")

	jobs, err := db.WebhookJobs().Claim(ctx, testOwner, 10, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, store.WebhookProcessing, jobs[0].Status)
	assert.NotNil(t, jobs[0].LockedAt)
	require.NotNil(t, jobs[0].LockedBy)
	assert.True(t, strings.HasPrefix(*jobs[0].LockedBy, testOwner+":"))
	assert.Equal(t, 0, jobs[0].Attempt)

	again, err := db.WebhookJobs().Claim(ctx, testOwner, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, again)

	byID, err := db.WebhookJobs().ClaimByID(ctx, testOwner, id, 5)
	require.NoError(t, err)
	assert.Nil(t, byID, "an in-flight job must not be claimable by id")
}

func TestLeaseClaimByID(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	id := enqueueWebhook(t, db.Store, "participant_joined")
	other := enqueueWebhook(t, db.Store, "participant_left")

	job, err := db.WebhookJobs().ClaimByID(ctx, testOwner, id, 5)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "participant_joined", job.EventType)

	// The other job is untouched.
	jobs, err := db.WebhookJobs().Claim(ctx, testOwner, 10, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, other, jobs[0].ID)

	missing, err := db.WebhookJobs().ClaimByID(ctx, testOwner, uuid.New(), 5)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLeaseReleaseStale_RecoversCrashedWorker(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	crashed := enqueueWebhook(t, db.Store, "room_finished")
	live := enqueueWebhook(t, db.Store, "room_finished")

	jobs, err := db.WebhookJobs().Claim(ctx, testOwner, 10, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Age only the crashed worker's lock past the threshold.
	_, err = db.DB().ExecContext(ctx,
		`UPDATE webhook_jobs SET locked_at = now() - interval '10 minutes' WHERE id = $1`, crashed)
	require.NoError(t, err)

	n, err := db.WebhookJobs().ReleaseStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reclaimed, err := db.WebhookJobs().Claim(ctx, testOwner, 10, 5)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, crashed, reclaimed[0].ID)
	assert.Equal(t, 0, reclaimed[0].Attempt, "stale release does not consume an attempt")

	var status string
	require.NoError(t, db.DB().QueryRowContext(ctx, `SELECT status FROM webhook_jobs WHERE id = $1`, live).Scan(&status))
	assert.Equal(t, store.WebhookProcessing, status)
}

func TestLeaseRetryThenFail(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	q := db.WebhookJobs()
	id := enqueueWebhook(t, db.Store, "recording_finished")

	claimed, err := q.Claim(ctx, testOwner, 1, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, q.Retry(ctx, claimed[0].Held(), 1, time.Hour, "session lookup: timeout"))

	var (
		status    string
		attempt   int
		lockedAt  *time.Time
		nextRunAt *time.Time
		lastError *string
	)
	row := func() {
		t.Helper()
		require.NoError(t, db.DB().QueryRowContext(ctx,
			`SELECT status, attempt, locked_at, next_run_at, last_error FROM webhook_jobs WHERE id = $1`, id,
		).Scan(&status, &attempt, &lockedAt, &nextRunAt, &lastError))
	}
	row()
	assert.Equal(t, store.WebhookPending, status)
	assert.Equal(t, 1, attempt)
	assert.Nil(t, lockedAt)
	require.NotNil(t, nextRunAt)
	assert.True(t, nextRunAt.After(time.Now().Add(50*time.Minute)))
	assert.Equal(t, "session lookup: timeout", *lastError)

	// Not due yet.
	jobs, err := q.Claim(ctx, testOwner, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Make it due, claim, and fail it terminally.
	_, err = db.DB().ExecContext(ctx, `UPDATE webhook_jobs SET next_run_at = now() WHERE id = $1`, id)
	require.NoError(t, err)
	jobs, err = q.Claim(ctx, testOwner, 1, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Fail(ctx, jobs[0].Held(), 5, "gave up"))

	row()
	assert.Equal(t, store.WebhookFailed, status)
	assert.Equal(t, 5, attempt)
	assert.Nil(t, lockedAt)
	assert.Nil(t, nextRunAt)

	again, err := q.Claim(ctx, testOwner, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, again)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Pending: 0, Failed: 1}, counts)

	// Settling a row that is no longer in flight reports a lost lease.
	assert.ErrorIs(t, q.Retry(ctx, jobs[0].Held(), 6, time.Second, "late"), store.ErrLeaseLost)
}

func TestLeaseRelease_KeepsAttempt(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	q := db.WebhookJobs()
	enqueueWebhook(t, db.Store, "room_started")
	enqueueWebhook(t, db.Store, "room_started")

	jobs, err := q.Claim(ctx, testOwner, 2, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	n, err := q.Release(ctx, []store.Held{jobs[0].Held(), jobs[1].Held()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// A second release of the same claims finds nothing to hand back.
	n, err = q.Release(ctx, []store.Held{jobs[0].Held(), jobs[1].Held()})
	require.NoError(t, err)
	assert.Zero(t, n)

	jobs, err = q.Claim(ctx, testOwner, 2, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, 0, j.Attempt)
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Pending)
}

func TestLeaseSettlement_AfterReclaimReportsLeaseLost(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	q := db.WebhookJobs()
	id := enqueueWebhook(t, db.Store, "room_finished")

	first, err := q.ClaimByID(ctx, "worker-a", id, 5)
	require.NoError(t, err)
	require.NotNil(t, first)

	// worker-a stalls past the threshold; its lock is swept and worker-b
	// claims the row.
	_, err = db.DB().ExecContext(ctx,
		`UPDATE webhook_jobs SET locked_at = now() - interval '10 minutes' WHERE id = $1`, id)
	require.NoError(t, err)
	n, err := q.ReleaseStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	second, err := q.ClaimByID(ctx, "worker-b", id, 5)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotEqual(t, first.Held(), second.Held())

	// worker-a reports back late. Nothing it does may touch worker-b's lease.
	stale := first.Held()
	assert.ErrorIs(t, q.Retry(ctx, stale, 1, time.Second, "late"), store.ErrLeaseLost)
	assert.ErrorIs(t, q.Fail(ctx, stale, 1, "late"), store.ErrLeaseLost)
	assert.ErrorIs(t, q.Defer(ctx, stale, time.Second), store.ErrLeaseLost)
	assert.ErrorIs(t, q.Complete(ctx, first), store.ErrLeaseLost)
	released, err := q.Release(ctx, []store.Held{stale})
	require.NoError(t, err)
	assert.Zero(t, released)

	row, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.WebhookProcessing, row.Status)
	assert.Equal(t, 0, row.Attempt)
	assert.Equal(t, second.LockedBy, row.LockedBy)

	// The current holder settles normally.
	require.NoError(t, q.Retry(ctx, second.Held(), 1, time.Second, "session lookup: timeout"))
}

func TestLeaseExpireExhausted(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	q := db.WebhookJobs()
	stranded := enqueueWebhook(t, db.Store, "room_started")
	below := enqueueWebhook(t, db.Store, "room_started")

	// Retried under a ceiling of 10, then the ceiling was lowered to 5.
	_, err := db.DB().ExecContext(ctx,
		`UPDATE webhook_jobs SET attempt = 7, last_error = 'timeout' WHERE id = $1`, stranded)
	require.NoError(t, err)

	n, err := q.ExpireExhausted(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "a disabled ceiling expires nothing")

	n, err = q.ExpireExhausted(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, err := q.Get(ctx, stranded)
	require.NoError(t, err)
	assert.Equal(t, store.WebhookFailed, row.Status)
	assert.Nil(t, row.NextRunAt)
	require.NotNil(t, row.LastError)
	assert.Equal(t, "timeout", *row.LastError)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Pending: 1, Failed: 1}, counts)

	jobs, err := q.Claim(ctx, testOwner, 10, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, below, jobs[0].ID)
}

func TestWebhookJobComplete_DeletesRow(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	q := db.WebhookJobs()
	enqueueWebhook(t, db.Store, "room_started")

	jobs, err := q.Claim(ctx, testOwner, 1, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Complete(ctx, jobs[0]))

	var n int
	require.NoError(t, db.DB().QueryRowContext(ctx, `SELECT count(*) FROM webhook_jobs`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestListWebhookJobs_Filters(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	enqueueWebhook(t, db.Store, "room_started")
	enqueueWebhook(t, db.Store, "room_finished")
	failed := enqueueWebhook(t, db.Store, "room_finished")

	_, err := db.DB().ExecContext(ctx, `UPDATE webhook_jobs SET status = 'failed', next_run_at = NULL WHERE id = $1`, failed)
	require.NoError(t, err)

	all, err := db.ListWebhookJobs(ctx, store.WebhookJobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	finished, err := db.ListWebhookJobs(ctx, store.WebhookJobFilter{EventType: "room_finished"})
	require.NoError(t, err)
	assert.Len(t, finished, 2)

	onlyFailed, err := db.ListWebhookJobs(ctx, store.WebhookJobFilter{Status: store.WebhookFailed})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, failed, onlyFailed[0].ID)
}
