package queue_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

type fakeJob struct {
	id       uuid.UUID
	attempts int
	lock     string
}

func (j *fakeJob) JobID() uuid.UUID { return j.id }
func (j *fakeJob) Attempts() int    { return j.attempts }
func (j *fakeJob) Held() store.Held { return store.Held{ID: j.id, Lock: j.lock} }

type fakeRow struct {
	id        uuid.UUID
	seq       int
	state     string // pending, processing, failed, done
	attempts  int
	lastError string
	delay     time.Duration
	lock      string
	lockedAt  time.Time
}

// fakeSource is an in-memory lease source. Every claim writes a fresh lock
// token and settlements must present it, like the Postgres lease. Retry and
// defer delays are recorded but not enforced, so tests can step through
// attempts with RunOnce.
type fakeSource struct {
	mu            sync.Mutex
	rows          map[uuid.UUID]*fakeRow
	seq           int
	claims        int
	completed     []uuid.UUID
	released      int
	staleReleased int
}

func newFakeSource() *fakeSource {
	return &fakeSource{rows: make(map[uuid.UUID]*fakeRow)}
}

func (f *fakeSource) add() uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.seq++
	f.rows[id] = &fakeRow{id: id, seq: f.seq, state: "pending"}
	return id
}

func (f *fakeSource) row(id uuid.UUID) fakeRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func (f *fakeSource) countState(state string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.state == state {
			n++
		}
	}
	return n
}

func (f *fakeSource) eligible(r *fakeRow, maxAttempts int) bool {
	return r.state == "pending" && (maxAttempts <= 0 || r.attempts < maxAttempts)
}

// claim must be called with f.mu held.
func (f *fakeSource) claim(r *fakeRow, owner string) *fakeJob {
	f.claims++
	r.state = "processing"
	r.lock = fmt.Sprintf("%s:%d", owner, f.claims)
	r.lockedAt = time.Now()
	return &fakeJob{id: r.id, attempts: r.attempts, lock: r.lock}
}

// held reports whether h still owns an in-flight row. Must be called with
// f.mu held.
func (f *fakeSource) held(h store.Held) (*fakeRow, error) {
	r, ok := f.rows[h.ID]
	if !ok || r.state != "processing" || r.lock != h.Lock {
		return nil, store.ErrLeaseLost
	}
	return r, nil
}

func (f *fakeSource) Claim(_ context.Context, owner string, limit, maxAttempts int) ([]*fakeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var candidates []*fakeRow
	for _, r := range f.rows {
		if f.eligible(r, maxAttempts) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	var out []*fakeJob
	for _, r := range candidates {
		if len(out) == limit {
			break
		}
		out = append(out, f.claim(r, owner))
	}
	return out, nil
}

func (f *fakeSource) ClaimByID(_ context.Context, owner string, id uuid.UUID, maxAttempts int) (*fakeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || !f.eligible(r, maxAttempts) {
		return nil, nil
	}
	return f.claim(r, owner), nil
}

func (f *fakeSource) ReleaseStale(_ context.Context, threshold time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.rows {
		if r.state == "processing" && time.Since(r.lockedAt) > threshold {
			r.state, r.lock = "pending", ""
			n++
		}
	}
	f.staleReleased += int(n)
	return n, nil
}

func (f *fakeSource) ExpireExhausted(_ context.Context, maxAttempts int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if maxAttempts <= 0 {
		return 0, nil
	}
	var n int64
	for _, r := range f.rows {
		if r.state == "pending" && r.attempts >= maxAttempts {
			r.state = "failed"
			n++
		}
	}
	return n, nil
}

func (f *fakeSource) Release(_ context.Context, claims []store.Held) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, h := range claims {
		if r, err := f.held(h); err == nil {
			r.state, r.lock = "pending", ""
			n++
		}
	}
	f.released += int(n)
	return n, nil
}

func (f *fakeSource) Defer(_ context.Context, h store.Held, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.held(h)
	if err != nil {
		return err
	}
	r.state, r.lock, r.delay = "pending", "", delay
	return nil
}

func (f *fakeSource) Retry(_ context.Context, h store.Held, attempt int, delay time.Duration, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.held(h)
	if err != nil {
		return err
	}
	r.state, r.lock, r.attempts, r.delay, r.lastError = "pending", "", attempt, delay, lastError
	return nil
}

func (f *fakeSource) Fail(_ context.Context, h store.Held, attempt int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.held(h)
	if err != nil {
		return err
	}
	r.state, r.lock, r.attempts, r.lastError = "failed", "", attempt, lastError
	return nil
}

func (f *fakeSource) Complete(_ context.Context, job *fakeJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.held(job.Held())
	if err != nil {
		return err
	}
	r.state, r.lock = "done", ""
	f.completed = append(f.completed, job.id)
	return nil
}

func (f *fakeSource) Counts(context.Context) (store.Counts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c store.Counts
	for _, r := range f.rows {
		switch r.state {
		case "pending", "processing":
			c.Pending++
		case "failed":
			c.Failed++
		}
	}
	return c, nil
}
