// Package queue runs the durable job pipeline shared by every consumer: a
// poller and an immediate-claim path claim jobs into a fixed number of worker
// slots, and outcomes are settled back through the lease source (complete,
// defer, retry with backoff, or fail).
//
// A job is claimed only once a slot is reserved for it, so it starts running
// as soon as it is claimed and its lock age never includes time spent waiting
// for a worker.
//
// The database is the only source of truth. Slots, retry timers and metrics
// are process-local and may be lost on crash; the poller and the stale-lock
// sweep recover everything they held.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// Job is a claimed row. Implementations are pointer types so the zero value
// (nil) means "nothing claimed". Held names the claim that produced the row;
// every settlement is made against it.
type Job interface {
	comparable
	JobID() uuid.UUID
	Attempts() int
	Held() store.Held
}

// Source is the lease manager for one queue table. Settlements return
// store.ErrLeaseLost when the claim no longer holds the row.
type Source[J Job] interface {
	Claim(ctx context.Context, owner string, limit, maxAttempts int) ([]J, error)
	ClaimByID(ctx context.Context, owner string, id uuid.UUID, maxAttempts int) (J, error)
	ReleaseStale(ctx context.Context, threshold time.Duration) (int64, error)
	ExpireExhausted(ctx context.Context, maxAttempts int) (int64, error)
	Release(ctx context.Context, claims []store.Held) (int64, error)
	Defer(ctx context.Context, h store.Held, delay time.Duration) error
	Retry(ctx context.Context, h store.Held, attempt int, delay time.Duration, lastError string) error
	Fail(ctx context.Context, h store.Held, attempt int, lastError string) error
	Complete(ctx context.Context, job J) error
	Counts(ctx context.Context) (store.Counts, error)
}

// Executor performs one job's side effects. A nil return completes the job.
// Return ErrNotReady to defer without consuming an attempt, or wrap with
// Permanent to skip remaining retries.
type Executor[J Job] interface {
	Execute(ctx context.Context, job J) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc[J Job] func(ctx context.Context, job J) error

// Execute calls f.
func (f ExecutorFunc[J]) Execute(ctx context.Context, job J) error { return f(ctx, job) }

// Config tunes one pool. Zero values take the defaults noted per field.
type Config struct {
	Name               string
	PollInterval       time.Duration // default 1s
	BatchSize          int           // worker slots; default 1
	StaleThreshold     time.Duration // default 5m; must exceed p99 execution time
	StaleCheckInterval time.Duration // default 1m
	NotReadyDelay      time.Duration // default 10s
	Policy             Policy
	Metrics            *Metrics     // default DefaultMetrics
	Logger             *slog.Logger // default slog.Default()
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = time.Minute
	}
	if c.NotReadyDelay <= 0 {
		c.NotReadyDelay = 10 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = DefaultMetrics
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// requeueSlack is added to retry timers so the row's next-run time, stamped
// by the database slightly after the timer was armed, is due when it fires.
const requeueSlack = 250 * time.Millisecond

// settleTimeout bounds lock hand-back during shutdown.
const settleTimeout = 10 * time.Second

// Failure describes the most recent terminal failure.
type Failure struct {
	JobID uuid.UUID `json:"job_id"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Stats is a point-in-time view of a pool. QueueSize is the number of jobs
// this process is executing right now.
type Stats struct {
	Queue       string   `json:"queue"`
	Running     bool     `json:"running"`
	QueueSize   int      `json:"queue_size"`
	Pending     int64    `json:"pending_jobs"`
	Failed      int64    `json:"failed_jobs"`
	LastFailure *Failure `json:"last_failure,omitempty"`
}

// ErrAlreadyRunning is returned by Start when the pool is already started.
var ErrAlreadyRunning = errors.New("pool already running")

// Pool schedules and executes jobs from one Source.
type Pool[J Job] struct {
	cfg      Config
	source   Source[J]
	exec     Executor[J]
	log      *slog.Logger
	workerID string
	slots    chan struct{} // one token per busy worker slot
	wg       sync.WaitGroup

	mu          sync.Mutex
	running     bool
	runCtx      context.Context //nolint:containedctx // jobs started by Submit run under Start's context
	timers      map[uuid.UUID]*time.Timer
	lastFailure *Failure
	onTerminal  func(ctx context.Context, job J, err error)
}

// New creates a Pool. It does nothing until Start is called.
func New[J Job](src Source[J], exec Executor[J], cfg Config) *Pool[J] {
	cfg = cfg.withDefaults()
	workerID := uuid.New().String()
	return &Pool[J]{
		cfg:      cfg,
		source:   src,
		exec:     exec,
		log:      cfg.Logger.With("queue", cfg.Name, "worker_id", workerID),
		workerID: workerID,
		slots:    make(chan struct{}, cfg.BatchSize),
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// OnTerminal registers fn to be called once for every job that fails
// terminally. Must be called before Start.
func (p *Pool[J]) OnTerminal(fn func(ctx context.Context, job J, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTerminal = fn
}

// Name returns the queue label.
func (p *Pool[J]) Name() string { return p.cfg.Name }

// Start releases stale locks left by a previous process, then runs the
// poller and the stale-lock sweep until ctx is cancelled. On cancellation it
// stops claiming and waits for running jobs; a job interrupted by shutdown
// hands its lock back. Start returns only after all of that is done.
func (p *Pool[J]) Start(ctx context.Context) error {
	n, err := p.source.ReleaseStale(ctx, p.cfg.StaleThreshold)
	if err != nil {
		return fmt.Errorf("release stale locks on start: %w", err)
	}
	if n > 0 {
		p.log.Info("released stale locks on start", "count", n)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.runCtx = ctx
	p.mu.Unlock()

	p.expireExhausted(ctx)
	p.refreshGauges(ctx)

	pollTicker := time.NewTicker(p.cfg.PollInterval)
	defer pollTicker.Stop()
	staleTicker := time.NewTicker(p.cfg.StaleCheckInterval)
	defer staleTicker.Stop()

	p.log.Info("queue started",
		"batch_size", p.cfg.BatchSize,
		"poll_interval", p.cfg.PollInterval,
		"stale_threshold", p.cfg.StaleThreshold)

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case <-pollTicker.C:
			p.poll(ctx)
		case <-staleTicker.C:
			p.sweepStale(ctx)
		}
	}
}

// Submit is the immediate path: when a worker slot is idle it claims the
// given job and starts it right away. It never waits for a slot; when none
// is free the job is left for the poller. Returns true if the job started.
func (p *Pool[J]) Submit(ctx context.Context, id uuid.UUID) (bool, error) {
	runCtx, n := p.reserve(1)
	if n == 0 {
		return false, nil
	}
	job, err := p.source.ClaimByID(ctx, p.workerID, id, p.cfg.Policy.MaxAttempts)
	if err != nil {
		p.free()
		return false, fmt.Errorf("submit %s: %w", id, err)
	}
	var none J
	if job == none {
		p.free()
		return false, nil
	}
	p.dispatch(runCtx, job)
	return true, nil
}

// RunOnce claims one batch, executes it, and waits for every job to settle.
// Retry timers are not armed. Used in tests.
func (p *Pool[J]) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.source.Claim(ctx, p.workerID, p.cfg.BatchSize, p.cfg.Policy.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("run once: %w", err)
	}
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.process(ctx, job)
		}()
	}
	wg.Wait()
	p.refreshGauges(ctx)
	return len(jobs), nil
}

// Stats returns queue depth and the last terminal failure.
func (p *Pool[J]) Stats(ctx context.Context) (Stats, error) {
	c, err := p.source.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", p.cfg.Name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Queue:     p.cfg.Name,
		Running:   p.running,
		QueueSize: len(p.slots),
		Pending:   c.Pending,
		Failed:    c.Failed,
	}
	if p.lastFailure != nil {
		f := *p.lastFailure
		st.LastFailure = &f
	}
	return st, nil
}

// reserve takes up to n idle worker slots without blocking and returns how
// many it got, with the context jobs in those slots run under. Nothing is
// reserved once shutdown has begun.
func (p *Pool[J]) reserve(n int) (context.Context, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, 0
	}
	got := 0
	for got < n {
		select {
		case p.slots <- struct{}{}:
			got++
			continue
		default:
		}
		break
	}
	// Added under mu while running, so always before shutdown's Wait.
	p.wg.Add(got)
	return p.runCtx, got
}

// free returns one reserved slot.
func (p *Pool[J]) free() {
	<-p.slots
	p.cfg.Metrics.QueueSize.WithLabelValues(p.cfg.Name).Set(float64(len(p.slots)))
	p.wg.Done()
}

// dispatch runs job in the slot reserved for it.
func (p *Pool[J]) dispatch(ctx context.Context, job J) {
	p.cfg.Metrics.QueueSize.WithLabelValues(p.cfg.Name).Set(float64(len(p.slots)))
	go func() {
		defer p.free()
		p.process(ctx, job)
	}()
}

// poll claims at most as many jobs as there are idle worker slots.
func (p *Pool[J]) poll(ctx context.Context) {
	defer p.refreshGauges(ctx)

	runCtx, n := p.reserve(p.cfg.BatchSize)
	if n == 0 {
		return
	}
	jobs, err := p.source.Claim(ctx, p.workerID, n, p.cfg.Policy.MaxAttempts)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("claim jobs", "error", err)
		}
		jobs = nil
	}
	for _, job := range jobs {
		p.dispatch(runCtx, job)
	}
	for range n - len(jobs) {
		p.free()
	}
}

func (p *Pool[J]) sweepStale(ctx context.Context) {
	n, err := p.source.ReleaseStale(ctx, p.cfg.StaleThreshold)
	if err != nil {
		p.log.Error("release stale locks", "error", err)
	} else if n > 0 {
		p.log.Warn("released stale locks", "count", n, "threshold", p.cfg.StaleThreshold)
	}
	p.expireExhausted(ctx)
}

// expireExhausted fails rows that can no longer be claimed because they
// already reached the attempt ceiling.
func (p *Pool[J]) expireExhausted(ctx context.Context) {
	n, err := p.source.ExpireExhausted(ctx, p.cfg.Policy.MaxAttempts)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("expire exhausted jobs", "error", err)
		}
		return
	}
	if n > 0 {
		p.cfg.Metrics.Failed.WithLabelValues(p.cfg.Name).Add(float64(n))
		p.log.Warn("jobs at attempt limit marked failed", "count", n, "max_attempts", p.cfg.Policy.MaxAttempts)
	}
}

// process executes one job and settles the outcome. Settlement writes use a
// context detached from cancellation so a shutdown never strands a lock.
func (p *Pool[J]) process(ctx context.Context, job J) {
	id, held := job.JobID(), job.Held()
	settle := context.WithoutCancel(ctx)
	log := p.log.With("job_id", id, "attempts", job.Attempts())

	if ctx.Err() != nil {
		p.release(settle, held)
		return
	}

	log.Info("executing job")
	err := p.execute(ctx, job)

	switch {
	case err == nil:
		if cerr := p.source.Complete(settle, job); cerr != nil {
			// The lock stays until the stale sweep reclaims it; handlers are
			// idempotent so the re-run is safe.
			logSettleError(log, "complete job", cerr)
			return
		}
		p.cfg.Metrics.Processed.WithLabelValues(p.cfg.Name).Inc()
		log.Info("job completed")

	case errors.Is(err, ErrNotReady):
		if derr := p.source.Defer(settle, held, p.cfg.NotReadyDelay); derr != nil {
			logSettleError(log, "defer job", derr)
			return
		}
		p.cfg.Metrics.Deferred.WithLabelValues(p.cfg.Name).Inc()
		log.Info("job not ready, deferred", "delay", p.cfg.NotReadyDelay, "reason", err)
		p.scheduleRequeue(ctx, id, p.cfg.NotReadyDelay)

	case ctx.Err() != nil:
		p.release(settle, held)
		log.Warn("job interrupted by shutdown, lock released", "error", err)

	default:
		p.fail(ctx, settle, job, err, log)
	}
}

// execute runs the executor, converting a panic into an error.
func (p *Pool[J]) execute(ctx context.Context, job J) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return p.exec.Execute(ctx, job)
}

func (p *Pool[J]) fail(ctx, settle context.Context, job J, err error, log *slog.Logger) {
	id, held := job.JobID(), job.Held()
	next := job.Attempts() + 1
	msg := truncateError(err)

	if IsPermanent(err) || p.cfg.Policy.Exhausted(next) {
		if ferr := p.source.Fail(settle, held, next, msg); ferr != nil {
			logSettleError(log, "mark job failed", ferr)
			return
		}
		p.cfg.Metrics.Failed.WithLabelValues(p.cfg.Name).Inc()
		p.mu.Lock()
		p.lastFailure = &Failure{JobID: id, Error: msg, At: time.Now().UTC()}
		hook := p.onTerminal
		p.mu.Unlock()
		log.Error("job failed permanently", "attempt", next, "permanent", IsPermanent(err), "error", err)
		if hook != nil {
			hook(settle, job, err)
		}
		return
	}

	delay := p.cfg.Policy.Delay(job.Attempts())
	if rerr := p.source.Retry(settle, held, next, delay, msg); rerr != nil {
		logSettleError(log, "schedule retry", rerr)
		return
	}
	p.cfg.Metrics.Retried.WithLabelValues(p.cfg.Name).Inc()
	log.Warn("job failed, retry scheduled", "attempt", next, "delay", delay, "error", err)
	p.scheduleRequeue(ctx, id, delay)
}

// scheduleRequeue arms a timer that submits id once its delay has passed.
// Losing the timer is harmless: the poller finds the row when it is due.
func (p *Pool[J]) scheduleRequeue(ctx context.Context, id uuid.UUID, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if t, ok := p.timers[id]; ok {
		t.Stop()
	}
	p.timers[id] = time.AfterFunc(delay+requeueSlack, func() {
		p.mu.Lock()
		delete(p.timers, id)
		p.mu.Unlock()
		if _, err := p.Submit(ctx, id); err != nil && ctx.Err() == nil {
			p.log.Warn("requeue job", "job_id", id, "error", err)
		}
	})
}

func (p *Pool[J]) release(ctx context.Context, claims ...store.Held) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if _, err := p.source.Release(ctx, claims); err != nil {
		p.log.Error("release locks", "count", len(claims), "error", err)
	}
}

// logSettleError reports a failed settlement. A lost lease means another
// claim now owns the row, so nothing was written and nothing is wrong with
// the row itself.
func logSettleError(log *slog.Logger, msg string, err error) {
	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn(msg+": lease lost to another claim", "error", err)
		return
	}
	log.Error(msg, "error", err)
}

func (p *Pool[J]) refreshGauges(ctx context.Context) {
	p.cfg.Metrics.QueueSize.WithLabelValues(p.cfg.Name).Set(float64(len(p.slots)))
	c, err := p.source.Counts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("count jobs", "error", err)
		}
		return
	}
	p.cfg.Metrics.Pending.WithLabelValues(p.cfg.Name).Set(float64(c.Pending))
}

// shutdown stops intake and waits for running jobs. Jobs cancelled mid-run
// release their own locks in process.
func (p *Pool[J]) shutdown() {
	p.mu.Lock()
	p.running = false
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.cfg.Metrics.QueueSize.WithLabelValues(p.cfg.Name).Set(0)
	p.log.Info("queue stopped")
}
