// ABOUTME: Generic lease manager over any table with state/attempt/lock/next-run columns.
// ABOUTME: Claims use FOR UPDATE SKIP LOCKED so concurrent claimers skip rather than wait.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// ErrLeaseLost is returned when a settlement (complete, retry, fail, defer)
// finds the row no longer held by the claim it names: the stale sweep took
// the lock back, and possibly another worker has claimed the row since.
var ErrLeaseLost = errors.New("lease lost")

// Held names one claim of a row: the row id and the lock token that claim
// wrote. Each claim writes a fresh token, so a worker whose lock was
// reclaimed cannot settle the row under its new holder.
type Held struct {
	ID   uuid.UUID
	Lock string
}

func held(id uuid.UUID, lock *string) Held {
	h := Held{ID: id}
	if lock != nil {
		h.Lock = *lock
	}
	return h
}

// LeaseSpec describes a queue table. Column and table names are identifiers
// and are quoted when the SQL is built; state values are bound as parameters.
type LeaseSpec struct {
	Table     string
	Columns   []string // returned by claim/get, in struct order
	State     string
	Attempt   string
	LockedAt  string
	LockedBy  string // lock token: claimer's owner id plus a per-claim suffix
	NextRunAt string
	LastError string
	OrderBy   string

	Eligible     []string // states a claim may pick up
	InFlight     string   // state set by a claim
	RetryState   string   // state set when a retry is scheduled
	ReleaseState string   // state set when a lock is handed back without an attempt
	FailedState  string   // terminal state; rows here with no next-run are never claimed
}

// Counts is the queue depth summary reported to telemetry.
type Counts struct {
	Pending int64 // every non-terminal row, in flight or waiting
	Failed  int64 // terminal rows
}

// Lease implements claim / release / reschedule for one table. T is the row
// struct; its db tags must match spec.Columns exactly.
type Lease[T any] struct {
	pool *pgxpool.Pool
	spec LeaseSpec

	claimSQL     string
	claimByIDSQL string
	releaseStale string
	releaseIDs   string
	expireSQL    string
	deferSQL     string
	retrySQL     string
	failSQL      string
	deleteSQL    string
	countsSQL    string
	getSQL       string
}

// NewLease prepares the SQL for spec once; the statements are reused for the
// lifetime of the process.
func NewLease[T any](pool *pgxpool.Pool, spec LeaseSpec) *Lease[T] {
	q := pq.QuoteIdentifier
	tbl := q(spec.Table)
	state, attempt, locked, lockedBy := q(spec.State), q(spec.Attempt), q(spec.LockedAt), q(spec.LockedBy)
	next, lastErr, order := q(spec.NextRunAt), q(spec.LastError), q(spec.OrderBy)

	cols := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = "t." + q(c)
	}
	returning := strings.Join(cols, ", ")

	// $1 eligible states, $2 max attempts (<= 0 disables the ceiling), $3 in-flight
	// state, $5 failed state, $6 owner. A failed row with no next-run is terminal.
	eligibleWhere := fmt.Sprintf(`%[1]s = ANY($1::text[])
      AND NOT (%[1]s = $5 AND %[2]s IS NULL)
      AND (%[2]s IS NULL OR %[2]s <= now())
      AND ($2::int <= 0 OR %[3]s < $2::int)`, state, next, attempt)

	claimUpdate := fmt.Sprintf(`UPDATE %[1]s AS t
SET %[2]s = $3, %[3]s = now(), %[4]s = $6::text || ':' || gen_random_uuid()::text, updated_at = now()
FROM candidates c
WHERE t.id = c.id
RETURNING %[5]s`, tbl, state, locked, lockedBy, returning)

	l := &Lease[T]{pool: pool, spec: spec}

	l.claimSQL = fmt.Sprintf(`WITH candidates AS (
    SELECT id FROM %[1]s
    WHERE %[2]s
    ORDER BY %[3]s
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
%[4]s`, tbl, eligibleWhere, order, claimUpdate)

	l.claimByIDSQL = fmt.Sprintf(`WITH candidates AS (
    SELECT id FROM %[1]s
    WHERE id = $4 AND %[2]s
    FOR UPDATE SKIP LOCKED
)
%[3]s`, tbl, eligibleWhere, claimUpdate)

	// A released row becomes due immediately unless it was already due earlier.
	l.releaseStale = fmt.Sprintf(`UPDATE %[1]s
SET %[2]s = $1, %[3]s = NULL, %[5]s = NULL, %[4]s = LEAST(COALESCE(%[4]s, now()), now()), updated_at = now()
WHERE %[2]s = $2 AND %[3]s < now() - ($3::double precision * interval '1 second')`,
		tbl, state, locked, next, lockedBy)

	l.releaseIDs = fmt.Sprintf(`UPDATE %[1]s AS t
SET %[2]s = $1, %[3]s = NULL, %[5]s = NULL, %[4]s = LEAST(COALESCE(t.%[4]s, now()), now()), updated_at = now()
FROM unnest($3::uuid[], $4::text[]) AS h(id, lock_token)
WHERE t.id = h.id AND t.%[5]s = h.lock_token AND t.%[2]s = $2`, tbl, state, locked, next, lockedBy)

	// Rows that reached the attempt ceiling while waiting (the ceiling was
	// lowered, or a job was deferred at the limit) become terminal here.
	// $1 eligible states, $2 max attempts, $3 failed state.
	l.expireSQL = fmt.Sprintf(`UPDATE %[1]s
SET %[2]s = $3, %[3]s = NULL, %[4]s = NULL, %[5]s = NULL,
    %[7]s = COALESCE(%[7]s, 'attempt limit reached'), updated_at = now()
WHERE %[2]s = ANY($1::text[])
  AND NOT (%[2]s = $3 AND %[5]s IS NULL)
  AND %[6]s >= $2::int`, tbl, state, locked, lockedBy, next, attempt, lastErr)

	// Settlements: $1 id, $2 target state, $3 in-flight state, $4 lock token.
	l.deferSQL = fmt.Sprintf(`UPDATE %[1]s
SET %[2]s = $2, %[3]s = NULL, %[5]s = NULL, %[4]s = now() + ($5::double precision * interval '1 second'), updated_at = now()
WHERE id = $1 AND %[2]s = $3 AND %[5]s = $4`, tbl, state, locked, next, lockedBy)

	l.retrySQL = fmt.Sprintf(`UPDATE %[1]s
SET %[2]s = $2, %[3]s = NULL, %[7]s = NULL, %[4]s = now() + ($5::double precision * interval '1 second'),
    %[5]s = $6, %[6]s = $7, updated_at = now()
WHERE id = $1 AND %[2]s = $3 AND %[7]s = $4`, tbl, state, locked, next, attempt, lastErr, lockedBy)

	l.failSQL = fmt.Sprintf(`UPDATE %[1]s
SET %[2]s = $2, %[3]s = NULL, %[7]s = NULL, %[4]s = NULL, %[5]s = $5, %[6]s = $6, updated_at = now()
WHERE id = $1 AND %[2]s = $3 AND %[7]s = $4`, tbl, state, locked, next, attempt, lastErr, lockedBy)

	l.deleteSQL = fmt.Sprintf(`DELETE FROM %[1]s WHERE id = $1 AND %[2]s = $2 AND %[3]s = $3`, tbl, state, lockedBy)

	l.countsSQL = fmt.Sprintf(`SELECT
    count(*) FILTER (WHERE %[2]s = ANY($1::text[]) AND NOT (%[2]s = $2 AND %[3]s IS NULL)),
    count(*) FILTER (WHERE %[2]s = $2 AND %[3]s IS NULL)
FROM %[1]s`, tbl, state, next)

	plain := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		plain[i] = q(c)
	}
	l.getSQL = fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, strings.Join(plain, ", "), tbl)

	return l
}

// Claim atomically selects up to limit eligible rows, marks them in flight
// under a fresh lock token prefixed with owner, and returns them. Rows locked
// by a concurrent claim are skipped.
func (l *Lease[T]) Claim(ctx context.Context, owner string, limit, maxAttempts int) ([]*T, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.pool.Query(ctx, l.claimSQL, l.spec.Eligible, maxAttempts, l.spec.InFlight, limit, l.spec.FailedState, owner)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", l.spec.Table, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[T])
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", l.spec.Table, err)
	}
	return out, nil
}

// ClaimByID claims one specific row if it is eligible and not locked by
// anyone else. Returns (nil, nil) when the row cannot be claimed right now.
func (l *Lease[T]) ClaimByID(ctx context.Context, owner string, id uuid.UUID, maxAttempts int) (*T, error) {
	rows, err := l.pool.Query(ctx, l.claimByIDSQL, l.spec.Eligible, maxAttempts, l.spec.InFlight, id, l.spec.FailedState, owner)
	if err != nil {
		return nil, fmt.Errorf("claim %s %s: %w", l.spec.Table, id, err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[T])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim %s %s: %w", l.spec.Table, id, err)
	}
	return row, nil
}

// ReleaseStale reverts in-flight rows whose lock is older than threshold to
// eligible. Returns the number of rows released.
func (l *Lease[T]) ReleaseStale(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := l.pool.Exec(ctx, l.releaseStale, l.spec.ReleaseState, l.spec.InFlight, threshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("release stale %s: %w", l.spec.Table, err)
	}
	return tag.RowsAffected(), nil
}

// Release hands back the locks of rows still held by the given claims
// without consuming an attempt.
func (l *Lease[T]) Release(ctx context.Context, claims []Held) (int64, error) {
	if len(claims) == 0 {
		return 0, nil
	}
	ids := make([]string, len(claims))
	locks := make([]string, len(claims))
	for i, h := range claims {
		ids[i], locks[i] = h.ID.String(), h.Lock
	}
	tag, err := l.pool.Exec(ctx, l.releaseIDs, l.spec.ReleaseState, l.spec.InFlight, ids, locks)
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", l.spec.Table, err)
	}
	return tag.RowsAffected(), nil
}

// ExpireExhausted marks waiting rows whose attempt count already reached
// maxAttempts as terminally failed. A ceiling of zero or less disables it.
func (l *Lease[T]) ExpireExhausted(ctx context.Context, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}
	tag, err := l.pool.Exec(ctx, l.expireSQL, l.spec.Eligible, maxAttempts, l.spec.FailedState)
	if err != nil {
		return 0, fmt.Errorf("expire exhausted %s: %w", l.spec.Table, err)
	}
	return tag.RowsAffected(), nil
}

// Defer reschedules a held row after delay without touching its attempt
// counter or error.
func (l *Lease[T]) Defer(ctx context.Context, h Held, delay time.Duration) error {
	tag, err := l.pool.Exec(ctx, l.deferSQL, h.ID, l.spec.ReleaseState, l.spec.InFlight, h.Lock, delay.Seconds())
	return settled("defer", l.spec.Table, h.ID, tag, err)
}

// Retry records a failed attempt and schedules the held row again after delay.
func (l *Lease[T]) Retry(ctx context.Context, h Held, attempt int, delay time.Duration, lastError string) error {
	tag, err := l.pool.Exec(ctx, l.retrySQL, h.ID, l.spec.RetryState, l.spec.InFlight, h.Lock, delay.Seconds(), attempt, lastError)
	return settled("retry", l.spec.Table, h.ID, tag, err)
}

// Fail marks the held row terminally failed: lock and next-run cleared, row
// kept for inspection.
func (l *Lease[T]) Fail(ctx context.Context, h Held, attempt int, lastError string) error {
	tag, err := l.pool.Exec(ctx, l.failSQL, h.ID, l.spec.FailedState, l.spec.InFlight, h.Lock, attempt, lastError)
	return settled("fail", l.spec.Table, h.ID, tag, err)
}

// Delete removes a held row. Used as the completion step by queues whose
// rows carry no state past success.
func (l *Lease[T]) Delete(ctx context.Context, h Held) error {
	tag, err := l.pool.Exec(ctx, l.deleteSQL, h.ID, l.spec.InFlight, h.Lock)
	return settled("delete", l.spec.Table, h.ID, tag, err)
}

// settled maps a settlement result to an error, ErrLeaseLost when no row
// matched the claim.
func settled(op, table string, id uuid.UUID, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", op, table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s %s: %w", op, table, id, ErrLeaseLost)
	}
	return nil
}

// Counts returns the pending and terminal-failed row counts.
func (l *Lease[T]) Counts(ctx context.Context) (Counts, error) {
	live := append([]string{l.spec.InFlight}, l.spec.Eligible...)
	var c Counts
	if err := l.pool.QueryRow(ctx, l.countsSQL, live, l.spec.FailedState).Scan(&c.Pending, &c.Failed); err != nil {
		return Counts{}, fmt.Errorf("count %s: %w", l.spec.Table, err)
	}
	return c, nil
}

// Get loads one row by id. Returns (nil, nil) when it does not exist.
func (l *Lease[T]) Get(ctx context.Context, id uuid.UUID) (*T, error) {
	rows, err := l.pool.Query(ctx, l.getSQL, id)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", l.spec.Table, id, err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[T])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s %s: %w", l.spec.Table, id, err)
	}
	return row, nil
}
