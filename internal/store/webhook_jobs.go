// ABOUTME: Store methods for the webhook_jobs queue: enqueue, lease wrapper, and listing.
// ABOUTME: Success deletes the row; terminal failure leaves it in 'failed' for inspection.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Webhook job statuses.
const (
	WebhookPending    = "pending"
	WebhookProcessing = "processing"
	WebhookFailed     = "failed"
)

// WebhookJob is one queued inbound provider event.
type WebhookJob struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	EventType string          `db:"event_type" json:"event_type"`
	EventID   *string         `db:"event_id"   json:"event_id,omitempty"`
	Payload   json.RawMessage `db:"payload"    json:"payload"`
	Status    string          `db:"status"     json:"status"`
	Attempt   int             `db:"attempt"    json:"attempt"`
	LockedAt  *time.Time      `db:"locked_at"  json:"locked_at,omitempty"`
	LockedBy  *string         `db:"locked_by"  json:"locked_by,omitempty"`
	NextRunAt *time.Time      `db:"next_run_at" json:"next_run_at,omitempty"`
	LastError *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// JobID implements queue.Job.
func (j *WebhookJob) JobID() uuid.UUID { return j.ID }

// Attempts implements queue.Job.
func (j *WebhookJob) Attempts() int { return j.Attempt }

// Held implements queue.Job.
func (j *WebhookJob) Held() Held { return held(j.ID, j.LockedBy) }

var webhookJobsLease = LeaseSpec{
	Table: "webhook_jobs",
	Columns: []string{
		"id", "event_type", "event_id", "payload", "status", "attempt",
		"locked_at", "locked_by", "next_run_at", "last_error", "created_at", "updated_at",
	},
	State:        "status",
	Attempt:      "attempt",
	LockedAt:     "locked_at",
	LockedBy:     "locked_by",
	NextRunAt:    "next_run_at",
	LastError:    "last_error",
	OrderBy:      "next_run_at",
	Eligible:     []string{WebhookPending},
	InFlight:     WebhookProcessing,
	RetryState:   WebhookPending,
	ReleaseState: WebhookPending,
	FailedState:  WebhookFailed,
}

// WebhookJobQueue is the lease source for webhook jobs.
type WebhookJobQueue struct {
	*Lease[WebhookJob]
}

// Complete deletes the job row if job still holds it.
func (q WebhookJobQueue) Complete(ctx context.Context, job *WebhookJob) error {
	return q.Delete(ctx, job.Held())
}

// WebhookJobs returns the webhook job lease source.
func (s *Store) WebhookJobs() WebhookJobQueue {
	return WebhookJobQueue{Lease: s.webhookJobs}
}

const insertWebhookJobSQL = `
INSERT INTO webhook_jobs (event_type, event_id, payload, status, attempt, next_run_at)
VALUES ($1, $2, $3, 'pending', 0, now())
RETURNING id`

// CreateWebhookJob inserts a pending job for payload, immediately due.
func (s *Store) CreateWebhookJob(ctx context.Context, eventType string, eventID *string, payload json.RawMessage) (uuid.UUID, error) {
	var id uuid.UUID
	if err := s.pool.QueryRow(ctx, insertWebhookJobSQL, eventType, eventID, []byte(payload)).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("create webhook job: %w", err)
	}
	return id, nil
}

// WebhookJobFilter narrows ListWebhookJobs.
type WebhookJobFilter struct {
	Status    string
	EventType string
	Limit     int
}

// ListWebhookJobs returns jobs newest first.
func (s *Store) ListWebhookJobs(ctx context.Context, f WebhookJobFilter) ([]WebhookJob, error) {
	q := psql.Select(webhookJobsLease.Columns...).From("webhook_jobs").OrderBy("created_at DESC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	q = q.Limit(uint64(clampLimit(f.Limit))) //nolint:gosec // clamped positive

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list webhook jobs: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, pgx.RowToStructByName[WebhookJob])
	if err != nil {
		return nil, fmt.Errorf("list webhook jobs: %w", err)
	}
	return jobs, nil
}

// clampLimit bounds list page sizes to [1, 500], defaulting to 50.
func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 500:
		return 500
	default:
		return n
	}
}
