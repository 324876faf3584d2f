// ABOUTME: Webhook intake: decode, persist a pending job, then try the immediate claim.
// ABOUTME: The caller is acknowledged once the job row exists; processing is asynchronous.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ErrUnavailable wraps enqueue failures; the boundary answers 503.
var ErrUnavailable = errors.New("webhook queue unavailable")

// JobCreator persists a pending webhook job.
type JobCreator interface {
	CreateWebhookJob(ctx context.Context, eventType string, eventID *string, payload json.RawMessage) (uuid.UUID, error)
}

// Submitter hands a freshly created job to a worker slot if one is free.
type Submitter interface {
	Submit(ctx context.Context, id uuid.UUID) (bool, error)
}

// Receiver accepts verified webhook bodies.
type Receiver struct {
	jobs JobCreator
	pool Submitter
	log  *slog.Logger
}

// NewReceiver creates a Receiver. pool may be nil when this process runs no
// webhook workers; the job is then picked up by a worker's poller.
func NewReceiver(jobs JobCreator, pool Submitter, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{jobs: jobs, pool: pool, log: logger}
}

// Accept decodes body and enqueues it. The signature must already have been
// checked. Returns ErrMalformedEvent or ErrMissingEventType for bad input
// and ErrUnavailable when the job could not be stored.
func (r *Receiver) Accept(ctx context.Context, body []byte) (uuid.UUID, error) {
	ev, err := DecodeEvent(body)
	if err != nil {
		return uuid.Nil, err
	}
	var eventID *string
	if ev.ID != "" {
		eventID = &ev.ID
	}

	id, err := r.jobs.CreateWebhookJob(ctx, ev.Type, eventID, json.RawMessage(body))
	if err != nil {
		r.log.Error("enqueue webhook", "event_type", ev.Type, "error", err)
		return uuid.Nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if r.pool != nil {
		// The job is durable now; a failed immediate claim only costs latency.
		if _, err := r.pool.Submit(ctx, id); err != nil {
			r.log.Warn("immediate claim failed", "job_id", id, "error", err)
		}
	}
	r.log.Info("webhook queued", "job_id", id, "event_type", ev.Type, "event_id", ev.ID)
	return id, nil
}
