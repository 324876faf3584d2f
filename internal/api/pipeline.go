package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/Odenhjalm/Aveli-sub000/internal/queue"
	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// registerPipelineRoutes wires the operator views of both queues.
func registerPipelineRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-webhook-jobs",
		Method:      http.MethodGet,
		Path:        "/webhook-jobs",
		Summary:     "List webhook jobs",
		Description: "Jobs still on the queue. Completed jobs are deleted and never listed.",
		Tags:        []string{"Pipeline"},
	}, srv.listWebhookJobsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline-status",
		Method:      http.MethodGet,
		Path:        "/pipeline/status",
		Summary:     "Queue status",
		Description: "Depth, running state, and last terminal failure of every queue this process runs.",
		Tags:        []string{"Pipeline"},
	}, srv.pipelineStatusHandler)
}

// WebhookJobItem is the API representation of a webhook job.
type WebhookJobItem struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	EventID   *string         `json:"event_id,omitempty"`
	Status    string          `json:"status"`
	Attempt   int             `json:"attempt"`
	NextRunAt *string         `json:"next_run_at,omitempty"` // RFC3339
	LastError *string         `json:"last_error,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"` // RFC3339
}

// ListWebhookJobsInput defines list filters.
type ListWebhookJobsInput struct {
	Status    string `query:"status" enum:"pending,processing,failed" doc:"Filter by status"`
	EventType string `query:"event_type" doc:"Filter by event type"`
	Limit     int    `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Page size"`
}

// ListWebhookJobsOutput is the response for GET /webhook-jobs.
type ListWebhookJobsOutput struct {
	Body struct {
		Items []WebhookJobItem `json:"items"`
	}
}

func (srv *Server) listWebhookJobsHandler(ctx context.Context, input *ListWebhookJobsInput) (*ListWebhookJobsOutput, error) {
	jobs, err := srv.store.ListWebhookJobs(ctx, store.WebhookJobFilter{
		Status:    input.Status,
		EventType: input.EventType,
		Limit:     input.Limit,
	})
	if err != nil {
		srv.log.ErrorContext(ctx, "list webhook jobs", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	out := &ListWebhookJobsOutput{}
	out.Body.Items = make([]WebhookJobItem, 0, len(jobs))
	for _, j := range jobs {
		out.Body.Items = append(out.Body.Items, WebhookJobItem{
			ID:        j.ID.String(),
			EventType: j.EventType,
			EventID:   j.EventID,
			Status:    j.Status,
			Attempt:   j.Attempt,
			NextRunAt: timeString(j.NextRunAt),
			LastError: j.LastError,
			Payload:   j.Payload,
			CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// PipelineStatusOutput is the response for GET /pipeline/status.
type PipelineStatusOutput struct {
	Body struct {
		Queues []queue.Stats `json:"queues"`
	}
}

func (srv *Server) pipelineStatusHandler(ctx context.Context, _ *struct{}) (*PipelineStatusOutput, error) {
	out := &PipelineStatusOutput{}
	out.Body.Queues = make([]queue.Stats, 0, len(srv.pools))
	for _, p := range srv.pools {
		st, err := p.Stats(ctx)
		if err != nil {
			srv.log.ErrorContext(ctx, "pipeline status", "queue", p.Name(), "error", err)
			return nil, huma.Error503ServiceUnavailable("queue status unavailable")
		}
		out.Body.Queues = append(out.Body.Queues, st)
	}
	return out, nil
}
