// ABOUTME: POST /webhooks/livekit: verifies the shared-secret header and enqueues the event.
// ABOUTME: Acknowledges with 202 once the job row exists; processing is asynchronous.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/Odenhjalm/Aveli-sub000/internal/webhook"
)

// queuedResponse is the 202 body for an accepted webhook.
type queuedResponse struct {
	Queued bool `json:"queued"`
}

// livekitWebhookHandler handles POST /webhooks/livekit.
// Nothing is persisted unless the signature verifies.
func (srv *Server) livekitWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := webhook.VerifySignature(srv.cfg.LiveKitWebhookSecret, r.Header); err != nil {
		srv.log.WarnContext(r.Context(), "livekit webhook rejected", "remote_ip", remoteIP(r), "error", err)
		writeDetail(w, http.StatusUnauthorized, err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeDetail(w, http.StatusBadRequest, "could not read body")
		return
	}

	if srv.receiver == nil {
		writeDetail(w, http.StatusServiceUnavailable, "webhook queue unavailable")
		return
	}
	id, err := srv.receiver.Accept(r.Context(), body)
	switch {
	case errors.Is(err, webhook.ErrMalformedEvent):
		writeDetail(w, http.StatusBadRequest, "invalid JSON payload")
		return
	case errors.Is(err, webhook.ErrMissingEventType):
		writeDetail(w, http.StatusBadRequest, "missing event type")
		return
	case err != nil:
		writeDetail(w, http.StatusServiceUnavailable, "webhook queue unavailable")
		return
	}

	srv.log.DebugContext(r.Context(), "livekit webhook accepted", "job_id", id)
	writeJSON(w, http.StatusAccepted, queuedResponse{Queued: true})
}
