// ABOUTME: Queue executor for webhook jobs: dispatches on event type to idempotent handlers.
// ABOUTME: Missing session or metadata context is logged and completed, never retried.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Odenhjalm/Aveli-sub000/internal/queue"
	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// SeminarStore is the state the handlers mutate. Every write is an upsert or
// a keyed insert, so re-running a job is harmless.
type SeminarStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*store.Session, error)
	GetSessionByRoom(ctx context.Context, room string) (*store.Session, error)
	MarkSessionLive(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkSessionEnded(ctx context.Context, id uuid.UUID, at time.Time) error
	TouchAttendeePresence(ctx context.Context, p store.AttendeePresence) error
	UpsertRecording(ctx context.Context, r store.Recording) error
	InsertActivity(ctx context.Context, a store.Activity) (bool, error)
}

// RoomEnder closes a LiveKit room.
type RoomEnder interface {
	EndRoom(ctx context.Context, room, reason string) error
}

// Executor implements queue.Executor for *store.WebhookJob.
type Executor struct {
	store SeminarStore
	rooms RoomEnder
	log   *slog.Logger
	now   func() time.Time
}

// NewExecutor creates an Executor. rooms may be nil when the RoomService is
// not configured.
func NewExecutor(st SeminarStore, rooms RoomEnder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store: st,
		rooms: rooms,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Execute applies one job's event.
func (e *Executor) Execute(ctx context.Context, job *store.WebhookJob) error {
	ev, err := DecodeEvent(job.Payload)
	if err != nil {
		return queue.Permanent(fmt.Errorf("decode webhook job %s: %w", job.ID, err))
	}
	log := e.log.With("job_id", job.ID, "event_type", ev.Type)
	now := e.now()

	switch ev.Type {
	case EventRoomStarted, EventRoomCreated:
		return e.roomStarted(ctx, job.ID, ev, now, log)
	case EventRoomFinished:
		return e.roomFinished(ctx, ev, now, log)
	case EventParticipantJoined, EventParticipantLeft:
		return e.participant(ctx, job.ID, ev, now, log)
	case EventRecordingFinished:
		return e.recordingFinished(ctx, ev, log)
	default:
		log.Info("unhandled webhook event")
		return nil
	}
}

// sessionFor finds the session by the room metadata's session_id, falling
// back to the room name.
func (e *Executor) sessionFor(ctx context.Context, room Room, log *slog.Logger) (*store.Session, map[string]any, error) {
	var meta map[string]any
	if err := decodeMetadata(room.Metadata, &meta); err != nil {
		log.Warn("invalid room metadata", "metadata", room.Metadata, "error", err)
		meta = nil
	}
	sessionID, _ := meta["session_id"].(string)

	if sessionID != "" {
		id, err := uuid.Parse(sessionID)
		if err != nil {
			log.Warn("invalid session_id in room metadata", "session_id", sessionID)
			return nil, meta, nil
		}
		sess, err := e.store.GetSession(ctx, id)
		return sess, meta, err
	}
	if room.Name == "" {
		return nil, meta, nil
	}
	sess, err := e.store.GetSessionByRoom(ctx, room.Name)
	return sess, meta, err
}

func (e *Executor) roomStarted(ctx context.Context, jobID uuid.UUID, ev Event, now time.Time, log *slog.Logger) error {
	sess, meta, err := e.sessionFor(ctx, ev.Room, log)
	if err != nil {
		return err
	}
	if sess == nil {
		log.Warn("room started without session context", "room", ev.Room.Name)
		return nil
	}
	if err := e.store.MarkSessionLive(ctx, sess.ID, now); err != nil {
		return err
	}

	roomName := ev.Room.Name
	if roomName == "" {
		roomName = "unknown"
	}
	_, err = e.store.InsertActivity(ctx, store.Activity{
		Type:         "room_created",
		SubjectTable: "seminars",
		SubjectID:    sess.SeminarID,
		Summary:      fmt.Sprintf("LiveKit room started (%s)", roomName),
		Metadata: map[string]any{
			"event":            ev.Type,
			"room_name":        ev.Room.Name,
			"session_id":       sess.ID,
			"livekit_metadata": meta,
		},
		OccurredAt: now,
		DedupeKey:  jobID.String() + ":room_created",
	})
	if err != nil {
		return err
	}
	log.Info("session live", "session_id", sess.ID, "room", ev.Room.Name)
	return nil
}

func (e *Executor) roomFinished(ctx context.Context, ev Event, now time.Time, log *slog.Logger) error {
	sess, _, err := e.sessionFor(ctx, ev.Room, log)
	if err != nil {
		return err
	}
	if sess == nil {
		log.Info("room finished without session context", "room", ev.Room.Name)
		return nil
	}
	if err := e.store.MarkSessionEnded(ctx, sess.ID, now); err != nil {
		return err
	}
	log.Info("session ended", "session_id", sess.ID, "room", ev.Room.Name)

	if e.rooms != nil && ev.Room.Name != "" {
		if err := e.rooms.EndRoom(ctx, ev.Room.Name, "webhook"); err != nil {
			log.Warn("end room failed", "room", ev.Room.Name, "error", err)
		}
	}
	return nil
}

type participantMetadata struct {
	SeminarID string `json:"seminar_id"`
	UserID    string `json:"user_id"`
}

func (e *Executor) participant(ctx context.Context, jobID uuid.UUID, ev Event, now time.Time, log *slog.Logger) error {
	if ev.Participant == nil {
		log.Info("participant event without participant")
		return nil
	}
	p := ev.Participant
	var pm participantMetadata
	if err := decodeMetadata(p.Metadata, &pm); err != nil {
		log.Warn("invalid participant metadata", "metadata", p.Metadata, "error", err)
		return nil
	}
	seminarID, err1 := uuid.Parse(pm.SeminarID)
	userID, err2 := uuid.Parse(pm.UserID)
	if err1 != nil || err2 != nil {
		log.Info("participant event missing seminar/user context", "metadata", p.Metadata)
		return nil
	}

	presence := store.AttendeePresence{
		SeminarID:       seminarID,
		UserID:          userID,
		LivekitIdentity: p.Identity,
		ParticipantSID:  p.SID,
	}
	summary := "Participant joined LiveKit room"
	if ev.Type == EventParticipantJoined {
		presence.JoinedAt = &now
	} else {
		presence.LeftAt = &now
		summary = "Participant left LiveKit room"
	}
	if err := e.store.TouchAttendeePresence(ctx, presence); err != nil {
		return err
	}

	_, err := e.store.InsertActivity(ctx, store.Activity{
		Type:         ev.Type,
		ActorID:      &userID,
		SubjectTable: "seminars",
		SubjectID:    seminarID,
		Summary:      summary,
		Metadata: map[string]any{
			"event":     ev.Type,
			"room_name": ev.Room.Name,
			"participant": map[string]string{
				"identity": p.Identity,
				"sid":      p.SID,
			},
		},
		OccurredAt: now,
		DedupeKey:  jobID.String() + ":" + ev.Type,
	})
	return err
}

type recordingMetadata struct {
	SeminarID string `json:"seminar_id"`
	SessionID string `json:"session_id"`
}

func (e *Executor) recordingFinished(ctx context.Context, ev Event, log *slog.Logger) error {
	if ev.Recording == nil {
		log.Info("recording event without recording")
		return nil
	}
	rec := ev.Recording
	var rm recordingMetadata
	if err := decodeMetadata(rec.Metadata, &rm); err != nil {
		log.Warn("invalid recording metadata", "metadata", rec.Metadata, "error", err)
		return nil
	}
	seminarID, err := uuid.Parse(rm.SeminarID)
	assetURL := rec.AssetURL()
	if err != nil || assetURL == "" {
		log.Info("recording event missing seminar or location", "metadata", rec.Metadata)
		return nil
	}
	var sessionID *uuid.UUID
	if id, err := uuid.Parse(rm.SessionID); err == nil {
		sessionID = &id
	}

	meta := json.RawMessage(rec.Metadata)
	if !json.Valid(meta) {
		meta = nil
	}
	if err := e.store.UpsertRecording(ctx, store.Recording{
		SeminarID:       seminarID,
		SessionID:       sessionID,
		AssetURL:        assetURL,
		Status:          "available",
		DurationSeconds: rec.DurationSeconds(),
		ByteSize:        rec.Size,
		Metadata:        meta,
	}); err != nil {
		return err
	}
	log.Info("recording registered", "seminar_id", seminarID, "asset_url", assetURL)
	return nil
}
