// ABOUTME: Seminar session, attendee, recording, and activity writes applied by webhook handlers.
// ABOUTME: Every write is an upsert or a keyed insert so a handler can safely run twice.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Session is a scheduled or running live seminar session.
type Session struct {
	ID          uuid.UUID  `db:"id"`
	SeminarID   uuid.UUID  `db:"seminar_id"`
	LivekitRoom *string    `db:"livekit_room"`
	Status      string     `db:"status"`
	StartedAt   *time.Time `db:"started_at"`
	EndedAt     *time.Time `db:"ended_at"`
}

const sessionColumns = `id, seminar_id, livekit_room, status, started_at, ended_at`

// GetSession loads a session by id. Returns (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.getSession(ctx, `SELECT `+sessionColumns+` FROM seminar_sessions WHERE id = $1`, id)
}

// GetSessionByRoom loads the session bound to a LiveKit room name.
// Returns (nil, nil) when absent.
func (s *Store) GetSessionByRoom(ctx context.Context, room string) (*Session, error) {
	return s.getSession(ctx, `SELECT `+sessionColumns+` FROM seminar_sessions WHERE livekit_room = $1`, room)
}

func (s *Store) getSession(ctx context.Context, query string, arg any) (*Session, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[Session])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// MarkSessionLive sets status=live. started_at keeps the first value seen so
// a replayed event does not move it.
func (s *Store) MarkSessionLive(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE seminar_sessions
SET status = 'live', started_at = COALESCE(started_at, $2), updated_at = now()
WHERE id = $1 AND status <> 'ended'`, id, at)
	if err != nil {
		return fmt.Errorf("mark session %s live: %w", id, err)
	}
	return nil
}

// MarkSessionEnded sets status=ended. ended_at keeps the first value seen.
func (s *Store) MarkSessionEnded(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE seminar_sessions
SET status = 'ended', ended_at = COALESCE(ended_at, $2), updated_at = now()
WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark session %s ended: %w", id, err)
	}
	return nil
}

// AttendeePresence is a participant join/leave observation.
type AttendeePresence struct {
	SeminarID       uuid.UUID
	UserID          uuid.UUID
	JoinedAt        *time.Time
	LeftAt          *time.Time
	LivekitIdentity string
	ParticipantSID  string
}

// TouchAttendeePresence upserts an attendee keyed on (seminar_id, user_id).
// Null inputs never overwrite recorded values.
func (s *Store) TouchAttendeePresence(ctx context.Context, p AttendeePresence) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO seminar_attendees (seminar_id, user_id, joined_at, left_at, livekit_identity, participant_sid)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (seminar_id, user_id) DO UPDATE SET
    joined_at        = COALESCE(EXCLUDED.joined_at, seminar_attendees.joined_at),
    left_at          = COALESCE(EXCLUDED.left_at, seminar_attendees.left_at),
    livekit_identity = COALESCE(EXCLUDED.livekit_identity, seminar_attendees.livekit_identity),
    participant_sid  = COALESCE(EXCLUDED.participant_sid, seminar_attendees.participant_sid),
    updated_at       = now()`,
		p.SeminarID, p.UserID, p.JoinedAt, p.LeftAt,
		nullString(p.LivekitIdentity), nullString(p.ParticipantSID))
	if err != nil {
		return fmt.Errorf("touch attendee %s/%s: %w", p.SeminarID, p.UserID, err)
	}
	return nil
}

// Recording is a finished room recording.
type Recording struct {
	SeminarID       uuid.UUID
	SessionID       *uuid.UUID
	AssetURL        string
	Status          string
	DurationSeconds *int
	ByteSize        *int64
	Metadata        json.RawMessage
}

// UpsertRecording inserts or refreshes a recording keyed on
// (seminar_id, asset_url).
func (s *Store) UpsertRecording(ctx context.Context, r Recording) error {
	meta := r.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO seminar_recordings (seminar_id, session_id, asset_url, status, duration_seconds, byte_size, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (seminar_id, asset_url) DO UPDATE SET
    session_id       = COALESCE(EXCLUDED.session_id, seminar_recordings.session_id),
    status           = EXCLUDED.status,
    duration_seconds = COALESCE(EXCLUDED.duration_seconds, seminar_recordings.duration_seconds),
    byte_size        = COALESCE(EXCLUDED.byte_size, seminar_recordings.byte_size),
    metadata         = EXCLUDED.metadata,
    updated_at       = now()`,
		r.SeminarID, r.SessionID, r.AssetURL, r.Status, r.DurationSeconds, r.ByteSize, []byte(meta))
	if err != nil {
		return fmt.Errorf("upsert recording %s: %w", r.AssetURL, err)
	}
	return nil
}

// Activity is an entry in the seminar activity feed.
type Activity struct {
	Type         string
	ActorID      *uuid.UUID
	SubjectTable string
	SubjectID    uuid.UUID
	Summary      string
	Metadata     any
	OccurredAt   time.Time
	// DedupeKey makes the insert a no-op when an activity with the same key
	// already exists.
	DedupeKey string
}

// InsertActivity records an activity. Returns false when DedupeKey matched an
// existing row.
func (s *Store) InsertActivity(ctx context.Context, a Activity) (bool, error) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return false, fmt.Errorf("insert activity: encode metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO activities (activity_type, actor_id, subject_table, subject_id, summary, metadata, dedupe_key, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (dedupe_key) DO NOTHING`,
		a.Type, a.ActorID, a.SubjectTable, a.SubjectID, a.Summary, meta, nullString(a.DedupeKey), a.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("insert activity %s: %w", a.Type, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateSeminar inserts a seminar and returns its id.
func (s *Store) CreateSeminar(ctx context.Context, title string, hostID *uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO seminars (title, host_id) VALUES ($1, $2) RETURNING id`, title, hostID,
	).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("create seminar: %w", err)
	}
	return id, nil
}

// CreateSession schedules a session for a seminar bound to a LiveKit room.
func (s *Store) CreateSession(ctx context.Context, seminarID uuid.UUID, room string) (uuid.UUID, error) {
	var id uuid.UUID
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO seminar_sessions (seminar_id, livekit_room) VALUES ($1, $2) RETURNING id`,
		seminarID, nullString(room),
	).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("create session: %w", err)
	}
	return id, nil
}
