// ABOUTME: Store methods for media_assets: upload registration, lease wrapper, ready transitions.
// ABOUTME: Lease/retry bookkeeping lives on the asset row itself (state, processing_* columns).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Media asset states.
const (
	MediaUploaded   = "uploaded"
	MediaProcessing = "processing"
	MediaReady      = "ready"
	MediaFailed     = "failed"
)

// MediaAsset is an uploaded source and, once ready, its derived artifact.
type MediaAsset struct {
	ID                     uuid.UUID  `db:"id"                       json:"id"`
	OwnerID                *uuid.UUID `db:"owner_id"                 json:"owner_id,omitempty"`
	CourseID               *uuid.UUID `db:"course_id"                json:"course_id,omitempty"`
	LessonID               *uuid.UUID `db:"lesson_id"                json:"lesson_id,omitempty"`
	MediaType              string     `db:"media_type"               json:"media_type"`
	Purpose                string     `db:"purpose"                  json:"purpose"`
	IngestFormat           *string    `db:"ingest_format"            json:"ingest_format,omitempty"`
	OriginalObjectPath     string     `db:"original_object_path"     json:"original_object_path"`
	OriginalContentType    *string    `db:"original_content_type"    json:"original_content_type,omitempty"`
	OriginalFilename       *string    `db:"original_filename"        json:"original_filename,omitempty"`
	OriginalSizeBytes      *int64     `db:"original_size_bytes"      json:"original_size_bytes,omitempty"`
	StorageBucket          string     `db:"storage_bucket"           json:"storage_bucket"`
	StreamingObjectPath    *string    `db:"streaming_object_path"    json:"streaming_object_path,omitempty"`
	StreamingStorageBucket *string    `db:"streaming_storage_bucket" json:"streaming_storage_bucket,omitempty"`
	StreamingFormat        *string    `db:"streaming_format"         json:"streaming_format,omitempty"`
	DurationSeconds        *int       `db:"duration_seconds"         json:"duration_seconds,omitempty"`
	Codec                  *string    `db:"codec"                    json:"codec,omitempty"`
	State                  string     `db:"state"                    json:"state"`
	ProcessingAttempts     int        `db:"processing_attempts"      json:"processing_attempts"`
	ProcessingLockedAt     *time.Time `db:"processing_locked_at"     json:"processing_locked_at,omitempty"`
	ProcessingLockedBy     *string    `db:"processing_locked_by"     json:"processing_locked_by,omitempty"`
	NextRetryAt            *time.Time `db:"next_retry_at"            json:"next_retry_at,omitempty"`
	ErrorMessage           *string    `db:"error_message"            json:"error_message,omitempty"`
	CreatedAt              time.Time  `db:"created_at"               json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at"               json:"updated_at"`

	// Rendition is set by the transcode executor on success and consumed by
	// Complete. It is never read from the database.
	Rendition *Rendition `db:"-" json:"-"`
}

// JobID implements queue.Job.
func (a *MediaAsset) JobID() uuid.UUID { return a.ID }

// Attempts implements queue.Job.
func (a *MediaAsset) Attempts() int { return a.ProcessingAttempts }

// Held implements queue.Job.
func (a *MediaAsset) Held() Held { return held(a.ID, a.ProcessingLockedBy) }

// Rendition describes a derived artifact written to storage.
type Rendition struct {
	Bucket          string
	Path            string
	Format          string
	Codec           string
	DurationSeconds int
	// PublicURL is set for artifacts served from a public bucket (course
	// covers). Empty for signed-URL playback.
	PublicURL string
}

var mediaAssetColumns = []string{
	"id", "owner_id", "course_id", "lesson_id", "media_type", "purpose", "ingest_format",
	"original_object_path", "original_content_type", "original_filename", "original_size_bytes",
	"storage_bucket", "streaming_object_path", "streaming_storage_bucket", "streaming_format",
	"duration_seconds", "codec", "state", "processing_attempts", "processing_locked_at",
	"processing_locked_by", "next_retry_at", "error_message", "created_at", "updated_at",
}

var mediaAssetsLease = LeaseSpec{
	Table:        "media_assets",
	Columns:      mediaAssetColumns,
	State:        "state",
	Attempt:      "processing_attempts",
	LockedAt:     "processing_locked_at",
	LockedBy:     "processing_locked_by",
	NextRunAt:    "next_retry_at",
	LastError:    "error_message",
	OrderBy:      "created_at",
	Eligible:     []string{MediaUploaded, MediaFailed},
	InFlight:     MediaProcessing,
	RetryState:   MediaFailed,
	ReleaseState: MediaUploaded,
	FailedState:  MediaFailed,
}

// MediaAssetQueue is the lease source for the transcode pipeline.
type MediaAssetQueue struct {
	store *Store
	*Lease[MediaAsset]
}

// MediaAssets returns the media asset lease source.
func (s *Store) MediaAssets() MediaAssetQueue {
	return MediaAssetQueue{store: s, Lease: s.mediaAssets}
}

// Complete advances the asset to ready using the Rendition the executor
// attached. Course covers also update the owning course.
func (q MediaAssetQueue) Complete(ctx context.Context, a *MediaAsset) error {
	if a.Rendition == nil {
		return fmt.Errorf("complete media asset %s: no rendition", a.ID)
	}
	if a.Rendition.PublicURL != "" && a.CourseID != nil {
		return q.store.MarkCourseCoverReady(ctx, a.Held(), *a.Rendition)
	}
	return q.store.MarkMediaAssetReady(ctx, a.Held(), *a.Rendition)
}

const markMediaReadySQL = `
UPDATE media_assets
SET state                    = 'ready',
    streaming_object_path    = $2,
    streaming_storage_bucket = COALESCE($3, streaming_storage_bucket, storage_bucket),
    streaming_format         = $4,
    codec                    = $5,
    duration_seconds         = $6,
    error_message            = NULL,
    next_retry_at            = NULL,
    processing_locked_at     = NULL,
    processing_locked_by     = NULL,
    updated_at               = now()
WHERE id = $1 AND state = 'processing' AND processing_locked_by = $7`

// MarkMediaAssetReady records the derived artifact and clears retry state.
// The asset must still be held by the given claim.
func (s *Store) MarkMediaAssetReady(ctx context.Context, h Held, r Rendition) error {
	return s.markReady(ctx, s.pool, h, r)
}

func (s *Store) markReady(ctx context.Context, db execer, h Held, r Rendition) error {
	var duration *int
	if r.DurationSeconds > 0 {
		duration = &r.DurationSeconds
	}
	tag, err := db.Exec(ctx, markMediaReadySQL, h.ID, r.Path, nullString(r.Bucket), r.Format, nullString(r.Codec), duration, h.Lock)
	if err != nil {
		return fmt.Errorf("mark media asset %s ready: %w", h.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark media asset %s ready: %w", h.ID, ErrLeaseLost)
	}
	return nil
}

// Only the most recent cover of a course is published on the course row.
const publishCourseCoverSQL = `
UPDATE courses
SET cover_media_id = $2, cover_url = $3, updated_at = now()
WHERE id = $1
  AND NOT EXISTS (
      SELECT 1
      FROM media_assets a
      JOIN media_assets newer
        ON newer.course_id = a.course_id
       AND newer.purpose = 'course_cover'
       AND newer.created_at > a.created_at
      WHERE a.id = $2
  )`

// MarkCourseCoverReady marks a course cover asset ready and, when it is the
// latest cover for its course, publishes its URL on the course.
func (s *Store) MarkCourseCoverReady(ctx context.Context, h Held, r Rendition) error {
	id := h.ID
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var courseID *uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT course_id FROM media_assets WHERE id = $1`, id).Scan(&courseID); err != nil {
			return fmt.Errorf("mark course cover %s ready: %w", id, err)
		}
		if err := s.markReady(ctx, tx, h, r); err != nil {
			return err
		}
		if courseID == nil {
			return nil
		}
		if _, err := tx.Exec(ctx, publishCourseCoverSQL, *courseID, id, r.PublicURL); err != nil {
			return fmt.Errorf("publish course cover %s: %w", id, err)
		}
		return nil
	})
}

// NewMediaAsset is the upload-completion input.
type NewMediaAsset struct {
	OwnerID             *uuid.UUID
	CourseID            *uuid.UUID
	LessonID            *uuid.UUID
	MediaType           string
	Purpose             string
	IngestFormat        string
	StorageBucket       string
	OriginalObjectPath  string
	OriginalContentType string
	OriginalFilename    string
	OriginalSizeBytes   int64
}

const insertMediaAssetSQL = `
INSERT INTO media_assets (
    owner_id, course_id, lesson_id, media_type, purpose, ingest_format,
    storage_bucket, original_object_path, original_content_type, original_filename,
    original_size_bytes, state
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'uploaded')
RETURNING id`

// CreateMediaAsset registers an uploaded source in state 'uploaded' and
// records the source object in the storage catalog. Both writes share one
// transaction.
func (s *Store) CreateMediaAsset(ctx context.Context, in NewMediaAsset) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var size *int64
		if in.OriginalSizeBytes > 0 {
			size = &in.OriginalSizeBytes
		}
		if err := tx.QueryRow(ctx, insertMediaAssetSQL,
			in.OwnerID, in.CourseID, in.LessonID, in.MediaType, in.Purpose,
			nullString(in.IngestFormat), in.StorageBucket, in.OriginalObjectPath,
			nullString(in.OriginalContentType), nullString(in.OriginalFilename), size,
		).Scan(&id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, upsertStorageObjectSQL,
			in.StorageBucket, in.OriginalObjectPath, size, nullString(in.OriginalContentType))
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create media asset: %w", err)
	}
	return id, nil
}

// GetMediaAsset loads one asset. Returns (nil, nil) when it does not exist.
func (s *Store) GetMediaAsset(ctx context.Context, id uuid.UUID) (*MediaAsset, error) {
	return s.mediaAssets.Get(ctx, id)
}

// MediaAssetFilter narrows ListMediaAssets.
type MediaAssetFilter struct {
	State    string
	Purpose  string
	CourseID *uuid.UUID
	Limit    int
}

// ListMediaAssets returns assets newest first.
func (s *Store) ListMediaAssets(ctx context.Context, f MediaAssetFilter) ([]MediaAsset, error) {
	q := psql.Select(mediaAssetColumns...).From("media_assets").OrderBy("created_at DESC")
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.Purpose != "" {
		q = q.Where("purpose = ?", f.Purpose)
	}
	if f.CourseID != nil {
		q = q.Where("course_id = ?", *f.CourseID)
	}
	q = q.Limit(uint64(clampLimit(f.Limit))) //nolint:gosec // clamped positive

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list media assets: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list media assets: %w", err)
	}
	assets, err := pgx.CollectRows(rows, pgx.RowToStructByName[MediaAsset])
	if err != nil {
		return nil, fmt.Errorf("list media assets: %w", err)
	}
	return assets, nil
}

// CreateCourse inserts a course row.
func (s *Store) CreateCourse(ctx context.Context, title string) (uuid.UUID, error) {
	var id uuid.UUID
	if err := s.pool.QueryRow(ctx, `INSERT INTO courses (title) VALUES ($1) RETURNING id`, title).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("create course: %w", err)
	}
	return id, nil
}

// CourseCover returns the published cover of a course. Returns ErrNotFound
// when the course does not exist.
func (s *Store) CourseCover(ctx context.Context, courseID uuid.UUID) (mediaID *uuid.UUID, url *string, err error) {
	err = s.pool.QueryRow(ctx, `SELECT cover_media_id, cover_url FROM courses WHERE id = $1`, courseID).Scan(&mediaID, &url)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("course cover %s: %w", courseID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("course cover %s: %w", courseID, err)
	}
	return mediaID, url, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MediaReference is one storage reference declared by a media asset.
type MediaReference struct {
	AssetID uuid.UUID
	// Kind is "source" for the uploaded original or "derived" for the
	// transcoded artifact.
	Kind string
	Ref  ObjectRef
	// Referenced is true when a course or lesson points at the asset.
	Referenced bool
}

// ListMediaReferences returns the source and derived references of up to
// limit assets, oldest first. A limit <= 0 means every asset.
func (s *Store) ListMediaReferences(ctx context.Context, limit int) ([]MediaReference, error) {
	q := psql.Select(
		"id", "storage_bucket", "original_object_path",
		"COALESCE(streaming_storage_bucket, storage_bucket)", "streaming_object_path",
		"(course_id IS NOT NULL OR lesson_id IS NOT NULL)",
	).From("media_assets").OrderBy("created_at", "id")
	if limit > 0 {
		q = q.Limit(uint64(limit)) //nolint:gosec // positive
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list media references: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list media references: %w", err)
	}
	defer rows.Close()

	var out []MediaReference
	for rows.Next() {
		var (
			id                     uuid.UUID
			bucket, path, derivedB string
			derived                *string
			referenced             bool
		)
		if err := rows.Scan(&id, &bucket, &path, &derivedB, &derived, &referenced); err != nil {
			return nil, fmt.Errorf("list media references: scan: %w", err)
		}
		out = append(out, MediaReference{AssetID: id, Kind: "source", Ref: ObjectRef{Bucket: bucket, Key: path}, Referenced: referenced})
		if derived != nil && *derived != "" {
			out = append(out, MediaReference{AssetID: id, Kind: "derived", Ref: ObjectRef{Bucket: derivedB, Key: *derived}, Referenced: referenced})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list media references: %w", err)
	}
	return out, nil
}
