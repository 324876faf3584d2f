package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Resolution failure modes: where the playback layer hit the failure.
const (
	ModeEditorInsert  = "editor_insert"
	ModeEditorPreview = "editor_preview"
	ModeStudentRender = "student_render"
)

// ResolutionFailure is one playback-time storage resolution miss.
type ResolutionFailure struct {
	LessonMediaID *uuid.UUID
	MediaAssetID  *uuid.UUID
	Mode          string
	Reason        string
	Details       map[string]any
}

// RecordResolutionFailure stores a resolution failure for later audit. A
// missing table is ignored; this is telemetry, not a source of truth.
func (s *Store) RecordResolutionFailure(ctx context.Context, f ResolutionFailure) error {
	details, err := json.Marshal(f.Details)
	if err != nil {
		return fmt.Errorf("record resolution failure: encode details: %w", err)
	}
	if f.Details == nil {
		details = []byte(`{}`)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO media_resolution_failures (lesson_media_id, media_asset_id, mode, reason, details)
VALUES ($1, $2, $3, $4, $5)`, f.LessonMediaID, f.MediaAssetID, f.Mode, f.Reason, details)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
			return nil
		}
		return fmt.Errorf("record resolution failure: %w", err)
	}
	return nil
}

// CountResolutionFailures returns how many failures were recorded for an asset.
func (s *Store) CountResolutionFailures(ctx context.Context, assetID uuid.UUID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM media_resolution_failures WHERE media_asset_id = $1`, assetID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count resolution failures: %w", err)
	}
	return n, nil
}
