package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/Odenhjalm/Aveli-sub000/internal/storage"
	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// registerMediaAssetRoutes wires the upload-completion boundary and the
// status, listing, and playback endpoints.
//
//	POST /media-assets                 — register an uploaded source
//	GET  /media-assets                 — filtered list
//	GET  /media-assets/{id}            — status polling
//	GET  /media-assets/{id}/playback   — resolve and sign a playable URL
func registerMediaAssetRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-media-asset",
		Method:        http.MethodPost,
		Path:          "/media-assets",
		Summary:       "Register an uploaded media source",
		Description:   "Records the uploaded source object and queues it for transcoding.",
		Tags:          []string{"Media"},
		DefaultStatus: http.StatusCreated,
	}, srv.createMediaAssetHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-media-assets",
		Method:      http.MethodGet,
		Path:        "/media-assets",
		Summary:     "List media assets",
		Tags:        []string{"Media"},
	}, srv.listMediaAssetsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-media-asset",
		Method:      http.MethodGet,
		Path:        "/media-assets/{id}",
		Summary:     "Get media asset status",
		Tags:        []string{"Media"},
	}, srv.getMediaAssetHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-media-asset-playback",
		Method:      http.MethodGet,
		Path:        "/media-assets/{id}/playback",
		Summary:     "Resolve a playback URL",
		Description: "Resolves the derived artifact against the storage catalog and returns a URL when the bytes exist.",
		Tags:        []string{"Media"},
	}, srv.playbackHandler)
}

// ── Response types ────────────────────────────────────────────────────────────

// MediaAssetItem is the API representation of a media asset.
type MediaAssetItem struct {
	ID                     string  `json:"id"`
	OwnerID                *string `json:"owner_id,omitempty"`
	CourseID               *string `json:"course_id,omitempty"`
	LessonID               *string `json:"lesson_id,omitempty"`
	MediaType              string  `json:"media_type"`
	Purpose                string  `json:"purpose"`
	State                  string  `json:"state"`
	StorageBucket          string  `json:"storage_bucket"`
	OriginalObjectPath     string  `json:"original_object_path"`
	StreamingObjectPath    *string `json:"streaming_object_path,omitempty"`
	StreamingStorageBucket *string `json:"streaming_storage_bucket,omitempty"`
	StreamingFormat        *string `json:"streaming_format,omitempty"`
	DurationSeconds        *int    `json:"duration_seconds,omitempty"`
	Codec                  *string `json:"codec,omitempty"`
	ProcessingAttempts     int     `json:"processing_attempts"`
	NextRetryAt            *string `json:"next_retry_at,omitempty"` // RFC3339
	ErrorMessage           *string `json:"error_message,omitempty"`
	CreatedAt              string  `json:"created_at"` // RFC3339
	UpdatedAt              string  `json:"updated_at"` // RFC3339
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mediaAssetToItem(a *store.MediaAsset) MediaAssetItem {
	return MediaAssetItem{
		ID:                     a.ID.String(),
		OwnerID:                uuidString(a.OwnerID),
		CourseID:               uuidString(a.CourseID),
		LessonID:               uuidString(a.LessonID),
		MediaType:              a.MediaType,
		Purpose:                a.Purpose,
		State:                  a.State,
		StorageBucket:          a.StorageBucket,
		OriginalObjectPath:     a.OriginalObjectPath,
		StreamingObjectPath:    a.StreamingObjectPath,
		StreamingStorageBucket: a.StreamingStorageBucket,
		StreamingFormat:        a.StreamingFormat,
		DurationSeconds:        a.DurationSeconds,
		Codec:                  a.Codec,
		ProcessingAttempts:     a.ProcessingAttempts,
		NextRetryAt:            timeString(a.NextRetryAt),
		ErrorMessage:           a.ErrorMessage,
		CreatedAt:              a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:              a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// parseOptionalUUID parses s into a *uuid.UUID; empty yields nil.
func parseOptionalUUID(field, s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid "+field, err)
	}
	return &id, nil
}

// ── POST /media-assets ────────────────────────────────────────────────────────

// CreateMediaAssetInput is the upload-completion request.
type CreateMediaAssetInput struct {
	Body struct {
		OwnerID            string `json:"owner_id,omitempty" format:"uuid" doc:"Uploading user"`
		CourseID           string `json:"course_id,omitempty" format:"uuid" doc:"Owning course, required for course covers"`
		LessonID           string `json:"lesson_id,omitempty" format:"uuid" doc:"Owning lesson"`
		MediaType          string `json:"media_type" enum:"audio,image,video,document" doc:"Kind of source"`
		Purpose            string `json:"purpose" minLength:"1" maxLength:"64" doc:"How the asset is used, e.g. lesson_audio or course_cover"`
		StorageBucket      string `json:"storage_bucket,omitempty" doc:"Bucket holding the source; defaults to the media source bucket"`
		OriginalObjectPath string `json:"original_object_path" minLength:"1" maxLength:"1024" doc:"Object key of the uploaded source"`
		ContentType        string `json:"content_type,omitempty" doc:"Content type reported by the uploader"`
		Filename           string `json:"filename,omitempty" maxLength:"255" doc:"Original filename"`
		Size               int64  `json:"size,omitempty" minimum:"0" doc:"Source size in bytes"`
	}
}

// MediaAssetOutput wraps a single asset.
type MediaAssetOutput struct {
	Body *MediaAssetItem
}

func (srv *Server) createMediaAssetHandler(ctx context.Context, input *CreateMediaAssetInput) (*MediaAssetOutput, error) {
	in := input.Body
	ownerID, err := parseOptionalUUID("owner_id", in.OwnerID)
	if err != nil {
		return nil, err
	}
	courseID, err := parseOptionalUUID("course_id", in.CourseID)
	if err != nil {
		return nil, err
	}
	lessonID, err := parseOptionalUUID("lesson_id", in.LessonID)
	if err != nil {
		return nil, err
	}
	if in.Purpose == "course_cover" && courseID == nil {
		return nil, huma.Error422UnprocessableEntity("course_id is required for course covers")
	}
	bucket := storage.NormalizeBucket(in.StorageBucket)
	if bucket == "" {
		bucket = srv.cfg.MediaSourceBucket
	}

	id, err := srv.store.CreateMediaAsset(ctx, store.NewMediaAsset{
		OwnerID:             ownerID,
		CourseID:            courseID,
		LessonID:            lessonID,
		MediaType:           in.MediaType,
		Purpose:             in.Purpose,
		IngestFormat:        in.ContentType,
		StorageBucket:       bucket,
		OriginalObjectPath:  storage.NormalizePath(in.OriginalObjectPath),
		OriginalContentType: in.ContentType,
		OriginalFilename:    in.Filename,
		OriginalSizeBytes:   in.Size,
	})
	if err != nil {
		srv.log.ErrorContext(ctx, "create media asset", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}

	if srv.media != nil {
		// The row is committed; a failed immediate claim only means the
		// poller picks the asset up instead.
		if _, err := srv.media.Submit(ctx, id); err != nil {
			srv.log.WarnContext(ctx, "submit media asset", "media_id", id, "error", err)
		}
	}

	a, err := srv.store.GetMediaAsset(ctx, id)
	if err != nil || a == nil {
		srv.log.ErrorContext(ctx, "reload media asset", "media_id", id, "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	item := mediaAssetToItem(a)
	return &MediaAssetOutput{Body: &item}, nil
}

// ── GET /media-assets ─────────────────────────────────────────────────────────

// ListMediaAssetsInput defines list filters.
type ListMediaAssetsInput struct {
	State    string `query:"state" enum:"uploaded,processing,ready,failed" doc:"Filter by state"`
	Purpose  string `query:"purpose" doc:"Filter by purpose"`
	CourseID string `query:"course_id" format:"uuid" doc:"Filter by course"`
	Limit    int    `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Page size"`
}

// ListMediaAssetsOutput is the response for GET /media-assets.
type ListMediaAssetsOutput struct {
	Body struct {
		Items []MediaAssetItem `json:"items"`
	}
}

func (srv *Server) listMediaAssetsHandler(ctx context.Context, input *ListMediaAssetsInput) (*ListMediaAssetsOutput, error) {
	courseID, err := parseOptionalUUID("course_id", input.CourseID)
	if err != nil {
		return nil, err
	}
	rows, err := srv.store.ListMediaAssets(ctx, store.MediaAssetFilter{
		State:    input.State,
		Purpose:  input.Purpose,
		CourseID: courseID,
		Limit:    input.Limit,
	})
	if err != nil {
		srv.log.ErrorContext(ctx, "list media assets", "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	out := &ListMediaAssetsOutput{}
	out.Body.Items = make([]MediaAssetItem, 0, len(rows))
	for i := range rows {
		out.Body.Items = append(out.Body.Items, mediaAssetToItem(&rows[i]))
	}
	return out, nil
}

// ── GET /media-assets/{id} ────────────────────────────────────────────────────

// MediaAssetIDInput addresses one asset.
type MediaAssetIDInput struct {
	ID string `path:"id" format:"uuid" doc:"Media asset ID"`
}

func (srv *Server) loadAsset(ctx context.Context, raw string) (*store.MediaAsset, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid media asset id", err)
	}
	a, err := srv.store.GetMediaAsset(ctx, id)
	if err != nil {
		srv.log.ErrorContext(ctx, "get media asset", "media_id", id, "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	if a == nil {
		return nil, huma.Error404NotFound("media asset not found")
	}
	return a, nil
}

func (srv *Server) getMediaAssetHandler(ctx context.Context, input *MediaAssetIDInput) (*MediaAssetOutput, error) {
	a, err := srv.loadAsset(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	item := mediaAssetToItem(a)
	return &MediaAssetOutput{Body: &item}, nil
}

// ── GET /media-assets/{id}/playback ───────────────────────────────────────────

// PlaybackInput addresses one asset and says where playback was attempted.
type PlaybackInput struct {
	ID   string `path:"id" format:"uuid" doc:"Media asset ID"`
	Mode string `query:"mode" enum:"editor_insert,editor_preview,student_render" default:"student_render" doc:"Where the playback request originates"`
}

// PlaybackBody is the playback resolution.
type PlaybackBody struct {
	AssetID    string             `json:"asset_id"`
	Playable   bool               `json:"playable"`
	URL        string             `json:"url,omitempty"`
	ExpiresAt  *string            `json:"expires_at,omitempty"` // RFC3339; absent for public URLs
	Resolution storage.Resolution `json:"resolution"`
}

// PlaybackOutput is the response for GET /media-assets/{id}/playback.
type PlaybackOutput struct {
	Body *PlaybackBody
}

func (srv *Server) playbackHandler(ctx context.Context, input *PlaybackInput) (*PlaybackOutput, error) {
	a, err := srv.loadAsset(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if a.State != store.MediaReady || a.StreamingObjectPath == nil {
		return nil, huma.Error409Conflict("media asset is not ready")
	}
	declared := store.ObjectRef{Bucket: a.StorageBucket, Key: *a.StreamingObjectPath}
	if a.StreamingStorageBucket != nil {
		declared.Bucket = *a.StreamingStorageBucket
	}

	res, err := srv.resolver.Resolve(ctx, declared)
	if err != nil {
		srv.log.ErrorContext(ctx, "resolve playback", "media_id", a.ID, "error", err)
		return nil, huma.Error500InternalServerError("internal error")
	}
	body := &PlaybackBody{AssetID: a.ID.String(), Resolution: res}

	if !res.Playable() {
		reason := string(res.Reason)
		if reason == "" {
			reason = string(res.Status)
		}
		if err := srv.store.RecordResolutionFailure(ctx, store.ResolutionFailure{
			MediaAssetID: &a.ID,
			Mode:         input.Mode,
			Reason:       reason,
			Details: map[string]any{
				"bucket":     declared.Bucket,
				"path":       declared.Key,
				"status":     res.Status,
				"candidates": res.Candidates,
			},
		}); err != nil {
			srv.log.WarnContext(ctx, "record resolution failure", "media_id", a.ID, "error", err)
		}
		return &PlaybackOutput{Body: body}, nil
	}

	if srv.signer == nil {
		return nil, huma.Error503ServiceUnavailable("object storage not configured")
	}
	body.Playable = true
	if res.Bucket == srv.cfg.MediaPublicBucket {
		body.URL = srv.signer.PublicURL(res.Bucket, res.Key)
		return &PlaybackOutput{Body: body}, nil
	}
	url, err := srv.signer.SignedGetURL(ctx, res.Bucket, res.Key)
	if err != nil {
		srv.log.ErrorContext(ctx, "sign playback url", "media_id", a.ID, "error", err)
		return nil, huma.Error503ServiceUnavailable("object storage unavailable")
	}
	body.URL = url
	expires := time.Now().Add(srv.cfg.SignedURLTTL)
	body.ExpiresAt = timeString(&expires)
	return &PlaybackOutput{Body: body}, nil
}
