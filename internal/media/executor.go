// ABOUTME: Queue executor for media assets: signed download, transcode, signed upload.
// ABOUTME: Source-not-visible is ErrNotReady; unsupported assets fail permanently.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Odenhjalm/Aveli-sub000/internal/queue"
	"github.com/Odenhjalm/Aveli-sub000/internal/storage"
	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// ObjectRecorder adds uploaded artifacts to the storage catalog.
type ObjectRecorder interface {
	RecordObject(ctx context.Context, ref store.ObjectRef, size int64, contentType string) error
}

// Config configures an Executor.
type Config struct {
	SourceBucket string // used when an asset has no storage_bucket
	PublicBucket string // destination of public artifacts
	TempDir      string // parent of per-job scratch dirs; default os.TempDir()
	Logger       *slog.Logger
}

// Executor implements queue.Executor for *store.MediaAsset.
type Executor struct {
	signer     storage.Signer
	catalog    ObjectRecorder
	transcoder Transcoder
	client     *http.Client
	cfg        Config
	log        *slog.Logger
}

// NewExecutor creates an Executor. client carries the signed-URL transfers;
// it should have no overall timeout since sources can be large.
func NewExecutor(signer storage.Signer, catalog ObjectRecorder, transcoder Transcoder, client *http.Client, cfg Config) *Executor {
	if client == nil {
		client = NewTransferClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		signer:     signer,
		catalog:    catalog,
		transcoder: transcoder,
		client:     client,
		cfg:        cfg,
		log:        cfg.Logger,
	}
}

// NewTransferClient returns the client used for signed-URL transfers: bounded
// connect and header waits, unbounded body streaming.
func NewTransferClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = 30 * time.Second
	t.TLSHandshakeTimeout = 10 * time.Second
	return &http.Client{Transport: t}
}

// Execute transcodes one claimed asset and attaches the resulting Rendition.
// The asset row itself is advanced by the lease source's Complete.
func (e *Executor) Execute(ctx context.Context, asset *store.MediaAsset) error {
	profile, ok := ProfileFor(asset.MediaType, asset.Purpose)
	if !ok {
		return queue.Permanent(fmt.Errorf("unsupported media asset type %s/%s", asset.MediaType, asset.Purpose))
	}
	if asset.OriginalObjectPath == "" {
		return queue.Permanent(errors.New("media asset has no source object path"))
	}

	srcBucket := asset.StorageBucket
	if srcBucket == "" {
		srcBucket = e.cfg.SourceBucket
	}
	srcKey := asset.OriginalObjectPath

	if _, err := e.signer.Stat(ctx, srcBucket, srcKey); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return fmt.Errorf("source %s/%s: %w", srcBucket, srcKey, queue.ErrNotReady)
		}
		return err
	}
	getURL, err := e.signer.SignedGetURL(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp(e.cfg.TempDir, "aveli-media-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	input := filepath.Join(dir, "source")
	output := filepath.Join(dir, "output."+profile.Ext)

	if err := e.download(ctx, getURL, input); err != nil {
		return err
	}
	duration, err := e.transcoder.Transcode(ctx, profile, input, output)
	if err != nil {
		return err
	}

	dstBucket := srcBucket
	if profile.Public {
		dstBucket = e.cfg.PublicBucket
	}
	dstKey := DerivedPath(srcKey, profile.Kind, profile.Ext)

	putURL, err := e.signer.SignedPutURL(ctx, dstBucket, dstKey)
	if err != nil {
		return err
	}
	size, err := e.upload(ctx, putURL, output, profile.ContentType)
	if err != nil {
		return err
	}
	if err := e.catalog.RecordObject(ctx, store.ObjectRef{Bucket: dstBucket, Key: dstKey}, size, profile.ContentType); err != nil {
		return err
	}

	r := &store.Rendition{
		Bucket:          dstBucket,
		Path:            dstKey,
		Format:          profile.Format,
		Codec:           profile.Codec,
		DurationSeconds: duration,
	}
	if profile.Public {
		r.PublicURL = e.signer.PublicURL(dstBucket, dstKey)
	}
	asset.Rendition = r

	e.log.Info("media transcoded",
		"media_id", asset.ID,
		"kind", profile.Kind,
		"bucket", dstBucket,
		"path", dstKey,
		"duration_seconds", duration)
	return nil
}

func (e *Executor) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := e.client.Do(req) //nolint:gosec // URL is issued by our own signer
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("download source: %w", queue.ErrNotReady)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download source: unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dst) //nolint:gosec // path is inside our scratch dir
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close() //nolint:errcheck,gosec
		return fmt.Errorf("download source: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	return nil
}

func (e *Executor) upload(ctx context.Context, url, src, contentType string) (int64, error) {
	f, err := os.Open(src) //nolint:gosec // path is inside our scratch dir
	if err != nil {
		return 0, fmt.Errorf("upload artifact: %w", err)
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("upload artifact: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return 0, fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(req) //nolint:gosec // URL is issued by our own signer
	if err != nil {
		return 0, fmt.Errorf("upload artifact: %w", err)
	}
	defer resp.Body.Close()                              //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("upload artifact: unexpected status %d", resp.StatusCode)
	}
	return info.Size(), nil
}
