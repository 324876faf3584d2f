// ABOUTME: S3-compatible object store client (minio-go): stat, presigned GET/PUT, public URLs.
// ABOUTME: The transcode executor only ever moves bytes through the signed URLs it issues.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// ErrObjectNotFound is returned by Stat when the object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo is the metadata Stat returns.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// Signer issues time-limited URLs and answers existence checks. It is the
// only storage surface the transcode executor depends on.
type Signer interface {
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	SignedGetURL(ctx context.Context, bucket, key string) (string, error)
	SignedPutURL(ctx context.Context, bucket, key string) (string, error)
	PublicURL(bucket, key string) string
}

// ObjectStoreConfig configures NewObjectStore.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// PublicURL is the base under which public buckets are served, e.g. a CDN.
	// Empty means the endpoint itself.
	PublicURL string
	SignedTTL time.Duration
}

// ObjectStore implements Signer on an S3-compatible service.
type ObjectStore struct {
	client    *minio.Client
	publicURL string
	ttl       time.Duration
}

// NewObjectStore creates a client. No request is made until first use.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	base := strings.TrimRight(cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}
	ttl := cfg.SignedTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ObjectStore{client: client, publicURL: base, ttl: ttl}, nil
}

// Stat returns object metadata, or ErrObjectNotFound.
func (s *ObjectStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return ObjectInfo{Size: info.Size, ContentType: info.ContentType}, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

// SignedGetURL returns a presigned download URL valid for the configured TTL.
func (s *ObjectStore) SignedGetURL(ctx context.Context, bucket, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("sign get %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// SignedPutURL returns a presigned upload URL valid for the configured TTL.
func (s *ObjectStore) SignedPutURL(ctx context.Context, bucket, key string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, bucket, key, s.ttl)
	if err != nil {
		return "", fmt.Errorf("sign put %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// PublicURL returns the unsigned URL of an object in a public bucket.
func (s *ObjectStore) PublicURL(bucket, key string) string {
	return s.publicURL + "/" + url.PathEscape(bucket) + "/" + escapeKey(key)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ObjectsExist probes each ref with a HEAD request. It satisfies Catalog so
// audits can run against the object store directly when the catalog table is
// not populated.
func (s *ObjectStore) ObjectsExist(ctx context.Context, refs []store.ObjectRef) (map[store.ObjectRef]bool, error) {
	out := make(map[store.ObjectRef]bool, len(refs))
	for _, r := range refs {
		if r.Bucket == "" || r.Key == "" {
			continue
		}
		if _, seen := out[r]; seen {
			continue
		}
		_, err := s.Stat(ctx, r.Bucket, r.Key)
		switch {
		case err == nil:
			out[r] = true
		case errors.Is(err, ErrObjectNotFound):
			out[r] = false
		default:
			return nil, fmt.Errorf("probe objects: %w", err)
		}
	}
	return out, nil
}
