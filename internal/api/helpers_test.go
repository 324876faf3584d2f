package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Odenhjalm/Aveli-sub000/internal/api"
	"github.com/Odenhjalm/Aveli-sub000/internal/config"
	"github.com/Odenhjalm/Aveli-sub000/internal/queue"
	"github.com/Odenhjalm/Aveli-sub000/internal/storage"
)

const testSecret = "lk-webhook-secret"

const testOwner = "api-test"

// testConfig returns the subset of configuration the handlers read.
func testConfig() *config.Config {
	return &config.Config{
		LiveKitWebhookSecret:      testSecret,
		WebhookRateLimitPerMinute: 600,
		RateLimitEvictTTL:         time.Minute,
		MediaSourceBucket:         "course-media",
		MediaPublicBucket:         "public-media",
		KnownBuckets:              storage.DefaultBuckets,
		SignedURLTTL:              15 * time.Minute,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, deps api.Deps) *httptest.Server {
	t.Helper()
	srv, err := api.NewServer(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// do sends a request and returns the status and body.
func do(t *testing.T, ts *httptest.Server, method, path string, body []byte, header http.Header) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req) //nolint:gosec // G704 false positive: ts.URL is httptest.Server
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func signed() http.Header {
	h := http.Header{}
	h.Set("X-Livekit-Signature", testSecret)
	return h
}

// recordingSubmitter stands in for a media pool.
type recordingSubmitter struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (s *recordingSubmitter) Submit(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return s.err == nil, s.err
}

func (s *recordingSubmitter) submitted() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.ids...)
}

// fakeSigner issues deterministic URLs.
type fakeSigner struct {
	err error
}

func (f fakeSigner) Stat(context.Context, string, string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, nil
}

func (f fakeSigner) SignedGetURL(_ context.Context, bucket, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://objects.example.test/" + bucket + "/" + key + "?sig=get", nil
}

func (f fakeSigner) SignedPutURL(_ context.Context, bucket, key string) (string, error) {
	return "https://objects.example.test/" + bucket + "/" + key + "?sig=put", nil
}

func (f fakeSigner) PublicURL(bucket, key string) string {
	return "https://cdn.example.test/" + bucket + "/" + key
}

// fakeStats is a canned StatsSource.
type fakeStats struct {
	stats queue.Stats
	err   error
}

func (f fakeStats) Name() string { return f.stats.Queue }

func (f fakeStats) Stats(context.Context) (queue.Stats, error) { return f.stats, f.err }
