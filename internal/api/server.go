// ABOUTME: HTTP server struct, constructor, and handler wiring for the Aveli pipeline.
// ABOUTME: Holds the webhook receiver, storage resolver, and queue pools used by handlers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/Odenhjalm/Aveli-sub000/internal/config"
	"github.com/Odenhjalm/Aveli-sub000/internal/queue"
	"github.com/Odenhjalm/Aveli-sub000/internal/storage"
	"github.com/Odenhjalm/Aveli-sub000/internal/store"
	"github.com/Odenhjalm/Aveli-sub000/internal/webhook"
)

// Submitter hands a freshly created job to a worker slot if one is free.
type Submitter interface {
	Submit(ctx context.Context, id uuid.UUID) (bool, error)
}

// StatsSource reports the state of one queue pool.
type StatsSource interface {
	Name() string
	Stats(ctx context.Context) (queue.Stats, error)
}

// Deps are the collaborators the HTTP layer calls into. Only Store is
// required; the rest degrade the endpoints that use them.
type Deps struct {
	Store    *store.Store
	Receiver *webhook.Receiver
	Resolver *storage.Resolver
	// Signer issues playback URLs. Nil when object storage is not configured.
	Signer storage.Signer
	// Media receives new uploads on the immediate path. Nil in processes
	// that run no media workers.
	Media Submitter
	Pools []StatsSource
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	cfg         *config.Config
	receiver    *webhook.Receiver
	resolver    *storage.Resolver
	signer      storage.Signer
	media       Submitter
	pools       []StatsSource
	gatherer    prometheus.Gatherer
	trusted     []*net.IPNet
	rateLimiter *ipRateLimiter
	log         *slog.Logger
}

// NewServer creates a Server. Returns an error if TRUSTED_PROXIES does not
// parse.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	trusted, err := parseCIDRs(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	receiver := deps.Receiver
	if receiver == nil && deps.Store != nil {
		receiver = webhook.NewReceiver(deps.Store, nil, logger)
	}
	resolver := deps.Resolver
	if resolver == nil && deps.Store != nil {
		resolver = storage.NewResolver(deps.Store, cfg.KnownBuckets, prometheus.NewRegistry(), logger)
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	perMinute := cfg.WebhookRateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 600
	}

	return &Server{
		store:       deps.Store,
		cfg:         cfg,
		receiver:    receiver,
		resolver:    resolver,
		signer:      deps.Signer,
		media:       deps.Media,
		pools:       deps.Pools,
		gatherer:    gatherer,
		trusted:     trusted,
		rateLimiter: newIPRateLimiter(rate.Limit(float64(perMinute)/60), perMinute, evictTTL),
		log:         logger,
	}, nil
}

// Close stops background goroutines owned by the server.
func (srv *Server) Close() {
	srv.rateLimiter.Stop()
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// ── Security headers ─────────────────────────────────────────────────────
	// First so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(srv.trustedRealIP)
	// 1 MB global body limit.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))

	// ── Provider webhooks (chi, not huma: the body must be read raw) ─────────
	r.With(srv.webhookRateLimit()).Post("/webhooks/livekit", srv.livekitWebhookHandler)

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("Aveli Pipeline API", "0.1.0")
	humaConfig.Info.Description = "Media transcoding and webhook job pipeline"
	api := humachi.New(apiRouter, humaConfig)
	registerMediaAssetRoutes(api, srv)
	registerPipelineRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)

	return r
}

// trustedRealIP honours X-Forwarded-For and X-Real-IP only for requests
// whose peer is a configured proxy. With no proxies configured the headers
// are ignored so clients cannot pick their own rate-limit bucket.
func (srv *Server) trustedRealIP(next http.Handler) http.Handler {
	withRealIP := middleware.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := net.ParseIP(remoteIP(r)); ip != nil {
			for _, n := range srv.trusted {
				if n.Contains(ip) {
					withRealIP.ServeHTTP(w, r)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func parseCIDRs(list string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			if strings.Contains(s, ":") {
				s += "/128"
			} else {
				s += "/32"
			}
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("parse TRUSTED_PROXIES entry %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}

// detailResponse is the error body shape shared with the provider-facing
// endpoints.
type detailResponse struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, detailResponse{Detail: detail})
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, statusCode, resp)
	}
}
