package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Odenhjalm/Aveli-sub000/internal/api"
	"github.com/Odenhjalm/Aveli-sub000/internal/config"
	"github.com/Odenhjalm/Aveli-sub000/internal/media"
	"github.com/Odenhjalm/Aveli-sub000/internal/notify"
	"github.com/Odenhjalm/Aveli-sub000/internal/queue"
	"github.com/Odenhjalm/Aveli-sub000/internal/storage"
	"github.com/Odenhjalm/Aveli-sub000/internal/store"
	"github.com/Odenhjalm/Aveli-sub000/internal/webhook"
)

// pipeline is the set of worker pools one process runs.
type pipeline struct {
	webhook *queue.Pool[*store.WebhookJob]
	// media is nil when object storage is not configured; uploads then stay
	// queued for a process that has it.
	media  *queue.Pool[*store.MediaAsset]
	signer *storage.ObjectStore
}

// buildPipeline wires both pools from config. Nothing runs until start.
func buildPipeline(cfg *config.Config, st *store.Store, logger *slog.Logger) (*pipeline, error) {
	alerter := notify.NewAlerter(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}, cfg.AlertEmailTo, logger)
	if alerter == nil {
		logger.Info("failure alerts disabled: ALERT_EMAIL_TO is empty")
	}

	rooms := webhook.NewRoomService(webhook.RoomServiceConfig{
		URL:       cfg.LiveKitAPIURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
	}, webhook.NewSafeClient(), logger)

	pl := &pipeline{}
	pl.webhook = queue.New[*store.WebhookJob](st.WebhookJobs(), webhook.NewExecutor(st, rooms, logger), queue.Config{
		Name:               "webhook",
		PollInterval:       cfg.WebhookPollInterval,
		BatchSize:          cfg.WebhookBatchSize,
		StaleThreshold:     cfg.WebhookStaleThreshold,
		StaleCheckInterval: cfg.StaleCheckInterval,
		Policy: queue.Policy{
			Base:        cfg.WebhookBackoffBase,
			Cap:         cfg.WebhookBackoffCap,
			MaxAttempts: cfg.WebhookMaxAttempts,
		},
		Logger: logger,
	})
	if alerter != nil {
		pl.webhook.OnTerminal(notify.Hook[*store.WebhookJob](alerter, "webhook"))
	}

	if !cfg.StorageEnabled() {
		logger.Warn("media workers disabled: STORAGE_ENDPOINT is not set")
		return pl, nil
	}
	objects, err := newObjectStore(cfg)
	if err != nil {
		return nil, err
	}
	pl.signer = objects

	exec := media.NewExecutor(objects, st, media.FFmpeg{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
	}, nil, media.Config{
		SourceBucket: cfg.MediaSourceBucket,
		PublicBucket: cfg.MediaPublicBucket,
		TempDir:      cfg.MediaTempDir,
		Logger:       logger,
	})
	pl.media = queue.New[*store.MediaAsset](st.MediaAssets(), exec, queue.Config{
		Name:               "media",
		PollInterval:       cfg.MediaPollInterval,
		BatchSize:          cfg.MediaBatchSize,
		StaleThreshold:     cfg.MediaStaleThreshold,
		StaleCheckInterval: cfg.StaleCheckInterval,
		NotReadyDelay:      cfg.MediaNotReadyDelay,
		Policy: queue.Policy{
			Base:        cfg.MediaBackoffBase,
			Cap:         cfg.MediaBackoffCap,
			MaxAttempts: cfg.MediaMaxAttempts,
		},
		Logger: logger,
	})
	if alerter != nil {
		pl.media.OnTerminal(notify.Hook[*store.MediaAsset](alerter, "media"))
	}
	return pl, nil
}

func newObjectStore(cfg *config.Config) (*storage.ObjectStore, error) {
	objects, err := storage.NewObjectStore(storage.ObjectStoreConfig{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Region:    cfg.StorageRegion,
		UseSSL:    cfg.StorageUseSSL,
		PublicURL: cfg.StoragePublicURL,
		SignedTTL: cfg.SignedURLTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	return objects, nil
}

// start runs every pool until ctx is cancelled. The returned channel closes
// once all of them have drained.
func (pl *pipeline) start(ctx context.Context) <-chan struct{} {
	var wg sync.WaitGroup
	run := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil {
				slog.Error("queue stopped", "queue", name, "error", err)
			}
		}()
	}
	run(pl.webhook.Name(), pl.webhook.Start)
	if pl.media != nil {
		run(pl.media.Name(), pl.media.Start)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// stats lists the pools for the status endpoint.
func (pl *pipeline) stats() []api.StatsSource {
	out := []api.StatsSource{pl.webhook}
	if pl.media != nil {
		out = append(out, pl.media)
	}
	return out
}
