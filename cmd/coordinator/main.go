// Command coordinator is the entry point of the capture/classification/
// notification coordinator: it wires every component from SPEC_FULL.md
// §2 together and serves HTTP until terminated. Grounded in
// storage-element's cmd/storage-element/main.go: load config, set up
// logging, construct components bottom-up, start background
// goroutines, serve, and shut down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patanet7/ChirpNeighbors/internal/api"
	"github.com/patanet7/ChirpNeighbors/internal/api/handlers"
	apimw "github.com/patanet7/ChirpNeighbors/internal/api/middleware"
	"github.com/patanet7/ChirpNeighbors/internal/blobstore"
	"github.com/patanet7/ChirpNeighbors/internal/breaker"
	"github.com/patanet7/ChirpNeighbors/internal/clockid"
	"github.com/patanet7/ChirpNeighbors/internal/config"
	"github.com/patanet7/ChirpNeighbors/internal/dispatcher"
	"github.com/patanet7/ChirpNeighbors/internal/eventbus"
	"github.com/patanet7/ChirpNeighbors/internal/gateway"
	"github.com/patanet7/ChirpNeighbors/internal/inference"
	"github.com/patanet7/ChirpNeighbors/internal/model"
	"github.com/patanet7/ChirpNeighbors/internal/pipeline"
	"github.com/patanet7/ChirpNeighbors/internal/ratelimit"
	"github.com/patanet7/ChirpNeighbors/internal/repository"
	"github.com/patanet7/ChirpNeighbors/internal/service"
)

// version is a fixed constant, not stamped at build time: this
// coordinator, unlike the teacher's multi-service pack, ships as one
// binary with no separate release pipeline to inject it from.
const version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("coordinator starting", slog.String("version", version), slog.String("listen_addr", cfg.ListenAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := repository.Migrate(cfg.DatabaseURL); err != nil {
		logger.Error("applying migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("migrations applied")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connecting to database failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("database ping failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("database connection established")

	repo := repository.New(pool)

	clips, err := blobstore.New(cfg.ClipStoreDir, cfg.BlobPublicURL+"/clips", blobstore.ClipKeyLayout(".wav"))
	if err != nil {
		logger.Error("initializing clip store failed", slog.Any("error", err))
		os.Exit(1)
	}
	assets, err := blobstore.New(cfg.AssetStoreDir, cfg.BlobPublicURL+"/species", blobstore.AssetKeyLayout(".png"))
	if err != nil {
		logger.Error("initializing asset store failed", slog.Any("error", err))
		os.Exit(1)
	}

	clock := clockid.SystemClock{}
	ids := clockid.UUIDMinter{}

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MinSamples:       5,
		Window:           cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
	}
	classifier := &inference.HTTPClassifier{
		BaseURL: cfg.ClassifierURL,
		HTTP:    &http.Client{Timeout: cfg.ClassifierTimeout},
		Policy: inference.Policy{
			Timeout: cfg.ClassifierTimeout, MaxAttempts: cfg.RetryMaxAttempts, Breaker: breaker.New(breakerCfg, clock),
		},
	}
	generator := &inference.HTTPGenerator{
		BaseURL: cfg.GeneratorURL,
		HTTP:    &http.Client{Timeout: cfg.GeneratorTimeout},
		Policy: inference.Policy{
			Timeout: cfg.GeneratorTimeout, MaxAttempts: cfg.RetryMaxAttempts, Breaker: breaker.New(breakerCfg, clock),
		},
	}

	bus := eventbus.New()

	worker := pipeline.New(repo, clips, assets, classifier, generator, bus, clock, logger)

	disp := dispatcher.New(dispatcher.Config{
		WorkerCount:   cfg.WorkerPoolSize,
		QueueCapacity: cfg.QueueCapacity,
		DedupTTL:      cfg.DedupTTL,
	}, func(ctx context.Context, captureID string) error {
		jobCtx, cancel := context.WithTimeout(ctx, cfg.JobDeadline)
		defer cancel()
		return worker.Run(jobCtx, captureID)
	}, func(ctx context.Context, captureID string) error {
		return repo.TransitionCapture(ctx, captureID,
			[]model.CaptureStatus{model.CaptureStatusPending, model.CaptureStatusClassifying, model.CaptureStatusClassified, model.CaptureStatusGenerating},
			model.CaptureStatusFailed, clock.Now(), repository.WithFailureReasonAndProcessedAt(pipeline.ReasonShutdown))
	}, logger)

	limiter := ratelimit.New(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.RateLimitIdleTTL)

	reaper := pipeline.NewReaper(repo, bus, clock, cfg.ReaperStuckAfter, logger)

	auth, err := apimw.NewJWTAuth(apimw.Config{
		JWKSURL: cfg.JWKSURL, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience,
		RefreshInterval: time.Hour, JWTLeeway: 30 * time.Second,
	})
	if err != nil {
		logger.Error("initializing JWT auth failed", slog.Any("error", err))
		os.Exit(1)
	}

	gw := gateway.New(bus, auth, gateway.Config{
		PingInterval:      cfg.WSPingInterval,
		BackpressureGrace: cfg.WSBackpressureGrace,
	}, logger)

	deviceSvc := service.NewDevices(repo, clock)
	captureSvc := service.NewCaptures(repo, clips, disp, limiter, ids, clock, service.Config{
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	router := api.NewRouter(api.Deps{
		Devices:  handlers.NewDevices(deviceSvc, logger),
		Captures: handlers.NewCaptures(captureSvc, cfg.MaxUploadBytes, logger),
		Health:   handlers.NewHealth(repo, version),
		Gateway:  gw,
		Auth:     auth,
		Logger:   logger,
	})

	// Background loops.
	go disp.Run(ctx)
	go reaper.Run(ctx, cfg.ReaperInterval)
	go limiter.RunEvictionLoop(ctx, cfg.RateLimitIdleTTL)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", slog.Any("error", err))
	}
	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown failed", slog.Any("error", err))
	}

	logger.Info("coordinator stopped")
}
