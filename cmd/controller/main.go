// Package main is the entry point for the genplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genplane/internal/blob"
	"genplane/internal/config"
	"genplane/internal/controller"
	"genplane/internal/controller/handlers"
	"genplane/internal/controller/middleware"
	"genplane/internal/credits"
	"genplane/internal/events"
	"genplane/internal/keypool"
	"genplane/internal/logger"
	"genplane/internal/observability"
	"genplane/internal/pipeline"
	"genplane/internal/poller"
	"genplane/internal/store"
	"genplane/internal/store/memory"
	"genplane/internal/store/postgres"
	"genplane/internal/supervisor"
	"genplane/internal/upstream"
)

const serviceName = "genplane-controller"

// backend is what both store drivers provide.
type backend interface {
	store.UserStore
	store.LedgerStore
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: genplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	appLogger := logger.NewWithLevel(os.Stdout, cfg.LogLevel)
	slog.SetDefault(appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup storage
	db := openStore(ctx, cfg, *migrateFlag)
	defer db.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		ServiceName: serviceName,
		Endpoint:    cfg.OTELEndpoint,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metrics, err := observability.InitMetrics(ctx, serviceName)
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := metrics.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	instruments := metrics.Instruments

	// Credits
	policy, err := credits.ParseRefundPolicy(cfg.RefundPolicy)
	if err != nil {
		log.Fatalf("Invalid refund policy: %v", err)
	}
	ledger := credits.NewLedger(db, policy)

	// Upstream key pool
	keys := keypool.New(cfg.Upstream.APIKeys, appLogger)
	if err := observability.ObserveKeyPool(keys.ActiveByKey); err != nil {
		log.Printf("Failed to register key pool gauge: %v", err)
	}
	go keys.RunReaper(ctx, cfg.KeyPool.ReaperInterval, cfg.KeyPool.IdleTimeout)

	// Artifact storage
	blobs, blobHandler := openBlobs(cfg)

	// Post-commit events
	var publisher events.Publisher = events.LogPublisher{Logger: appLogger}
	if cfg.RedisURL != "" {
		redisPub, err := events.NewRedisPublisher(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisPub.Close()
		publisher = redisPub
	}
	notifier := events.NewNotifier(publisher, events.NotifierConfig{Concurrency: cfg.NotifierConcurrency}, appLogger)
	notifierCtx, stopNotifier := context.WithCancel(context.Background())
	go func() {
		if err := notifier.Run(notifierCtx); err != nil {
			appLogger.Error("notifier stopped", "error", err)
		}
	}()

	// Avatar sidecar
	var sidecar handlers.Sidecar
	var sup *supervisor.Supervisor
	if cfg.Avatar.Enabled {
		sup = newSupervisor(cfg, appLogger, instruments)
		if err := sup.Start(); err != nil {
			appLogger.Error("avatar sidecar failed to start", "error", err)
		}
		sidecar = sup
	}

	// Generation pipeline
	client := upstream.NewClient(upstream.Config{
		BaseURL:    cfg.Upstream.BaseURL,
		ImageModel: cfg.Upstream.ImageModel,
		VideoModel: cfg.Upstream.VideoModel,
		Timeout:    cfg.Upstream.Timeout,
	})
	runner := poller.New(poller.Config{
		InitialDelay: cfg.Poller.InitialDelay,
		Interval:     cfg.Poller.Interval,
		MaxAttempts:  cfg.Poller.MaxAttempts,
	}, appLogger, instruments)
	jobs := pipeline.New(pipeline.Config{
		Cost:          cfg.GenerationCost,
		MinVideoBytes: cfg.Poller.MinPayloadBytes,
		BlobPrefix:    pipeline.FeatureImageToVideo,
	}, pipeline.Deps{
		Ledger:  ledger,
		Keys:    keys,
		Images:  client,
		Videos:  client,
		Runner:  runner,
		Blobs:   blobs,
		Logger:  appLogger,
		Metrics: instruments,
	})

	h := handlers.New(handlers.Deps{
		Users:          db,
		Pinger:         db,
		Ledger:         ledger,
		Jobs:           jobs,
		Notifier:       notifier,
		Keys:           keys,
		Sidecar:        sidecar,
		Logger:         appLogger,
		GenerationCost: cfg.GenerationCost,
	})

	var limiter *middleware.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateLimitBurst)
	}

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, h, db, controller.Options{
		InternalSecret: cfg.InternalSecret,
		RateLimiter:    limiter,
		Metrics:        metrics.Handler,
		Blobs:          blobHandler,
		Logger:         appLogger,
	})

	go func() {
		appLogger.Info("genplane controller starting", "addr", addr, "store", cfg.StoreDriver, "keys", len(cfg.Upstream.APIKeys))
		if err := srv.Run(ctx); err != nil {
			appLogger.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down controller")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("server forced to shutdown", "error", err)
	}
	if sup != nil {
		sup.Stop()
	}
	cancel()

	// Let queued events drain after the last stream has closed.
	stopNotifier()
	select {
	case <-notifier.Done():
	case <-shutdownCtx.Done():
		appLogger.Warn("notifier did not drain before shutdown deadline")
	}
	appLogger.Info("controller exited properly")
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool) backend {
	if cfg.StoreDriver == "memory" {
		log.Println("Using in-memory store; balances are lost on restart")
		return memory.New()
	}

	// Connect to Postgres (the "Store")
	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}

	// Run migrations if requested
	if migrate {
		log.Println("Running database migrations...")
		version, err := postgres.Migrate(pg.DB())
		if err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Printf("Migrations completed successfully (version %d)", version)
	}
	return pg
}

func openBlobs(cfg *config.Config) (blob.Store, http.Handler) {
	switch cfg.Blob.Driver {
	case "s3":
		s3Store, err := blob.NewS3Store(blob.S3Config{
			Bucket:        cfg.Blob.S3Bucket,
			Region:        cfg.Blob.S3Region,
			Prefix:        cfg.Blob.S3Prefix,
			PublicBaseURL: cfg.Blob.PublicBaseURL,
		})
		if err != nil {
			log.Fatalf("Failed to init S3 store: %v", err)
		}
		return s3Store, nil
	default:
		local, err := blob.NewLocalStore(cfg.Blob.LocalDir, cfg.Blob.PublicBaseURL)
		if err != nil {
			log.Fatalf("Failed to init blob dir: %v", err)
		}
		return local, http.FileServer(http.Dir(cfg.Blob.LocalDir))
	}
}

func newSupervisor(cfg *config.Config, appLogger *slog.Logger, instruments *observability.Instruments) *supervisor.Supervisor {
	var spawner supervisor.Spawner
	switch cfg.Avatar.Runtime {
	case "docker":
		dockerSpawner, err := supervisor.NewDockerSpawner(cfg.Avatar.Image, cfg.Avatar.Network)
		if err != nil {
			log.Fatalf("Failed to create Docker spawner: %v", err)
		}
		spawner = dockerSpawner
	case "kubernetes":
		k8sSpawner, err := supervisor.NewKubernetesSpawner(supervisor.KubernetesConfig{
			Name:           "avatar",
			Image:          cfg.Avatar.Image,
			Namespace:      cfg.Avatar.Namespace,
			ServiceAccount: cfg.Avatar.ServiceAccount,
			CPULimit:       cfg.Avatar.CPULimit,
			MemoryLimit:    cfg.Avatar.MemoryLimit,
		})
		if err != nil {
			log.Fatalf("Failed to create Kubernetes spawner: %v", err)
		}
		spawner = k8sSpawner
	default:
		spawner = supervisor.ExecSpawner{}
	}

	return supervisor.New(supervisor.Config{
		Name:               "avatar",
		Binary:             cfg.Avatar.Binary,
		Args:               cfg.Avatar.Args,
		Env:                cfg.Avatar.Env,
		EnvAllowList:       cfg.Avatar.EnvAllowList,
		CrashThreshold:     cfg.Avatar.CrashThreshold,
		CrashWindow:        cfg.Avatar.CrashWindow,
		MaxCrashes:         cfg.Avatar.MaxCrashes,
		BaseBackoff:        cfg.Avatar.BaseBackoff,
		MaxBackoff:         cfg.Avatar.MaxBackoff,
		NormalRestartDelay: cfg.Avatar.NormalRestartDelay,
		TerminationGrace:   cfg.Avatar.TerminationGrace,
	}, spawner, supervisor.HostProcessFinder{}, appLogger, supervisor.WithMetrics(instruments))
}
