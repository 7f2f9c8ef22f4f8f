package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lifelogd/lifelogd/internal/config"
	"github.com/lifelogd/lifelogd/pkg/assetstore"
	"github.com/lifelogd/lifelogd/pkg/device"
	"github.com/lifelogd/lifelogd/pkg/inference"
	"github.com/lifelogd/lifelogd/pkg/metrics"
	"github.com/lifelogd/lifelogd/pkg/pipeline"
	"github.com/lifelogd/lifelogd/pkg/reconciler"
	"github.com/lifelogd/lifelogd/pkg/records"
	"github.com/lifelogd/lifelogd/pkg/segmenter"
	"github.com/lifelogd/lifelogd/pkg/upload"
	"github.com/lifelogd/lifelogd/pkg/vectorindex"
	"github.com/lifelogd/lifelogd/pkg/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lifelogd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath, cfg, logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// Stores.
	store, err := assetstore.NewStore(cfg.Storage.AssetsRoot, cfg.Storage.ThumbnailRoot, logger)
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := records.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("failed to ensure record schema: %w", err)
	}
	repo := records.NewRepository(db, logger)

	pool, err := vectorindex.NewPGPool(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open vector pool: %w", err)
	}
	vectors, err := vectorindex.NewPGVectorProvider(ctx, pool, cfg.Inference.EmbeddingDim, 512, logger)
	if err != nil {
		return err
	}
	defer vectors.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	devices := device.NewRegistry(db, cfg.Inference.EmbeddingDim, logger)
	defer devices.Close()

	// External models.
	infOpts := inference.Options{Timeout: cfg.Inference.Timeout, RetryCount: cfg.Inference.RetryCount}
	embedder := inference.NewHTTPEmbedder(cfg.Inference.EmbedderEndpoint, cfg.Inference.EmbeddingDim, infOpts, logger)
	detector := inference.NewHTTPObjectDetector(cfg.Inference.DetectorEndpoint, infOpts, logger)
	faces := inference.NewHTTPFaceDetector(cfg.Inference.FaceEndpoint, infOpts, logger)
	var masks inference.MaskSegmenter
	if cfg.Inference.SegmentAnything != "" {
		masks = inference.NewHTTPMaskSegmenter(cfg.Inference.SegmentAnything, infOpts, logger)
	}

	// Segmenter with the external description worker behind it.
	var events segmenter.EventSink = segmenter.NopSink{}
	if cfg.Inference.DescriberEndpoint != "" {
		events = segmenter.NewHTTPDescriber(cfg.Inference.DescriberEndpoint, cfg.Inference.Timeout, repo, logger)
	}
	seg := segmenter.New(repo, vectors, events, func() segmenter.Knobs {
		t := watcher.Snapshot()
		return segmenter.Knobs{Gap: t.SegmentGap, ThetaFloor: t.SegmentThetaFloor, MinSize: t.MinSegmentSize}
	}, m, logger)

	pipe := pipeline.New(store, repo, vectors, devices, embedder, detector, faces, masks, seg, m, logger)

	// The worker handler closes over the assembler for job accounting; the
	// assembler needs the pool for backpressure. Declare first, wire after.
	var assembler *upload.Assembler
	workers := worker.NewPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, func(ctx context.Context, job worker.Job) {
		err := pipe.Process(ctx, job.Device, job.Path)
		assembler.OnItemDone(ctx, job, err)
	}, m, logger)

	assembler = upload.NewAssembler(
		upload.NewSessionStore(rdb),
		upload.NewJobStore(rdb),
		store,
		workers,
		seg,
		func() int { return watcher.Snapshot().QueueHighWater },
		m,
		logger,
	)
	workers.Start(ctx)
	defer workers.Stop()

	recon := reconciler.New(store, repo, vectors, pipe, seg, workers, func() reconciler.Knobs {
		t := watcher.Snapshot()
		return reconciler.Knobs{
			RetentionWindow: t.RetentionWindow,
			FaceMaxAge:      t.FaceMaxAge,
			Interval:        t.ReconcileInterval,
		}
	}, m, logger)
	go recon.Run(ctx)

	// HTTP surfaces.
	var resolver upload.DeviceResolver
	if cfg.Auth.DeviceTokenSecret != "" {
		verifier, err := device.NewTokenVerifier(cfg.Auth.DeviceTokenSecret)
		if err != nil {
			return err
		}
		resolver = &upload.TokenResolver{Verifier: verifier, Registry: devices}
	} else {
		return fmt.Errorf("device token secret is required (set LIFELOG_DEVICE_TOKEN_SECRET)")
	}

	var unsealer *device.Unsealer
	if cfg.Auth.ServerPrivateKey != "" {
		if unsealer, err = device.NewUnsealer(cfg.Auth.ServerPrivateKey); err != nil {
			return err
		}
	}

	handler := upload.NewHandler(assembler, store, resolver, unsealer, logger)
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler.Routes(cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("upload surface listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	return nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}
