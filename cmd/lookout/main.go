package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"lookout/internal/auth"
	"lookout/internal/broadcast"
	"lookout/internal/config"
	"lookout/internal/database"
	"lookout/internal/events"
	"lookout/internal/framestore"
	"lookout/internal/kafka"
	"lookout/internal/lifecycle"
	"lookout/internal/metrics"
	"lookout/internal/models"
	"lookout/internal/models/adapters"
	"lookout/internal/s3"
	"lookout/internal/server"
	"lookout/internal/services"
	"lookout/internal/source"
	"lookout/internal/telegram"
	"lookout/internal/ws"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to a YAML config file")
		httpAddrF = flag.String("http-addr", "", "HTTP listen address (overrides the config)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookout: %v\n", err)
		os.Exit(1)
	}
	if *httpAddrF != "" {
		cfg.HTTP.Addr = *httpAddrF
	}
	if *dbgF {
		cfg.Log.Level = "debug"
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *dbgF); err != nil {
		logger.Error("lookout stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, debug bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := database.Open(cfg.Database.Driver, cfg.DatabaseDSN(), logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	// Event sinks run in order: the snapshot upload fills the key the row stores
	sinks := events.NewFanout()
	var archiver services.Archiver
	if cfg.MinIO.Enabled {
		store, err := s3.NewMinioClient(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.Secure)
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
		sinks.Add("minio", store)
		archiver = store
		logger.Info("snapshot archive enabled", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.Bucket)
	}
	sinks.Add("database", db)
	if cfg.Telegram.Enabled {
		bot, err := telegram.New(telegram.Config{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Cooldown: cfg.Telegram.Cooldown,
			Classes:  cfg.Telegram.Classes,
		}, logger)
		if err != nil {
			return err
		}
		sinks.Add("telegram", bot)
		logger.Info("telegram alerts enabled", "classes", cfg.Telegram.Classes)
	}
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		sinks.Add("kafka", producer)
		logger.Info("kafka publishing enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// Models
	inference := adapters.Config{
		Provider:   cfg.Inference.Provider,
		Endpoint:   cfg.Inference.Endpoint,
		Timeout:    cfg.Inference.Timeout,
		Confidence: float32(cfg.Inference.Confidence),
	}
	registry := models.NewRegistry()
	if err := adapters.RegisterDefaults(registry, inference); err != nil {
		return err
	}
	hub := models.NewHub(registry, adapters.Fallback(inference), logger)
	logger.Info("model registry ready", "models", registry.Len(), "provider", cfg.Inference.Provider)

	// Live bridge
	m := metrics.New()
	bridge := broadcast.New(cfg.Worker.BridgeBuffer, logger)
	bridge.SetDropCounter(m.BridgeMessagesDropped)
	bridgeCtx, stopBridge := context.WithCancel(ctx)
	var bridgeDone sync.WaitGroup
	bridgeDone.Add(1)
	go func() {
		defer bridgeDone.Done()
		bridge.Run(bridgeCtx)
	}()

	// Workers
	cameraScope, jobScope := m.Cameras(), m.Jobs()
	cameraRegistry := lifecycle.NewRegistry("cameras", framestore.New[int64](),
		lifecycle.WithGauge(cameraScope.Active()),
		lifecycle.WithLogger(logger),
		lifecycle.WithStopTimeout(cfg.Worker.StopTimeout))
	jobRegistry := lifecycle.NewRegistry("jobs", framestore.New[string](),
		lifecycle.WithGauge(jobScope.Active()),
		lifecycle.WithLogger(logger),
		lifecycle.WithStopTimeout(cfg.Worker.StopTimeout))

	deps := services.Deps{
		Hub:       hub,
		Store:     db,
		Sink:      sinks,
		Publisher: bridge,
		Source: source.Config{
			FPS:         cfg.Worker.FPS,
			OpenTimeout: cfg.Worker.OpenTimeout,
			FFmpegPath:  cfg.Worker.FFmpegPath,
			FFprobePath: cfg.Worker.FFprobePath,
		},
		Cooldown:         cfg.Worker.Cooldown,
		DefaultModelType: cfg.Worker.DefaultModelType,
		Logger:           logger,
	}
	cameras := services.NewCameras(deps, cameraRegistry, cameraScope)
	videos, err := services.NewVideos(deps, services.VideoOptions{
		UploadsDir:     cfg.Storage.UploadsDir,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		Archiver:       archiver,
	}, jobRegistry, jobScope)
	if err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(auth.Options{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
		JWTExpiry: cfg.Auth.JWTExpiry,
	}, logger)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Cameras:        cameras,
		Videos:         videos,
		Auth:           services.NewAuth(authenticator),
		Authenticator:  authenticator,
		Health:         services.NewHealth(db),
		System:         services.NewSystem(cameras, videos, bridge, hub),
		Events:         db,
		Models:         registry,
		Live:           ws.NewHandler(bridge, logger),
		Metrics:        m.Handler(),
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		Logger:         logger,
		Debug:          debug,
	})

	errc := make(chan error, 1)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	httpCtx, stopHTTP := context.WithCancel(ctx)
	handleHTTPServer(httpCtx, cfg.HTTP.Addr, srv.Handler(), cfg.HTTP.ShutdownTimeout, &wg, errc, logger)

	logger.Info("exiting", "reason", <-errc)

	// Workers first so no frame publishes into a stopped bridge. Start requests
	// still in flight are refused from here on.
	stopped := time.Now()
	cameras.Shutdown()
	videos.Shutdown()
	logger.Info("workers stopped", "duration", time.Since(stopped))

	stopBridge()
	bridgeDone.Wait()

	stopHTTP()
	wg.Wait()

	if err := hub.Close(); err != nil {
		logger.Warn("failed to close models", "error", err)
	}
	if err := sinks.Close(); err != nil {
		logger.Warn("failed to close event sinks", "error", err)
	}
	logger.Info("exited")
	return nil
}
