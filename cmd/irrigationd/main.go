package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"irrigation-registry-backend/config"
	"irrigation-registry-backend/internal/api"
	"irrigation-registry-backend/internal/auth"
	"irrigation-registry-backend/internal/control"
	"irrigation-registry-backend/internal/db"
	"irrigation-registry-backend/internal/ingest"
	"irrigation-registry-backend/internal/liveness"
	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/logging"
	"irrigation-registry-backend/internal/metrics"
	"irrigation-registry-backend/internal/notification"
	"irrigation-registry-backend/internal/provision"
	"irrigation-registry-backend/internal/registry"
	"irrigation-registry-backend/internal/report"
	"irrigation-registry-backend/internal/store"
	"irrigation-registry-backend/internal/telemetry"
)

func main() {
	// Secrets may come from a local .env file; its absence is not an error.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("configuration loaded", zap.String("path", configPath))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("irrigationd stopped", zap.Error(err))
	}
	logger.Info("server gracefully stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	appStore := store.NewGormStore(gormDB)
	logger.Info("database initialized")

	tree, err := livetree.Open(ctx, cfg.LiveTree, logger)
	if err != nil {
		return fmt.Errorf("open live tree: %w", err)
	}
	defer tree.Close()

	m := metrics.New()

	verifier, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}

	reg := registry.New(appStore, tree, logger, registry.WithMetrics(m))
	tracker := liveness.NewTracker(cfg.Liveness.Window, tree, logger, liveness.WithMetrics(m))
	if n, err := tracker.Restore(ctx); err != nil {
		logger.Warn("could not restore liveness from the live tree", zap.Error(err))
	} else {
		logger.Info("liveness restored", zap.Int("devices", n))
	}

	controlOpts := []control.Option{control.WithMetrics(m)}
	var mq *ingest.MQTTClient
	if cfg.MQTT.Enabled {
		mq, err = ingest.ConnectMQTT(ctx, cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer mq.Close()
		breaker := control.NewBreakerPublisher(mq,
			cfg.Control.BreakerFailures, time.Duration(cfg.Control.BreakerOpenSeconds)*time.Second, logger)
		controlOpts = append(controlOpts, control.WithPublisher(breaker))
	}
	retry := control.RetryPolicy{MaxAttempts: cfg.Control.RetryMaxAttempts, MaxElapsed: cfg.Control.RetryMaxElapsed}
	ctrl := control.New(tree, appStore, reg, retry, logger, controlOpts...)

	telemetryOpts := []telemetry.Option{telemetry.WithMetrics(m)}
	sink, err := telemetry.NewInfluxSink(cfg.Influx)
	if err != nil {
		return fmt.Errorf("initialize influx export: %w", err)
	}
	if sink != nil {
		defer sink.Close()
		telemetryOpts = append(telemetryOpts, telemetry.WithSink(sink))
	}
	tel := telemetry.New(appStore, tree, ctrl, cfg.Telemetry.HistoryInterval, cfg.Telemetry.SignificantMoistureDelta, logger, telemetryOpts...)

	ing := ingest.New(reg, tracker, tel, appStore, logger,
		ingest.WithMetrics(m), ingest.WithTopicPrefix(cfg.MQTT.TopicPrefix))

	var webpushOptions *webpush.Options
	var alerts liveness.Listener
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions, logger, m)
		pool.Start(ctx)
		alerts = pool.Dispatch
	} else {
		logger.Warn("VAPID keys are not configured, offline alerts are disabled")
	}

	startIngest(ctx, tracker, alerts, ctrl.Resync, func() {
		if mq != nil {
			mq.Subscribe(ing)
		}
	}, logger)

	go tracker.Run(ctx, cfg.Liveness.SweepInterval)
	go reg.RunReconciler(ctx, cfg.Registry.ReconcileInterval)
	go provision.NewService(cfg.Provision, reg, logger).Run(ctx)

	deps := api.Deps{
		Store:     appStore,
		Registry:  reg,
		Tracker:   tracker,
		Telemetry: tel,
		Control:   ctrl,
		Reports:   report.New(appStore, cfg.Reports.DefaultEventLimit, cfg.Reports.MaxEventLimit),
		Ingestor:  ing,
		WebPush:   webpushOptions,
		Log:       logger,
	}
	router := api.NewRouter(cfg.Server, deps, verifier, m.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping services")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

// startIngest registers the transition listeners and only then starts
// consuming device messages, so the first transitions after startup reach
// them.
func startIngest(ctx context.Context, tracker *liveness.Tracker, alerts liveness.Listener,
	resync func(context.Context, string) error, subscribe func(), logger *zap.Logger) {
	if alerts != nil {
		tracker.OnTransition(alerts)
	}
	// A device coming back online may have missed commands while away.
	tracker.OnTransition(func(tr liveness.Transition) {
		if !tr.Online {
			return
		}
		go func() {
			rctx, rcancel := context.WithTimeout(ctx, 10*time.Second)
			defer rcancel()
			if err := resync(rctx, tr.DeviceID); err != nil {
				logger.Warn("resync after reconnect failed", zap.String("device", tr.DeviceID), zap.Error(err))
			}
		}()
	})
	subscribe()
}
