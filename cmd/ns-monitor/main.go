package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"NetScope/internal/alerter"
	"NetScope/internal/api"
	"NetScope/internal/archive"
	"NetScope/internal/capture"
	"NetScope/internal/config"
	"NetScope/internal/metrics"
	"NetScope/internal/model"
	"NetScope/internal/notification"
	"NetScope/internal/source"
	"NetScope/internal/store"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	logger := logrus.New()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogger(logger, cfg.Log)
	logger.WithField("config", *configPath).Info("Configuration loaded")

	// 2. Open the store and seed interfaces
	st, err := store.Open(cfg.Store.Path, cfg.Store.Timeout.Duration)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	for i := range cfg.Interfaces {
		if err := st.PutInterface(&cfg.Interfaces[i]); err != nil {
			logger.Fatalf("Failed to register interface %s: %v", cfg.Interfaces[i].ID, err)
		}
	}

	// 3. Realtime hub, optional NATS relay and email notifier
	hub := notification.NewHub(cfg.Notifier.BufferSize, logger)
	defer hub.Close()

	if cfg.NATS.Enabled {
		bridge, err := notification.NewBridge(cfg.NATS, hub, logger)
		if err != nil {
			logger.Fatalf("Failed to start NATS bridge: %v", err)
		}
		bridge.Start()
		defer bridge.Close()
	}

	var notifier model.Notifier
	if cfg.SMTP.Host != "" {
		notifier = notification.NewEmailNotifier(cfg.SMTP)
		logger.WithField("host", cfg.SMTP.Host).Info("Email notifications enabled")
	}

	// 4. Alert engine and rules
	engine := alerter.NewEngine(cfg.Alerting, st, hub, notifier, logger)
	if cfg.Alerting.RulesFile != "" {
		if err := engine.LoadRulesFile(cfg.Alerting.RulesFile); err != nil {
			logger.Fatalf("Failed to load alert rules: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)
	if cfg.Alerting.RulesFile != "" && cfg.Alerting.WatchRules {
		watcher, err := alerter.NewRulesWatcher(cfg.Alerting.RulesFile, engine, logger)
		if err != nil {
			logger.Fatalf("Failed to watch alert rules: %v", err)
		}
		go watcher.Run(ctx)
	}

	// 5. Archive writers
	writers, err := archive.NewWriters(cfg.Archive, logger)
	if err != nil {
		logger.Fatalf("Failed to create archive writers: %v", err)
	}
	defer archive.CloseAll(writers, logger)

	// 6. Capture manager, orphan sweep and restore
	mgr := capture.NewManager(cfg.Capture, capture.Deps{
		Store:   st,
		Metrics: metrics.NewAggregator(st, cfg.Metrics.PeerWindow.Duration, cfg.Metrics.ProtocolWindow.Duration),
		Alerts:  engine,
		Events:  hub,
		Sources: func(sess *model.CaptureSession) (model.TrafficSource, error) {
			return source.New(&cfg.Capture, sess)
		},
		Writers: writers,
		Logger:  logger,
	})
	if n, err := mgr.RecoverOrphans(); err != nil {
		logger.WithError(err).Error("Orphan sweep finished with errors")
	} else if n > 0 {
		logger.WithField("sessions", n).Warn("Recovered orphaned capture sessions")
	}
	if n, err := mgr.Restore(); err != nil {
		logger.WithError(err).Error("Restoring capture sessions finished with errors")
	} else if n > 0 {
		logger.WithField("sessions", n).Info("Restored capture sessions")
	}

	// 7. HTTP and gRPC servers
	httpServer := &http.Server{
		Addr:    cfg.API.HTTPListenAddr,
		Handler: api.NewServer(mgr, engine, st, hub, logger).Handler(),
	}
	go func() {
		logger.WithField("addr", cfg.API.HTTPListenAddr).Info("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.API.GRPCListenAddr)
	if err != nil {
		logger.Fatalf("Failed to listen on %s: %v", cfg.API.GRPCListenAddr, err)
	}
	go func() {
		logger.WithField("addr", cfg.API.GRPCListenAddr).Info("gRPC health server starting")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatalf("Failed to serve gRPC: %v", err)
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received")

	healthServer.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout.Duration)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown incomplete")
	}

	cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Capture manager shutdown incomplete")
	}
	engine.Wait()
	logger.Info("Shutdown complete")
}

func setupLogger(logger *logrus.Logger, cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
