package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"talkpair/internal/core/services"
	httphandlers "talkpair/internal/handlers/http"
	"talkpair/internal/infrastructure/middleware"
	"talkpair/internal/infrastructure/monitoring"
	repositories "talkpair/internal/infrastructure/repositories"
	relayserver "talkpair/internal/infrastructure/signal"
	"talkpair/pkg/config"
	"talkpair/pkg/logger"
	"talkpair/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, cfgPath, err := config.LoadFirst(
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/talkpair/config.yaml",
		"config.yaml",
	)
	if err != nil {
		// a bad file is fatal; a missing one already fell back to defaults
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if cfgPath != "" {
		log.Infow("Loaded config", "path", cfgPath)
	} else {
		log.Info("No config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	store := repoFactory.CreateSessionStore()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	matchmaker := services.NewMatchmaker(store, collector, log.With("component", "matchmaker"), cfg.Matchmaking.StaleAfter)

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(store, 15*time.Second, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	relayCfg := relayserver.DefaultRelayConfig()
	relayCfg.PingInterval = cfg.Signal.PingInterval
	relayCfg.PongTimeout = cfg.Signal.PongTimeout
	relayCfg.WriteTimeout = cfg.Signal.WriteTimeout
	relayCfg.SendBuffer = cfg.Signal.SendBuffer
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		relayCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		relayCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	relay := relayserver.NewRelayServer(relayCfg, collector, log.With("component", "relay"))
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(logger.NewContextLogger(log)),
		middleware.TracingMiddleware(),
		middleware.MetricsMiddleware(collector),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws", gin.WrapF(relay.HandleWebSocket))
	httphandlers.NewSessionHandler(matchmaker, store, health).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout would cut long-lived websocket connections; the relay
		// sets per-frame write deadlines itself.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting talkpair signal server",
			"address", cfg.Server.Address,
			"store", repoFactory.StoreKind(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down talkpair signal server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	// hijacked websocket connections outlive Shutdown; stopping the hub closes them
	cancel()
	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		log.Warn("Relay hub did not stop before shutdown timeout")
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("talkpair signal server stopped")
}
