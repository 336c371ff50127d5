package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"visiocall/internal/core/ports"
	"visiocall/internal/core/services"
	httphandlers "visiocall/internal/handlers/http"
	"visiocall/internal/infrastructure/distributed"
	"visiocall/internal/infrastructure/middleware"
	"visiocall/internal/infrastructure/monitoring"
	"visiocall/internal/infrastructure/reliability"
	repositories "visiocall/internal/infrastructure/repositories"
	signalinfra "visiocall/internal/infrastructure/signal"
	"visiocall/pkg/circuitbreaker"
	"visiocall/pkg/config"
	"visiocall/pkg/logger"
	"visiocall/pkg/retry"
	"visiocall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func loadConfig(explicit string) (*config.Config, string, error) {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/visiocall/config.yaml",
		"config.yaml",
	}
	if explicit != "" {
		configPaths = []string{explicit}
	}

	var err error
	for _, path := range configPaths {
		var cfg *config.Config
		cfg, err = config.Load(path)
		if err == nil {
			return cfg, path, nil
		}
	}
	return nil, "", err
}

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, loadedFrom, err := loadConfig(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("falling back to default configuration", "error", err)
	} else {
		log.Infow("configuration loaded", "path", loadedFrom)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "visiocall-signal",
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

	instanceID := uuid.NewString()
	registry := repoFactory.CreatePresenceRegistry()
	metrics := monitoring.NewSignalingMetrics(prometheus.DefaultRegisterer)
	health := monitoring.NewHealthChecker()

	// Presence changes are mirrored to Redis when it is available. The relay
	// never waits on Redis: the wrapper queues and retries in the background.
	var publisher ports.PresencePublisher
	var cluster httphandlers.ClusterPresence
	feed := repoFactory.CreatePresenceFeed(instanceID)
	if feed != nil {
		wrapper := reliability.NewPresencePublisherWrapper(
			feed, retry.DefaultConfig(), circuitbreaker.DefaultConfig(), 0, log,
		)
		go wrapper.Run(ctx)
		go func() {
			err := feed.Subscribe(ctx, func(u distributed.PresenceUpdate) {
				log.Debugw("presence update from peer instance",
					"instance_id", u.InstanceID,
					"user_id", u.UserID,
					"online", u.Online,
				)
			})
			if err != nil && ctx.Err() == nil {
				log.Warnw("presence subscription ended", "error", err)
			}
		}()

		publisher = wrapper
		cluster = feed
		health.AddRedisCheck(repoFactory.RedisClient(), cfg.Monitoring.HealthInterval, cfg.Monitoring.HealthTimeout)
		health.AddPresenceFeedCheck(wrapper, cfg.Monitoring.HealthInterval, cfg.Monitoring.HealthTimeout)
	}

	hub := signalinfra.NewHub(log)
	signalingService := services.NewSignalingService(
		registry,
		hub,
		publisher,
		metrics,
		services.SignalingConfig{NotifyDisplaced: cfg.Signal.NotifyDisplaced},
		log,
	)
	negotiationService := services.NewNegotiationService(signalingService, log)

	wsServer := signalinfra.NewWebSocketServer(
		hub,
		signalingService,
		negotiationService,
		metrics,
		signalinfra.ServerConfigFrom(cfg),
		zapLogger,
	)
	health.AddCapacityCheck(wsServer.ConnectionCount, cfg.RateLimiting.WebSocket.MaxConcurrent,
		cfg.Monitoring.HealthInterval, cfg.Monitoring.HealthTimeout)
	health.StartBackgroundChecks(ctx, func(name string, err error) {
		log.Warnw("health check failed", "check", name, "error", err)
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET(cfg.Signal.Path,
		middleware.NewWebSocketConnectLimitMiddleware(cfg),
		gin.WrapF(wsServer.HandleWebSocket),
	)

	api := router.Group("", middleware.NewHTTPRateLimitMiddleware(cfg))
	httphandlers.NewPresenceHandler(signalingService, cluster).SetupRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"instance_id": instanceID,
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, checkCancel := context.WithTimeout(c.Request.Context(), cfg.Monitoring.HealthTimeout)
		defer checkCancel()

		status := health.GetReadinessStatus(checkCtx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("Prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout does not apply to hijacked WebSocket connections.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting VisioCall signaling server",
			"address", cfg.Server.Address,
			"instance_id", instanceID,
			"presence_feed", feed != nil,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down VisioCall signaling server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Open calls end here; every peer sees its counterpart go offline.
	wsServer.Shutdown()
	cancel()

	if feed != nil {
		if err := feed.Withdraw(shutdownCtx); err != nil {
			log.Warnw("failed to withdraw presence entries", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("VisioCall signaling server stopped")
}
