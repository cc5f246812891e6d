package main

import (
	"context"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicemesh/internal/core/services"
	httphandlers "voicemesh/internal/handlers/http"
	"voicemesh/internal/infrastructure/middleware"
	"voicemesh/internal/infrastructure/monitoring"
	signaling "voicemesh/internal/infrastructure/signal"
	"voicemesh/pkg/config"
	"voicemesh/pkg/logger"
	"voicemesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRelayConnections = 10000

func main() {
	configPaths := []string{
		os.Getenv("VOICEMESH_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("using default configuration", "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "voicemesh-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	collector := monitoring.NewPrometheusCollector(nil)
	relay := signaling.NewRelayServer(relayConfig(cfg), authService, collector, zapLogger)

	checker := monitoring.NewHealthChecker()
	checker.AddRelayCheck(func() int { return relay.Stats().Connections }, maxRelayConnections)
	checker.StartBackgroundChecks(ctx, 15*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws", middleware.NewWebSocketConnectRateLimitMiddleware(cfg), gin.WrapF(relay.HandleWebSocket))
	router.GET("/api/v1/relay/stats", middleware.AuthMiddleware(authService), func(c *gin.Context) {
		c.JSON(http.StatusOK, relay.Stats())
	})

	if cfg.Auth.IssueTokens {
		log.Warn("token issuing enabled; do not expose this relay publicly")
		tokens := router.Group("", middleware.NewHTTPRateLimitMiddleware(cfg))
		httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL).SetupRoutes(tokens)
	}
	httphandlers.NewHealthHandler(checker).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// No write timeout: relay websockets are long-lived.
	srv := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "address", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown does not wait for hijacked connections, so close them first.
	relay.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during relay shutdown", "error", err)
		srv.Close()
	}
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}
	log.Info("signaling relay stopped")
}

func relayConfig(cfg *config.Config) signaling.RelayConfig {
	rc := signaling.DefaultRelayConfig()
	rc.PingInterval = cfg.Relay.PingInterval
	rc.PongTimeout = cfg.Relay.PongTimeout
	rc.WriteTimeout = cfg.Relay.WriteTimeout
	rc.AllowedOrigins = cfg.Auth.AllowedOrigins
	if n := cfg.RateLimiting.WebSocket.MaxMessageSizeBytes; n > 0 {
		rc.MaxMessageSize = n
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.WebSocket.Burst
	} else {
		rc.MessagesPerSecond = math.Inf(1)
	}
	return rc
}
