package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	"voicemesh/internal/core/services"
	httphandlers "voicemesh/internal/handlers/http"
	"voicemesh/internal/infrastructure/capture"
	"voicemesh/internal/infrastructure/middleware"
	"voicemesh/internal/infrastructure/monitoring"
	"voicemesh/internal/infrastructure/repositories"
	signaling "voicemesh/internal/infrastructure/signal"
	webrtcinfra "voicemesh/internal/infrastructure/webrtc"
	"voicemesh/pkg/config"
	"voicemesh/pkg/logger"
	"voicemesh/pkg/retry"
	"voicemesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// boundHandler lets the signaling client exist before the coordinator that
// handles its events. It must be bound before Run.
type boundHandler struct {
	ports.SignalingHandler
}

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
		ServiceName: "voicemesh-client",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)

	collector := monitoring.NewPrometheusCollector(nil)
	notifications := services.NewNotificationLog(zapLogger, 0)
	playback := webrtcinfra.NewPlayback(nil, zapLogger)

	transport, err := webrtcinfra.NewTransport(transportConfig(cfg), playback, collector, zapLogger)
	if err != nil {
		log.Fatalw("failed to create webrtc transport", "error", err)
	}

	token := cfg.Client.Token
	if token == "" {
		// Relays started with the same secret accept self-minted tokens.
		token, err = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL).
			GenerateToken(domain.UserID(cfg.Client.UserID), cfg.Client.Username)
		if err != nil {
			log.Fatalw("failed to mint relay token", "error", err)
		}
	}

	handler := &boundHandler{}
	client := signaling.NewClient(clientConfig(cfg, token), handler, zapLogger)

	coordinator := services.NewCoordinator(coordinatorConfig(cfg), services.Dependencies{
		Signaling: client,
		Capture:   capture.NewProvider(&capture.SyntheticDevices{}, zapLogger),
		Transport: transport,
		Notifier:  notifications,
		Intents:   repoFactory.CreateIntentStore(),
		Playback:  playback,
		Metrics:   collector,
	}, zapLogger)
	handler.SignalingHandler = coordinator
	coordinator.Start()

	clientDone := make(chan error, 1)
	go func() {
		clientDone <- client.Run(ctx)
	}()

	checker := monitoring.NewHealthChecker()
	checker.AddSignalingCheck(client.Connected)
	if rdb := repoFactory.RedisClient(); rdb != nil {
		checker.AddRedisCheck(rdb)
	}
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
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewVoiceHandler(coordinator, coordinator.Roster(), notifications).SetupRoutes(router)
	httphandlers.NewHealthHandler(checker).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Control.Address,
		Handler:      router,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting voice client control API", "address", cfg.Control.Address, "user_id", cfg.Client.UserID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("control API failed", "error", err)
	case err := <-clientDone:
		log.Errorw("signaling client gave up", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during control API shutdown", "error", err)
		srv.Close()
	}
	if err := coordinator.Stop(shutdownCtx); err != nil {
		log.Errorw("error leaving voice channel", "error", err)
	}
	// Stop only queues the leave announcement.
	if client.Connected() {
		if err := client.Flush(shutdownCtx); err != nil {
			log.Warnw("leave announcement may not have reached the relay", "error", err)
		}
	}
	cancel()
	playback.Wait()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	log.Info("voice client stopped")
}

func transportConfig(cfg *config.Config) webrtcinfra.Config {
	var tc webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		tc.ICEServers = append(tc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(tc.ICEServers) == 0 {
		tc.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	tc.PortRange.Min = cfg.WebRTC.PortRange.Min
	tc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return tc
}

func clientConfig(cfg *config.Config, token string) signaling.ClientConfig {
	cc := signaling.DefaultClientConfig(cfg.Signaling.URL)
	cc.Token = token
	cc.HandshakeTimeout = cfg.Signaling.HandshakeTimeout
	cc.PingInterval = cfg.Signaling.PingInterval
	cc.PongTimeout = cfg.Signaling.PongTimeout
	cc.WriteTimeout = cfg.Signaling.WriteTimeout
	cc.SendQueueSize = cfg.Signaling.SendQueueSize
	cc.SendRetry = backoff(cc.SendRetry, cfg.Signaling.SendRetry)
	cc.Reconnect = backoff(cc.Reconnect, cfg.Signaling.Reconnect)
	return cc
}

func backoff(base retry.Config, b config.BackoffConfig) retry.Config {
	base.MaxAttempts = b.MaxAttempts
	base.InitialDelay = b.InitialDelay
	base.MaxDelay = b.MaxDelay
	base.Multiplier = b.Multiplier
	return base
}

func coordinatorConfig(cfg *config.Config) services.CoordinatorConfig {
	cc := services.DefaultCoordinatorConfig(domain.UserID(cfg.Client.UserID), cfg.Client.Username)
	cc.RejoinGrace = cfg.Voice.RejoinGrace
	cc.Registry = services.RegistryConfig{
		DisconnectTimeout:  cfg.Voice.DisconnectTimeout,
		RecreateDelay:      cfg.Voice.RecreateDelay,
		NegotiationTimeout: cfg.Voice.NegotiationTimeout,
		RecreateFailures:   cfg.Voice.RecreateBudget.Failures,
		RecreateCooldown:   cfg.Voice.RecreateBudget.Cooldown,
	}
	cc.VAD = services.VADConfig{
		Interval:  cfg.Voice.VAD.Interval,
		Threshold: cfg.Voice.VAD.Threshold,
		BandLowHz: cfg.Voice.VAD.BandLowHz,
		BandHiHz:  cfg.Voice.VAD.BandHiHz,
		Window:    cfg.Voice.VAD.Window,
	}
	return cc
}
