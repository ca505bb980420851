package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/internal/core/services"
	httphandlers "wanderlink/internal/handlers/http"
	"wanderlink/internal/infrastructure/media"
	"wanderlink/internal/infrastructure/middleware"
	"wanderlink/internal/infrastructure/monitoring"
	"wanderlink/internal/infrastructure/reliability"
	repositories "wanderlink/internal/infrastructure/repositories"
	wsignal "wanderlink/internal/infrastructure/signal"
	webrtcinfra "wanderlink/internal/infrastructure/webrtc"
	"wanderlink/pkg/circuitbreaker"
	"wanderlink/pkg/config"
	"wanderlink/pkg/logger"
	"wanderlink/pkg/retry"
	"wanderlink/pkg/tracing"
	"wanderlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/callagent.yaml", "path to the YAML config file")
	printToken := pflag.Bool("print-token", false, "print an API token for the configured user and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := validation.ValidateUserID(cfg.Agent.UserID); err != nil {
		log.Fatalw("agent.user_id is invalid", "error", err)
	}
	identity := domain.UserID(cfg.Agent.UserID)

	if *printToken {
		if cfg.Auth.JWTSecret == "" {
			log.Fatal("auth.jwt_secret is required to issue tokens")
		}
		token, err := services.NewAuthService(identity, cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL).GenerateToken(identity)
		if err != nil {
			log.Fatalw("failed to issue token", "error", err)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, identity, log); err != nil {
		log.Fatalw("call agent failed", "error", err)
	}
}

func run(cfg *config.Config, identity domain.UserID, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "wanderlink-callagent",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		return err
	}

	rawStore, err := repoFactory.CreateSignalingStore(ctx)
	if err != nil {
		return err
	}
	store := reliability.NewStoreWrapper(rawStore,
		retry.Config{
			MaxAttempts:  cfg.Store.Retry.MaxAttempts,
			InitialDelay: cfg.Store.Retry.InitialDelay,
			MaxDelay:     cfg.Store.Retry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		circuitbreaker.Config{
			FailureThreshold:    cfg.Store.CircuitBreaker.MaxFailures,
			SuccessThreshold:    2,
			Timeout:             cfg.Store.CircuitBreaker.Timeout,
			MaxRequestsHalfOpen: 3,
		},
		log.Named("store"),
	)

	// Metrics
	var (
		sinks    []ports.CallMetrics
		gatherer prometheus.Gatherer
	)
	if cfg.Monitoring.PrometheusEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector := monitoring.NewPrometheusCollector(registry)
		store.OnBreakerStateChange(collector.RecordBreakerState)
		sinks = append(sinks, collector)
		gatherer = registry
	}
	metrics := services.NewMetricsService(sinks...)

	// Media
	devices, err := media.NewDevices(media.Config{
		Width:        cfg.Media.Width,
		Height:       cfg.Media.Height,
		FrameRate:    cfg.Media.FrameRate,
		VideoBitrate: cfg.Media.VideoBitrate,
		AudioBitrate: cfg.Media.AudioBitrate,
	}, log.Named("media"))
	if err != nil {
		return fmt.Errorf("failed to init media devices: %w", err)
	}

	opts := []webrtcinfra.Option{
		webrtcinfra.WithLogger(log.Named("webrtc")),
		webrtcinfra.WithCodecs(devices.Codecs()),
	}
	if cfg.WebRTC.PortMin > 0 {
		opts = append(opts, webrtcinfra.WithPortRange(cfg.WebRTC.PortMin, cfg.WebRTC.PortMax))
	}
	sessions, err := webrtcinfra.NewSessionManager(devices, opts...)
	if err != nil {
		return fmt.Errorf("failed to init session manager: %w", err)
	}

	profiles := services.NewProfileService(repoFactory.CreateProfileRepository(), cfg.Profiles.CacheTTL, log.Named("profiles"))
	defer profiles.Close()

	hub := wsignal.NewEventHub(wsignal.HubConfig{
		PingInterval:      cfg.Server.PingInterval,
		PongTimeout:       cfg.Server.PongTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		MaxConnections:    cfg.RateLimiting.WebSocket.MaxConnections,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
	}, log.Named("hub"))

	engine := services.NewCallEngine(identity, store, sessions, profiles, metrics, hub, services.CallConfig{
		RingingTimeout:    cfg.Call.RingingTimeout,
		DeclineGrace:      cfg.Call.DeclineGrace,
		NavigateBackDelay: cfg.Call.NavigateBackDelay,
		TeardownTimeout:   cfg.Call.TeardownTimeout,
	}, log.Named("engine"))
	watcher := services.NewIncomingCallWatcher(identity, store, profiles, engine, metrics, cfg.Call.DeclineGrace, log.Named("watcher"))
	agent := services.NewCallAgent(engine, watcher, metrics, hub, log.Named("agent"))
	hub.SetController(agent)

	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch incoming calls: %w", err)
	}

	// Health
	checker := monitoring.NewHealthChecker()
	checker.AddStoreCheck(repoFactory.HealthCheck, 2*time.Second)
	checker.AddBreakerCheck(store.BreakerState)

	router := newRouter(cfg, identity, agent, hub, checker, gatherer, log)
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout would cut long-lived websocket connections
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("call agent listening", "address", cfg.Server.Address, "user_id", identity, "store", repoFactory.Backend())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// end the active call first so the peer sees the hangup
	agent.Shutdown(shutdownCtx)
	hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	if err := store.Close(); err != nil {
		log.Errorw("error closing signaling store", "error", err)
	}
	if err := repoFactory.Close(shutdownCtx); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("call agent stopped")
	return nil
}

func newRouter(
	cfg *config.Config,
	identity domain.UserID,
	agent *services.CallAgent,
	hub *wsignal.EventHub,
	checker *monitoring.HealthChecker,
	gatherer prometheus.Gatherer,
	log *zap.SugaredLogger,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogger(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewHealthHandler(checker, gatherer).SetupRoutes(router)

	protected := router.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.AuthMiddleware(services.NewAuthService(identity, cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)))
	}
	protected.GET("/ws", gin.WrapH(hub))

	api := protected.Group("/api/v1")
	api.Use(middleware.ErrorHandlerMiddleware(log))
	httphandlers.NewCallHandler(agent).SetupRoutes(api)

	return router
}
