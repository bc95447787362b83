package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/telehealth-booking/cmd/mainconfig"
	"github.com/wolfman30/telehealth-booking/internal/api/router"
	"github.com/wolfman30/telehealth-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/telehealth-booking/internal/config"
	"github.com/wolfman30/telehealth-booking/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/telehealth-booking/internal/http/middleware"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

const (
	limiterEvictEvery = time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

func main() {
	// .env is optional outside local development.
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting telehealth booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"timezone", cfg.BookingTimezone,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var awsCfg *aws.Config
	if mainconfig.Needed(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	metricsHandler, registry := setupMetrics()

	engine, err := bootstrap.Build(ctx, cfg, bootstrap.Deps{
		Pool:       pool,
		Redis:      redisClient,
		AWS:        awsCfg,
		Registerer: registry,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build booking engine", "error", err)
		os.Exit(1)
	}

	var audit handlers.AuditTrail
	if engine.Audit != nil {
		audit = engine.Audit
	}

	if engine.Fanout != nil {
		go func() {
			if err := engine.Fanout.Forward(ctx, engine.Hub); err != nil {
				logger.Error("realtime fan-out stopped", "error", err)
			}
		}()
	}

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go evictIdleVisitors(ctx, limiter)

	r := router.New(&router.Config{
		Logger:             logger,
		Booking:            handlers.NewBookingHandler(engine.Coordinator, engine.Lifecycle, engine.Velocity, engine.Directory, logger),
		Admin:              handlers.NewAdminHandler(engine.Lifecycle, audit, logger),
		Realtime:           engine.Hub.HandleWebSocket,
		MetricsHandler:     metricsHandler,
		AuthSecret:         cfg.AuthJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        limiter,
		Ready:              pool.Ping,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := engine.Close(); err != nil {
		logger.Warn("engine close", "error", err)
	}

	logger.Info("server stopped")
}

func setupMetrics() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}), registry
}

func evictIdleVisitors(ctx context.Context, limiter *httpmiddleware.RateLimiter) {
	ticker := time.NewTicker(limiterEvictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			limiter.Evict(now.Add(-limiterIdleAfter))
		}
	}
}
