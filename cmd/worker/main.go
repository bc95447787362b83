package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/wolfman30/telehealth-booking/cmd/mainconfig"
	"github.com/wolfman30/telehealth-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/telehealth-booking/internal/config"
	"github.com/wolfman30/telehealth-booking/internal/events"
	"github.com/wolfman30/telehealth-booking/internal/jobs"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting consultation worker", "env", cfg.Env, "concurrency", cfg.JobsConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient == nil {
		logger.Error("consultation worker requires REDIS_ADDR")
		os.Exit(1)
	}
	defer redisClient.Close()

	var awsCfg *aws.Config
	if mainconfig.Needed(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	engine, err := bootstrap.Build(ctx, cfg, bootstrap.Deps{
		Pool:   pool,
		Redis:  redisClient,
		AWS:    awsCfg,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to build booking engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("engine close", "error", err)
		}
	}()

	handler, closeHandler := outboxHandler(cfg, logger)
	defer closeHandler()
	relay := events.NewRelay(events.NewOutboxStore(pool), handler, logger).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.OutboxPollInterval)
	go relay.Start(ctx)

	sweeper := jobs.NewCompletionSweeper(engine.Lifecycle, logger).
		WithInterval(cfg.CompletionSweepInterval)
	go sweeper.Start(ctx)

	srv := asynq.NewServer(bootstrap.AsynqRedisOpt(cfg), asynq.Config{
		Concurrency: cfg.JobsConcurrency,
		Queues:      map[string]int{jobs.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error("consultation job failed", "type", task.Type(), "error", err)
		}),
	})
	mux := jobs.NewHandlers(engine.Lifecycle, engine.Rooms, logger).Mux()
	if err := srv.Start(mux); err != nil {
		logger.Error("failed to start job server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("consultation worker shutting down")
	srv.Shutdown()
}

// outboxHandler publishes to AMQP when a broker is configured and logs otherwise.
func outboxHandler(cfg *appconfig.Config, logger *logging.Logger) (events.DeliveryHandler, func()) {
	if cfg.AMQPURL == "" {
		logger.Warn("AMQP_URL not set; outbox events will only be logged")
		return events.LogHandler{Logger: logger}, func() {}
	}
	publisher, conn, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		logger.Error("amqp unavailable; outbox events will only be logged", "error", err)
		return events.LogHandler{Logger: logger}, func() {}
	}
	return publisher, func() {
		_ = publisher.Close()
		_ = conn.Close()
	}
}
