package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/telehealth-booking/internal/balance"
	"github.com/wolfman30/telehealth-booking/internal/calendar"
	"github.com/wolfman30/telehealth-booking/internal/clock"
	"github.com/wolfman30/telehealth-booking/internal/compliance"
	appconfig "github.com/wolfman30/telehealth-booking/internal/config"
	"github.com/wolfman30/telehealth-booking/internal/consultations"
	"github.com/wolfman30/telehealth-booking/internal/directory"
	"github.com/wolfman30/telehealth-booking/internal/dispatch"
	"github.com/wolfman30/telehealth-booking/internal/documents"
	"github.com/wolfman30/telehealth-booking/internal/http/middleware"
	"github.com/wolfman30/telehealth-booking/internal/jobs"
	"github.com/wolfman30/telehealth-booking/internal/lifecycle"
	"github.com/wolfman30/telehealth-booking/internal/notify"
	"github.com/wolfman30/telehealth-booking/internal/observability/metrics"
	"github.com/wolfman30/telehealth-booking/internal/ratelimit"
	"github.com/wolfman30/telehealth-booking/internal/realtime"
	"github.com/wolfman30/telehealth-booking/internal/reservations"
	"github.com/wolfman30/telehealth-booking/internal/rooms"
	"github.com/wolfman30/telehealth-booking/internal/slots"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// Deps are the connections the engine is built on. Redis and AWS are optional.
type Deps struct {
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	AWS        *aws.Config
	Registerer prometheus.Registerer
	Logger     *logging.Logger
}

// Engine holds every wired component of the booking engine.
type Engine struct {
	Clock         clock.Clock
	Metrics       *metrics.BookingMetrics
	Dispatcher    *dispatch.Dispatcher
	Coordinator   *reservations.Coordinator
	Lifecycle     *lifecycle.Service
	Rooms         *rooms.Issuer
	Hub           *realtime.Hub
	Fanout        *realtime.Fanout
	Consultations *consultations.Store
	Directory     *directory.Users
	Velocity      *ratelimit.BookingVelocity
	Audit         *compliance.AuditService
	Scheduler     *jobs.Scheduler

	closers []func() error
	logger  *logging.Logger
}

// Build wires the engine from configuration.
func Build(ctx context.Context, cfg *appconfig.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("bootstrap: postgres pool required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{logger: logger}

	sys, err := clock.NewSystem(cfg.BookingTimezone)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: clock: %w", err)
	}
	e.Clock = sys

	if deps.Registerer != nil {
		e.Metrics = metrics.NewBookingMetrics(deps.Registerer)
	}

	e.Consultations = consultations.NewStore(deps.Pool)
	e.Directory = directory.NewUsers(deps.Pool)
	e.Hub = realtime.NewHub(middleware.UserID, logger)

	sender, err := BuildEmailSender(cfg, deps.AWS, logger)
	if err != nil {
		return nil, err
	}

	// With Redis every process publishes and the API instances holding sockets
	// deliver, so job-driven transitions from the worker reach connected users.
	var notifier dispatch.Notifier = e.Hub
	if deps.Redis != nil {
		e.Fanout = realtime.NewFanout(deps.Redis, realtime.DefaultChannel, logger)
		notifier = e.Fanout
	}

	opts := []dispatch.Option{
		dispatch.WithNotifier(notifier),
		dispatch.WithEmailer(notify.NewMailer(sender, logger)),
		dispatch.WithDirectory(e.Directory),
		dispatch.WithCalendarLinks(e.Consultations),
		dispatch.WithMetrics(e.Metrics),
	}

	if strings.TrimSpace(cfg.GoogleCalendarID) != "" {
		cal, err := calendar.NewGoogleSync(ctx, cfg.GoogleCalendarID, cfg.GoogleCredentialsFile, logger)
		if err != nil {
			logger.Warn("calendar sync disabled", "error", err)
		} else {
			opts = append(opts, dispatch.WithCalendar(cal))
		}
	}

	if deps.Redis != nil {
		redisOpt := AsynqRedisOpt(cfg)
		client := asynq.NewClient(redisOpt)
		inspector := asynq.NewInspector(redisOpt)
		e.closers = append(e.closers, client.Close, inspector.Close)
		e.Scheduler = jobs.NewScheduler(client, inspector, logger)
		opts = append(opts, dispatch.WithJobs(e.Scheduler))
	} else {
		logger.Warn("redis not configured; consultation jobs will not be scheduled")
	}
	e.Velocity = ratelimit.NewBookingVelocity(deps.Redis, cfg.BookingVelocityMax, cfg.BookingVelocityWindow, logger)

	auditDB, err := compliance.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Warn("cancellation audit disabled", "error", err)
	} else {
		e.Audit = compliance.NewAuditService(auditDB)
		e.closers = append(e.closers, auditDB.Close)
		opts = append(opts, dispatch.WithAuditLog(e.Audit))
	}

	e.Dispatcher = dispatch.New(dispatch.Timing{
		NoShowGrace:     cfg.NoShowGrace,
		SessionDuration: cfg.SessionDuration,
	}, logger, opts...)

	resolver := balance.NewResolver(cfg.BalanceValidity)
	validator := slots.NewValidator(e.Clock, cfg.ConflictWindow())
	e.Coordinator = reservations.NewCoordinator(deps.Pool, resolver, validator, e.Clock, e.Dispatcher, e.Metrics, logger)
	e.Rooms = rooms.NewIssuer(deps.Pool, cfg.RoomTokenSecret, cfg.RoomTokenTTL, e.Clock, logger)

	lcOpts := []lifecycle.Option{
		lifecycle.WithTokenIssuer(e.Rooms),
		lifecycle.WithMetrics(e.Metrics),
	}
	store, err := BuildDocumentStore(cfg, deps.AWS, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		lcOpts = append(lcOpts, lifecycle.WithDocumentStore(store))
	}
	e.Lifecycle = lifecycle.NewService(deps.Pool, e.Coordinator, resolver, e.Clock, lifecycle.Config{
		CancellationNotice:    cfg.CancellationNotice,
		ForceMajeureExtension: cfg.ForceMajeureExtension,
		NoShowGrace:           cfg.NoShowGrace,
		SessionDuration:       cfg.SessionDuration,
		RoomEarlyEntry:        cfg.RoomEarlyEntry,
	}, e.Dispatcher, logger, lcOpts...)

	return e, nil
}

// Close waits for in-flight side effects and releases the engine's own connections.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if e.Dispatcher != nil {
		e.Dispatcher.Wait()
	}
	var errs []error
	for _, closeFn := range e.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// BuildEmailSender picks the email provider. Missing credentials fall back to the
// logging stub.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.EmailSender, error) {
	if logger == nil {
		logger = logging.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EmailProvider)) {
	case "sendgrid":
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sender != nil {
			return sender, nil
		}
		logger.Warn("SENDGRID_API_KEY missing; emails will only be logged")
	case "ses":
		if awsCfg == nil {
			return nil, fmt.Errorf("bootstrap: ses email provider requires AWS config")
		}
		return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger), nil
	case "", "stub", "log":
	default:
		return nil, fmt.Errorf("bootstrap: unknown email provider %q", cfg.EmailProvider)
	}
	return notify.NewStubEmailSender(logger), nil
}

// BuildDocumentStore returns nil when uploads are disabled.
func BuildDocumentStore(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (lifecycle.DocumentStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DocumentStore)) {
	case "", "none":
		return nil, nil
	case "s3":
		if awsCfg == nil {
			return nil, fmt.Errorf("bootstrap: s3 document store requires AWS config")
		}
		if cfg.DocumentsBucket == "" {
			return nil, fmt.Errorf("bootstrap: DOCUMENTS_BUCKET is required")
		}
		pathStyle := cfg.AWSEndpointOverride != ""
		client := s3.NewFromConfig(*awsCfg, func(o *s3.Options) { o.UsePathStyle = pathStyle })
		return documents.NewS3Store(client, cfg.DocumentsBucket, logger), nil
	case "minio":
		if cfg.DocumentsBucket == "" {
			return nil, fmt.Errorf("bootstrap: DOCUMENTS_BUCKET is required")
		}
		client, err := documents.NewMinioClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
		return documents.NewMinioStore(client, cfg.DocumentsBucket, logger), nil
	}
	return nil, fmt.Errorf("bootstrap: unknown document store %q", cfg.DocumentStore)
}
