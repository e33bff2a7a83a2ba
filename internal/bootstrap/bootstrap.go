// Package bootstrap builds the service graph shared by the API server and the
// embargo sweep command.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sanction-engine/internal/handler"
	"github.com/noah-isme/sanction-engine/internal/repository"
	"github.com/noah-isme/sanction-engine/internal/router"
	"github.com/noah-isme/sanction-engine/internal/service"
	"github.com/noah-isme/sanction-engine/pkg/config"
	"github.com/noah-isme/sanction-engine/pkg/database"
	"github.com/noah-isme/sanction-engine/pkg/jobs"
	"github.com/noah-isme/sanction-engine/pkg/messaging"
	"github.com/noah-isme/sanction-engine/pkg/tokens"
)

// App holds the wired services and the resources they own.
type App struct {
	Config        *config.Config
	Logger        *zap.Logger
	DB            *sqlx.DB
	Redis         *redis.Client
	Metrics       *service.MetricsService
	Sessions      *service.SessionService
	Sanctions     *service.SanctionService
	Tokens        *service.TokenService
	Reconcile     *service.ReconcileService
	Submissions   *service.CollectionSubmissionService
	Notifications *service.NotificationService

	queue   *jobs.Queue
	closers []func() error
}

// New connects to the backing stores and wires every service. The notification
// queue is started with ctx and drained by Close.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: logger}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	app.DB = db
	app.closers = append(app.closers, db.Close)

	redisClient, err := database.NewRedis(ctx, cfg.Redis)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	app.Redis = redisClient
	app.closers = append(app.closers, redisClient.Close)

	codec, err := tokens.NewCodec(cfg.Tokens.Secret)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	var notifier service.Notifier = messaging.NewLogPublisher(logger)
	if len(cfg.Notifications.Brokers) > 0 {
		publisher, err := messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers:     cfg.Notifications.Brokers,
			Topic:       cfg.Notifications.Topic,
			MaxAttempts: cfg.Notifications.Retries,
		})
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		notifier = publisher
		app.closers = append(app.closers, publisher.Close)
	}

	app.queue = jobs.NewQueue("notifications", func(ctx context.Context, job jobs.Job) error {
		return app.Notifications.Handle(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		MaxRetries: cfg.Notifications.Retries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logger.Named("notifications"),
	})
	app.Notifications = service.NewNotificationService(app.queue, notifier, logger.Named("notifications"))
	app.queue.Start(ctx)

	app.Metrics = service.NewMetricsService()
	app.Sessions = service.NewSessionService(service.SessionConfig{Secret: cfg.Session.Secret}, logger.Named("session"))

	sanctionRepo := repository.NewSanctionRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)
	locker := repository.NewRedisLockRepository(redisClient, logger.Named("locks"))

	app.Sanctions = service.NewSanctionService(sanctionRepo, registrationRepo, codec, logger.Named("sanctions"),
		service.WithSanctionLocker(locker),
		service.WithSanctionNotifier(app.Notifications),
		service.WithSanctionMetrics(app.Metrics),
		service.WithSanctionLockTiming(cfg.Reconcile.LockTTL, 2*time.Second),
		service.WithTokenLinkBase(cfg.Tokens.LinkBase),
	)

	app.Tokens = service.NewTokenService(codec, logger.Named("tokens"), service.WithTokenMetrics(app.Metrics))
	service.RegisterSanctionHandlers(app.Tokens, service.NewSanctionTokenHandler(app.Sanctions))

	app.Reconcile = service.NewReconcileService(sanctionRepo, registrationRepo, app.Sanctions, logger.Named("reconcile"),
		service.WithReconcileMetrics(app.Metrics),
		service.WithPendingWindow(cfg.Reconcile.PendingWindow),
		service.WithReconcileBatchSize(cfg.Reconcile.BatchSize),
	)

	app.Submissions = service.NewCollectionSubmissionService(
		repository.NewCollectionSubmissionRepository(db), logger.Named("collections"),
		service.WithSubmissionLocker(locker),
		service.WithSubmissionNotifier(app.Notifications),
		service.WithSubmissionMetrics(app.Metrics),
	)

	return app, nil
}

// Router builds the HTTP engine over the wired services.
func (a *App) Router() *gin.Engine {
	return router.New(router.Dependencies{
		Config:      a.Config,
		Logger:      a.Logger,
		Sessions:    a.Sessions,
		Metrics:     a.Metrics,
		Tokens:      handler.NewTokenHandler(a.Tokens),
		Sanctions:   handler.NewSanctionHandler(a.Sanctions),
		Submissions: handler.NewCollectionSubmissionHandler(a.Submissions),
		Reconcile:   handler.NewReconcileHandler(a.Reconcile),
		Observe: handler.NewMetricsHandler(a.Metrics, map[string]handler.Pinger{
			"postgres": a.DB,
			"redis": handler.PingFunc(func(ctx context.Context) error {
				return a.Redis.Ping(ctx).Err()
			}),
		}),
	})
}

// Close drains pending notifications and releases connections in reverse order.
func (a *App) Close() error {
	if a.queue != nil {
		a.queue.Stop()
	}
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
