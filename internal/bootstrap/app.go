package bootstrap

import (
	"context"
	"fmt"

	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"

	"github.com/ZertGraf/pr-insight/internal/api"
	"github.com/ZertGraf/pr-insight/internal/api/handler"
	"github.com/ZertGraf/pr-insight/internal/dispatch"
	"github.com/ZertGraf/pr-insight/internal/pkg/config"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/internal/pkg/postgres"
	"github.com/ZertGraf/pr-insight/internal/repository"
	"github.com/ZertGraf/pr-insight/internal/service"
)

type Application struct {
	Config    *config.Config
	Logger    *logger.Logger
	Postgres  *postgres.Connection
	Migrator  *postgres.Migrator
	TrManager trm.Manager

	PullRequestRepo *repository.PullRequestRepo
	ReviewRepo      *repository.ReviewRepo
	CommentRepo     *repository.ReviewCommentRepo
	ReviewerRepo    *repository.RequestedReviewerRepo
	LedgerRepo      *repository.DeliveryLedgerRepo
	BottleneckRepo  *repository.BottleneckRepo
	LifecycleRepo   *repository.LifecycleRepo
	SizeRepo        *repository.SizeRepo
	ActivityRepo    *repository.ReviewActivityRepo

	MetricsService   *service.MetricsService
	Dispatcher       *dispatch.Dispatcher
	IngestionService *service.IngestionService

	MetricsHandler *handler.MetricsHandler
	HTTPServer     *api.HTTPServer
}

func New() (*Application, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(&logger.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		AddSource: cfg.LogAddSource,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	pgCfg := &postgres.Config{
		Host:              cfg.DatabaseHost,
		Port:              cfg.DatabasePort,
		Username:          cfg.DatabaseUser,
		Password:          cfg.DatabasePassword,
		Database:          cfg.DatabaseName,
		Schema:            cfg.DatabaseSchema,
		SSLMode:           cfg.DatabaseSSLMode,
		ApplicationName:   cfg.ServiceName,
		MaxConns:          cfg.DatabaseMaxConns,
		MinConns:          cfg.DatabaseMinConns,
		MaxConnLifetime:   cfg.DatabaseMaxConnLifetime,
		MaxConnIdleTime:   cfg.DatabaseMaxConnIdleTime,
		HealthCheckPeriod: cfg.DatabaseHealthCheckPeriod,
		ConnectTimeout:    cfg.DatabaseConnectTimeout,
		AcquireTimeout:    cfg.DatabaseAcquireTimeout,
	}
	if err = pgCfg.RequireConns(cfg.DispatchMetricsShards + cfg.DispatchBackfillShards); err != nil {
		return nil, fmt.Errorf("postgres pool too small for dispatch: %w", err)
	}
	pg, err := postgres.New(log, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres connection: %w", err)
	}

	return &Application{
		Config:   cfg,
		Logger:   log,
		Postgres: pg,
	}, nil
}

func (app *Application) Init(ctx context.Context) error {
	app.Logger.Info("initializing application")

	if err := app.Postgres.Connect(ctx); err != nil {
		return fmt.Errorf("postgres connection failed: %w", err)
	}

	app.Migrator = postgres.NewMigrator(app.Postgres.Pool(), &postgres.MigrationConfig{
		Timeout:   app.Config.DatabaseMigrationTimeout,
		TableName: app.Config.DatabaseMigrationTable,
		Enabled:   app.Config.DatabaseMigrationEnabled,
	}, app.Logger)

	if err := app.Migrator.RunMigrations(ctx); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	pool := app.Postgres.Pool()
	app.TrManager = manager.Must(trmpgx.NewDefaultFactory(pool))

	app.PullRequestRepo = repository.NewPullRequestRepo(pool, app.TrManager, app.Logger)
	app.ReviewRepo = repository.NewReviewRepo(pool, app.TrManager, app.Logger)
	app.CommentRepo = repository.NewReviewCommentRepo(pool, app.TrManager, app.Logger)
	app.ReviewerRepo = repository.NewRequestedReviewerRepo(pool, app.TrManager, app.Logger)
	app.LedgerRepo = repository.NewDeliveryLedgerRepo(pool, app.TrManager, app.Logger)
	app.BottleneckRepo = repository.NewBottleneckRepo(pool, app.TrManager, app.Logger)
	app.LifecycleRepo = repository.NewLifecycleRepo(pool, app.TrManager, app.Logger)
	app.SizeRepo = repository.NewSizeRepo(pool, app.TrManager, app.Logger)
	app.ActivityRepo = repository.NewReviewActivityRepo(pool, app.TrManager, app.Logger)

	if err := app.initMetrics(); err != nil {
		return err
	}

	app.IngestionService = service.NewIngestionService(service.IngestionRepositories{
		PullRequests: app.PullRequestRepo,
		Reviews:      app.ReviewRepo,
		Comments:     app.CommentRepo,
		Reviewers:    app.ReviewerRepo,
	}, app.TrManager, app.Dispatcher, app.Logger)

	app.MetricsHandler = handler.NewMetricsHandler(app.MetricsService, app.Dispatcher, app.Logger)

	serverConfig := &api.ServerConfig{
		Host:         app.Config.ServerHost,
		Port:         app.Config.ServerPort,
		ReadTimeout:  app.Config.ServerReadTimeout,
		WriteTimeout: app.Config.ServerWriteTimeout,
		IdleTimeout:  app.Config.ServerIdleTimeout,
	}

	app.HTTPServer = api.NewHTTPServer(
		serverConfig,
		app.Health,
		app.MetricsHandler,
		app.Logger,
	)

	app.Dispatcher.Start()

	if err := app.HTTPServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	app.Logger.Info("application initialized successfully")
	return nil
}

func (app *Application) initMetrics() error {
	weight, err := app.Config.SizeWeight()
	if err != nil {
		return fmt.Errorf("invalid size weight: %w", err)
	}
	thresholds, err := app.Config.SizeThresholds()
	if err != nil {
		return fmt.Errorf("invalid size thresholds: %w", err)
	}

	app.MetricsService, err = service.NewMetricsService(service.MetricsRepositories{
		PullRequests: app.PullRequestRepo,
		Reviews:      app.ReviewRepo,
		Comments:     app.CommentRepo,
		Reviewers:    app.ReviewerRepo,
		Ledger:       app.LedgerRepo,
		Bottlenecks:  app.BottleneckRepo,
		Lifecycles:   app.LifecycleRepo,
		Sizes:        app.SizeRepo,
		Activities:   app.ActivityRepo,
	}, app.TrManager, service.Scoring{Weight: weight, Thresholds: thresholds}, app.Logger)
	if err != nil {
		return fmt.Errorf("failed to create metrics service: %w", err)
	}

	app.Dispatcher, err = dispatch.New(dispatch.Config{
		Metrics: dispatch.PoolConfig{
			Name:      "metrics",
			Shards:    app.Config.DispatchMetricsShards,
			QueueSize: app.Config.DispatchMetricsQueueSize,
			Policy:    dispatch.FullPolicy(app.Config.DispatchMetricsFullPolicy),
		},
		Backfill: dispatch.PoolConfig{
			Name:      "backfill",
			Shards:    app.Config.DispatchBackfillShards,
			QueueSize: app.Config.DispatchBackfillQueueSize,
			Policy:    dispatch.FullPolicy(app.Config.DispatchBackfillFullPolicy),
		},
		MaxRetries:   app.Config.DispatchMaxRetries,
		RetryBackoff: app.Config.DispatchRetryBackoff,
	}, app.MetricsService, app.Logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	return nil
}

// Shutdown stops intake first, then drains the worker pools within the
// configured grace period, then closes the database.
func (app *Application) Shutdown(ctx context.Context) error {
	app.Logger.Info("shutting down application")

	if app.HTTPServer != nil {
		if err := app.HTTPServer.Stop(ctx); err != nil {
			app.Logger.Error("error stopping http server", "error", err)
		}
	}

	if app.Dispatcher != nil {
		graceCtx, cancel := context.WithTimeout(ctx, app.Config.DispatchShutdownGrace)
		err := app.Dispatcher.Shutdown(graceCtx)
		cancel()
		if err != nil {
			app.Logger.Error("metric workers did not drain", "error", err)
		}
	}

	app.Postgres.Close()

	app.Logger.Info("application shutdown completed")
	return nil
}

func (app *Application) Health(ctx context.Context) error {
	if err := app.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	if err := app.Migrator.Health(ctx); err != nil {
		return fmt.Errorf("migrator health check failed: %w", err)
	}
	return nil
}
