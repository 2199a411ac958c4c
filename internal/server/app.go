// Package server assembles the application from its configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zeroveil/realtime-core/internal/analyzer/remote"
	"github.com/zeroveil/realtime-core/internal/api"
	"github.com/zeroveil/realtime-core/internal/archive"
	gcsarchive "github.com/zeroveil/realtime-core/internal/archive/gcs"
	"github.com/zeroveil/realtime-core/internal/broker"
	brokermemory "github.com/zeroveil/realtime-core/internal/broker/memory"
	brokerpg "github.com/zeroveil/realtime-core/internal/broker/postgres"
	"github.com/zeroveil/realtime-core/internal/clock/system"
	"github.com/zeroveil/realtime-core/internal/config"
	"github.com/zeroveil/realtime-core/internal/id/uuid"
	"github.com/zeroveil/realtime-core/internal/logging"
	"github.com/zeroveil/realtime-core/internal/metrics"
	"github.com/zeroveil/realtime-core/internal/presence"
	"github.com/zeroveil/realtime-core/internal/presence/wschannel"
	"github.com/zeroveil/realtime-core/internal/publisher"
	memorypublisher "github.com/zeroveil/realtime-core/internal/publisher/memory"
	gcppublisher "github.com/zeroveil/realtime-core/internal/publisher/pubsub"
	"github.com/zeroveil/realtime-core/internal/session"
	"github.com/zeroveil/realtime-core/internal/users"
	userspg "github.com/zeroveil/realtime-core/internal/users/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer *api.Server
	broker    *broker.Broker
	sessions  *session.Manager
	presence  *presence.Client

	dbPool          *pgxpool.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies")

	store, resolver, err := setupDatabase(ctx, app)
	if err != nil {
		return nil, err
	}

	app.broker = broker.New(store, broker.Config{
		Retention:     cfg.Retention(),
		SweepInterval: cfg.SweepInterval(),
		Clock:         system.New(),
		Logger:        logger.Named("broker"),
	})

	runner, err := remote.New(remote.Config{
		BaseURL: cfg.Analyzer.BaseURL,
		Timeout: cfg.AnalyzerTimeout(),
		Logger:  logger.Named("analyzer"),
	})
	if err != nil {
		return nil, fmt.Errorf("analyzer client init failed: %w", err)
	}

	pub, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	arch, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}

	app.sessions, err = session.New(session.Config{
		Broker:        app.broker,
		Runner:        runner,
		Resolver:      resolver,
		Publisher:     pub,
		Archive:       arch,
		Topic:         cfg.PubSub.TopicName,
		HealthTimeout: time.Duration(cfg.Session.HealthTimeoutSeconds) * time.Second,
		Logger:        logger.Named("session"),
	})
	if err != nil {
		return nil, fmt.Errorf("session manager init failed: %w", err)
	}

	if err := setupPresence(app); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(
		app.sessions,
		uuid.NewUUIDGenerator(),
		system.New(),
		*cfg,
		logger.Named("api"),
	)
	return app, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.presence != nil {
		a.presence.Start()
		a.logger.Info("presence client started", zap.String("topic", a.cfg.Presence.Topic))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(_ context.Context) error {
	if a.presence != nil {
		a.presence.Close()
	}
	if a.broker != nil {
		a.broker.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

// setupDatabase selects the state store and user resolver. Without a DSN the
// service runs single-instance on the in-memory store with usernames passed
// through unresolved.
func setupDatabase(ctx context.Context, app *App) (broker.Store, users.Resolver, error) {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database DSN configured, using in-memory job states")
		return brokermemory.New(), users.Identity{}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(app.cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if app.cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = app.cfg.Database.MaxConns
	}
	if app.cfg.Database.MinConns > 0 {
		poolCfg.MinConns = app.cfg.Database.MinConns
	}
	if app.cfg.Database.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = app.cfg.Database.MaxConnLifetime
	}
	app.dbPool, err = pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	store, err := brokerpg.NewWithPool(app.dbPool)
	if err != nil {
		return nil, nil, fmt.Errorf("job state store init failed: %w", err)
	}
	resolver, err := userspg.New(app.dbPool)
	if err != nil {
		return nil, nil, fmt.Errorf("user resolver init failed: %w", err)
	}
	app.logger.Info("postgres job state store initialized")
	return store, resolver, nil
}

func setupPublisher(ctx context.Context, app *App) (publisher.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupArchive(ctx context.Context, app *App) (archive.Provider, error) {
	if app.cfg.Archive.Bucket == "" {
		app.logger.Info("result archival disabled")
		return archive.Noop{}, nil
	}
	var err error
	app.storage, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	arch, err := gcsarchive.New(app.storage, gcsarchive.Config{
		Bucket: app.cfg.Archive.Bucket,
		Prefix: app.cfg.Archive.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs archive init failed: %w", err)
	}
	app.logger.Info("result archival enabled", zap.String("bucket", app.cfg.Archive.Bucket))
	return arch, nil
}

func setupPresence(app *App) error {
	if app.cfg.Presence.URL == "" {
		app.logger.Info("presence client disabled")
		return nil
	}
	transport, err := wschannel.NewTransport(wschannel.Config{
		URL:    app.cfg.Presence.URL,
		Logger: app.logger.Named("presence_transport"),
	})
	if err != nil {
		return fmt.Errorf("presence transport init failed: %w", err)
	}
	app.presence, err = presence.NewClient(presence.Config{
		Transport:          transport,
		Topic:              app.cfg.Presence.Topic,
		Key:                app.cfg.Presence.Key,
		HeartbeatInterval:  time.Duration(app.cfg.Presence.HeartbeatSeconds) * time.Second,
		WatchdogInterval:   time.Duration(app.cfg.Presence.WatchdogSeconds) * time.Second,
		StalenessThreshold: time.Duration(app.cfg.Presence.StalenessThresholdSeconds) * time.Second,
		Logger:             app.logger.Named("presence"),
		OnStatus: func(status presence.ConnectionStatus) {
			metrics.ObservePresenceStatus(string(status))
		},
	})
	if err != nil {
		return fmt.Errorf("presence client init failed: %w", err)
	}
	return nil
}
