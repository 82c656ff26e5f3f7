package app

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"aquatrack/internal/aggregate"
	"aquatrack/internal/api"
	"aquatrack/internal/consumption"
	"aquatrack/internal/ledger"
	"aquatrack/internal/localstore"
	"aquatrack/internal/radio/mqttlink"
	"aquatrack/internal/reconcile"
	"aquatrack/internal/remote/influxlog"
	"aquatrack/internal/remote/pgstore"
	"aquatrack/internal/remote/redisstore"
	"aquatrack/internal/session"
)

// App wires the companion service dependency graph.
type App struct {
	server      *api.Server
	sessions    *session.Manager
	link        *mqttlink.Link
	redisClient *redis.Client
	db          *sql.DB
	archive     *influxlog.Archive
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *Config, logger *zap.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := localstore.New(cfg.Data.Dir)
	if err != nil {
		return nil, err
	}

	led := ledger.New(store, logger)
	calc := consumption.NewCalculator(led)

	link, err := mqttlink.NewLink(cfg.Radio, logger)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(cfg.Session, link, calc, store, logger)

	redisClient, err := redisstore.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		link.Close()
		return nil, err
	}
	totals := redisstore.NewStore(redisClient)

	db, err := pgstore.NewPostgres(cfg.Database.DSN)
	if err != nil {
		link.Close()
		redisClient.Close()
		return nil, err
	}
	registry := pgstore.NewRegistry(db)

	archive, err := influxlog.NewArchive(cfg.Influx)
	if err != nil {
		link.Close()
		redisClient.Close()
		db.Close()
		return nil, err
	}

	reconciler := reconcile.New(cfg.Reconcile, led, totals, archive, registry, sessions, store, loc, logger)
	reader := aggregate.NewReader(totals, led, loc, logger)

	feed := api.NewStatusFeed(logger)
	sessions.OnChange(feed.Broadcast)
	sessions.OnMonitoring(reconciler.MonitoringChanged)

	handlers := api.NewHandlers(sessions, reconciler, reader, led, calc, registry, logger)
	router := api.NewRouter(handlers, feed, api.AuthMiddleware(cfg.JWT.Secret))
	server := api.NewServer(cfg.HTTPAddress(), router, logger)

	return &App{
		server:      server,
		sessions:    sessions,
		link:        link,
		redisClient: redisClient,
		db:          db,
		archive:     archive,
		logger:      logger,
	}, nil
}

// Run starts the telemetry dispatch loop and the HTTP server, and blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.sessions.Run(ctx)
	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	a.sessions.Disconnect()
	a.link.Close()
	if err := a.redisClient.Close(); err != nil {
		a.logger.Warn("failed to close redis", zap.Error(err))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close db", zap.Error(err))
	}
	a.archive.Close()
}
