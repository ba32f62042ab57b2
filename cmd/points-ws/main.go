package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gpsrelay/internal/config"
	"gpsrelay/internal/db"
	"gpsrelay/internal/logging"
	"gpsrelay/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	newLogger       func(level, format, service string) (*zap.Logger, error)
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	pingRedis       func(*redis.Client) error
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, *zap.Logger, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		newLogger:       logging.NewLogger,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		pingRedis:       db.PingRedis,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()

	logger, err := deps.newLogger(cfg.LogLevel, cfg.LogFormat, "points-ws")
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return
	}

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		logger.Error("Postgres connection failed", zap.Error(err))
		return
	}

	rdb := deps.connectRedis(cfg)
	if err := deps.pingRedis(rdb); err != nil {
		logger.Error("Redis connection failed", zap.Error(err))
		if pg != nil {
			pg.Close()
		}
		return
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, logger, signals, nil); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

// Run serves subscribers and consumes the point feed until a termination
// signal arrives.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger, signals <-chan os.Signal, listen ListenFunc) error {
	srv := server.NewServer(cfg, pg, rdb, logger)

	if listen == nil {
		listen = defaultListen
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()
	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		if err := srv.Consume(ctx); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	cancel()
	<-consumeDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return runErr
}
