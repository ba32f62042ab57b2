package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"gpsrelay/internal/bus"
	"gpsrelay/internal/config"
	"gpsrelay/internal/db"
	"gpsrelay/internal/logging"
	"gpsrelay/internal/rawdump"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// The archive has its own group so it reads the whole raw topic independently
// of the filter.
const (
	consumerGroup = "raw-point-file-dump"
	consumerName  = "raw-point-file-dump"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig   func() config.Config
	newLogger    func(level, format, service string) (*zap.Logger, error)
	connectRedis func(config.Config) *redis.Client
	pingRedis    func(*redis.Client) error
	notify       func(chan<- os.Signal, ...os.Signal)
	run          func(context.Context, config.Config, *redis.Client, *zap.Logger, <-chan os.Signal) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:   config.Load,
		newLogger:    logging.NewLogger,
		connectRedis: db.ConnectRedis,
		pingRedis:    db.PingRedis,
		notify:       signal.Notify,
		run:          Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()

	logger, err := deps.newLogger(cfg.LogLevel, cfg.LogFormat, "raw-point-file-dump")
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return
	}
	if cfg.DumpPath == "" {
		logger.Error("DUMP_PATH is required")
		return
	}

	rdb := deps.connectRedis(cfg)
	if err := deps.pingRedis(rdb); err != nil {
		logger.Error("Redis connection failed", zap.Error(err))
		return
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, rdb, logger, signals); err != nil {
		logger.Error("Raw archive exited with error", zap.Error(err))
	}
}

// Run archives raw fixes until a termination signal arrives.
func Run(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *zap.Logger, signals <-chan os.Signal) error {
	if rdb == nil {
		return errors.New("raw archive requires redis")
	}
	if cfg.DumpPath == "" {
		return errors.New("raw archive requires a dump path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	archive := rawdump.New(cfg.DumpPath, cfg.DumpIdleTTL, logger)
	consumer := bus.NewConsumer(rdb, bus.ConsumerConfig{
		Topics:    []string{cfg.RawTopic},
		Group:     consumerGroup,
		Name:      consumerName,
		Start:     bus.StartEarliest,
		Workers:   cfg.Workers,
		BatchSize: cfg.BatchSize,
		Block:     cfg.BlockTimeout,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(ctx, archive.Handle)
	}()

	var runErr error
	select {
	case <-signals:
		logger.Info("Shutting down raw archive")
		cancel()
		runErr = <-errCh
	case <-ctx.Done():
		runErr = <-errCh
	case runErr = <-errCh:
	}

	logger.Info("Closing archive files", zap.Int("open", archive.Open()))
	archive.Close()
	_ = rdb.Close()
	return runErr
}
