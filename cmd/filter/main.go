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
	"gpsrelay/internal/filter"
	"gpsrelay/internal/logging"
	"gpsrelay/internal/pointstore"
	"gpsrelay/internal/processor"
	"gpsrelay/internal/tracking"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// A single filter process consumes the raw topic. Per-key ordering across
// processes is not possible inside one group, so parallelism comes from the
// worker partitions. The fixed consumer name lets a restarted process pick up
// the entries its predecessor left pending.
const (
	consumerGroup = "filter"
	consumerName  = "filter"
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
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, *zap.Logger, <-chan os.Signal) error
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

	logger, err := deps.newLogger(cfg.LogLevel, cfg.LogFormat, "filter")
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

	if err := deps.run(context.Background(), cfg, pg, rdb, logger, signals); err != nil {
		logger.Error("Filter exited with error", zap.Error(err))
	}
}

func newProcessor(cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger) *processor.Processor {
	var q db.Querier
	if pg != nil {
		q = pg
	}
	segments := tracking.NewService(q)

	return processor.New(
		tracking.NewResolver(segments),
		segments,
		pointstore.New(rdb),
		bus.NewProducer(rdb, cfg.StreamMaxLen),
		filter.NewEngines(filter.Options{
			MinAccuracy:  cfg.MinAccuracy,
			ProcessNoise: cfg.ProcessNoise,
		}, cfg.EngineIdleTTL),
		processor.Topics{Points: cfg.PointTopic, LogUpdates: cfg.LogUpdateTopic},
		logger,
	)
}

// storeUnavailable selects the failures worth handling a fix again for.
func storeUnavailable(err error) bool {
	return errors.Is(err, db.ErrStoreUnavailable)
}

// Run consumes raw fixes until a termination signal arrives.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger, signals <-chan os.Signal) error {
	if rdb == nil {
		return errors.New("filter requires redis")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	proc := newProcessor(cfg, pg, rdb, logger)
	consumer := bus.NewConsumer(rdb, bus.ConsumerConfig{
		Topics:    []string{cfg.RawTopic},
		Group:     consumerGroup,
		Name:      consumerName,
		Start:     bus.StartEarliest,
		Workers:   cfg.Workers,
		BatchSize: cfg.BatchSize,
		Block:     cfg.BlockTimeout,
		Retryable: storeUnavailable,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(ctx, proc.Handle)
	}()

	var runErr error
	select {
	case <-signals:
		logger.Info("Shutting down filter")
		cancel()
		runErr = <-errCh
	case <-ctx.Done():
		runErr = <-errCh
	case runErr = <-errCh:
	}

	if pg != nil {
		pg.Close()
	}
	_ = rdb.Close()
	return runErr
}
