package server

import (
	"context"

	"gpsrelay/internal/auth"
	"gpsrelay/internal/bus"
	"gpsrelay/internal/config"
	"gpsrelay/internal/db"
	"gpsrelay/internal/pointstore"
	"gpsrelay/internal/stream"
	"gpsrelay/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server is the Distribution Server: the HTTP app carrying the subscriber
// endpoint and the bus consumer feeding its hub.
type Server struct {
	App   *fiber.App
	Cfg   config.Config
	DB    *pgxpool.Pool
	Redis *redis.Client
	Hub   *stream.Hub

	handle bus.Handler
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg config.Config, pg *pgxpool.Pool, redisClient *redis.Client, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	var q db.Querier
	if pg != nil {
		q = pg
	}
	segments := tracking.NewService(q)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		App:   app,
		Cfg:   cfg,
		DB:    pg,
		Redis: redisClient,
		Hub: stream.NewHub(
			tracking.NewResolver(segments),
			segments,
			pointstore.New(redisClient),
			stream.Options{
				KeepaliveTimeout: cfg.KeepaliveTimeout,
				SendBuffer:       cfg.SendBuffer,
				LogUpdateTopic:   cfg.LogUpdateTopic,
			},
			log,
		),
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	s.handle = s.Hub.HandleMessage

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	stream.RegisterRoutes(s.ctx, s.App, s.Hub, auth.JWTMiddleware(s.Cfg.JWTSecret))
}

// Consume feeds the hub from the point and segment-update topics until ctx
// is cancelled. Every instance reads through its own consumer group so each
// one sees every event.
func (s *Server) Consume(ctx context.Context) error {
	if s.Redis == nil {
		<-ctx.Done()
		return nil
	}

	consumer := bus.NewConsumer(s.Redis, bus.ConsumerConfig{
		Topics:    []string{s.Cfg.PointTopic, s.Cfg.LogUpdateTopic},
		Group:     "points-ws-" + s.Cfg.InstanceName,
		Start:     bus.StartLatest,
		Workers:   s.Cfg.Workers,
		BatchSize: s.Cfg.BatchSize,
		Block:     s.Cfg.BlockTimeout,
	}, s.logger)
	return consumer.Run(ctx, s.handle)
}

// Shutdown closes every session and stops the HTTP app.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.App.ShutdownWithContext(ctx)
}
