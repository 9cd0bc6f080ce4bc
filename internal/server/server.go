package server

import (
	"context"
	"encoding/json"
	"fmt"

	"backend-routetrack/internal/auth"
	"backend-routetrack/internal/config"
	"backend-routetrack/internal/db"
	"backend-routetrack/internal/geocode"
	"backend-routetrack/internal/route"
	"backend-routetrack/internal/source"
	"backend-routetrack/internal/stream"
	"backend-routetrack/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StateTopic is the stream topic carrying every published tracking state.
const StateTopic = "state"

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Stream   *stream.Hub
	Tracking *tracking.Controller
	// Feed is set when positions are ingested over HTTP.
	Feed *source.Feed

	log       *zap.Logger
	broadcast chan struct{}
}

func NewServer(cfg config.Config, pg *pgxpool.Pool, redisClient *redis.Client, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	src, feed, err := newSource(cfg, redisClient, log)
	if err != nil {
		return nil, err
	}

	var querier db.Querier
	if pg != nil {
		querier = pg
	}
	resolver := geocode.NewCached(
		geocode.NewNominatim(cfg.GeocoderURL, cfg.GeocoderUserAgent, cfg.GeocoderTimeout),
		redisClient, cfg.AddressCacheTTL, log,
	)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     pg,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient, log),
		Tracking: tracking.NewController(context.Background(), tracking.Options{
			Source:         src,
			Store:          route.NewStore(querier),
			Resolver:       resolver,
			MinDistanceM:   cfg.MinDistanceM,
			WriteQueueSize: cfg.WriteQueueSize,
			Log:            log,
		}),
		Feed:      feed,
		log:       log,
		broadcast: make(chan struct{}),
	}

	// The watch ends when the controller closes.
	states, _ := s.Tracking.Watch()
	go s.broadcastStates(states)

	registerRoutes(s)
	return s, nil
}

// Close stops tracking and releases the controller and the stream hub.
func (s *Server) Close() {
	s.Tracking.Stop()
	s.Tracking.Close()
	<-s.broadcast
	if err := s.Stream.Close(); err != nil {
		s.log.Warn("closing stream hub", zap.Error(err))
	}
}

func (s *Server) broadcastStates(states <-chan tracking.State) {
	defer close(s.broadcast)
	for st := range states {
		payload, err := json.Marshal(st)
		if err != nil {
			s.log.Error("encode state", zap.Error(err))
			continue
		}
		s.Stream.Broadcast(StateTopic, payload)
	}
}

func newSource(cfg config.Config, redisClient *redis.Client, log *zap.Logger) (source.Source, *source.Feed, error) {
	switch cfg.SourceKind {
	case "", "feed":
		feed := source.NewFeed()
		return feed, feed, nil
	case "redis":
		if redisClient == nil {
			return nil, nil, fmt.Errorf("redis position source needs REDIS_ADDR")
		}
		return source.NewRedisSource(redisClient, cfg.SourceRedisChannel, log), nil, nil
	case "serial":
		return source.NewSerialSource(cfg.SerialPort, cfg.SerialBaud, log), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown position source %q", cfg.SourceKind)
	}
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "tracking": s.Tracking.Current().IsTracking})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Tracking, s.Feed, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}
