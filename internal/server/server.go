package server

import (
	"backend-livetrack/internal/access"
	"backend-livetrack/internal/auth"
	"backend-livetrack/internal/config"
	"backend-livetrack/internal/logging"
	"backend-livetrack/internal/stream"
	"backend-livetrack/internal/tracking"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App     *fiber.App
	Cfg     config.Config
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Stream  *stream.Hub
	Tickets *auth.Tickets
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client) *Server {
	app := fiber.New(fiber.Config{
		AppName:     "livetrack",
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Output: logging.Writer(),
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	s := &Server{
		App:   app,
		Cfg:   cfg,
		DB:    db,
		Redis: redisClient,
		Stream: stream.NewHub(stream.Config{
			StalenessWindow: cfg.StalenessWindow,
			QueueSize:       cfg.ObserverQueueSize,
			TombstoneTTL:    cfg.TombstoneTTL,
		}, redisClient),
		Tickets: auth.NewTickets(cfg.TicketTTL),
	}
	s.Tickets.Start()

	registerRoutes(s)
	return s
}

// Close stops the hub and ticket expiry. The fiber app is shut down by the
// caller.
func (s *Server) Close() {
	s.Stream.Close()
	s.Tickets.Stop()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "rooms": s.Stream.Rooms()})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)
	tokens := auth.NewService(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), tokens, s.Tickets, s.Cfg.JWTSecret)

	participants := access.NewParticipants(s.DB)
	access.RegisterRoutes(s.App.Group("/access"), participants, jwtMiddleware)

	svc := tracking.NewService(
		tracking.NewPgStore(s.DB),
		s.Stream,
		participants,
		tracking.Options{
			ShareBaseURL:        s.Cfg.ShareBaseURL,
			PollInterval:        s.Cfg.PollInterval,
			MalformedMinSamples: s.Cfg.MalformedMinSamples,
			MalformedMaxRatio:   s.Cfg.MalformedMaxRatio,
		},
	)
	tracking.RegisterRoutes(s.App.Group("/track"), svc, auth.NewAuthenticator(tokens, s.Tickets), jwtMiddleware)
}
