package api

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/valhalla/internal/config"
	"github.com/p-blackswan/valhalla/internal/health"
	"github.com/p-blackswan/valhalla/internal/metrics"
	"github.com/p-blackswan/valhalla/internal/requestid"
	"github.com/p-blackswan/valhalla/internal/session"
)

// ServerConfig holds configuration for the chat API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins []string
}

// ServerConfigFrom maps application config onto the server's.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		ListenAddr: cfg.ListenAddr,
		AuthConfig: AuthConfig{
			Mode:      cfg.AuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.JWTSecret,
			TokenTTL:  cfg.SessionTTL,
		},
		RateLimit:   RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
		CORSOrigins: cfg.CORSOriginList(),
	}
}

// Deps are the services the API serves.
type Deps struct {
	Sessions *session.Manager
	Store    ProjectStore
	Model    ModelGateway
	Checker  *health.Checker
	Metrics  *metrics.Metrics
}

// Server is the chat API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new chat API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	var issuer *TokenIssuer
	if cfg.AuthConfig.Mode == config.AuthJWT {
		issuer = NewTokenIssuer(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.TokenTTL)
	}

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg, issuer, deps.Metrics, logger)
	s.setupRoutes(NewHandlers(deps.Sessions, deps.Store, deps.Model, issuer, logger), deps, cfg.AuthConfig.Mode)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, issuer *TokenIssuer, m *metrics.Metrics, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.Middleware())

	if len(cfg.CORSOrigins) > 0 {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.CORSOrigins, ","),
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	if m != nil {
		s.app.Use(func(c *fiber.Ctx) error {
			err := c.Next()
			code := c.Response().StatusCode()
			if err != nil {
				code = fiber.StatusInternalServerError
				var fe *fiber.Error
				if errors.As(err, &fe) {
					code = fe.Code
				}
			}
			m.RecordHTTP(c.Method(), strconv.Itoa(code))
			return err
		})
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, issuer, logger))

	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}

		reqLog := requestid.Logger(c.UserContext(), logger)
		reqLog.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Msg("api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, deps Deps, authMode string) {
	s.app.Get("/healthz", adaptor.HTTPHandlerFunc(health.LivenessHandler()))
	if deps.Checker != nil {
		s.app.Get("/readyz", adaptor.HTTPHandlerFunc(deps.Checker.ReadinessHandler()))
	}
	if deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")

	// Sessions
	v1.Post("/sessions", h.CreateSession)
	owned := v1.Group("/sessions/:id", requireSessionOwner(authMode))
	owned.Get("", h.GetSession)
	owned.Delete("", h.EndSession)
	owned.Post("/messages", h.SendMessage)
	owned.Delete("/messages", h.ClearMessages)
	owned.Put("/project", h.SwitchProject)
	owned.Post("/save", h.SaveSession)
	owned.Post("/resume", h.ResumeSession)
	owned.Post("/health", h.RefreshHealth)

	// Projects
	v1.Get("/projects", h.ListProjects)
	v1.Get("/projects/:name", h.GetProject)
	v1.Patch("/projects/:name/status", h.UpdateProjectStatus)

	// Usage and model
	v1.Get("/usage", h.Usage)
	v1.Get("/model/stats", h.ModelStats)
	v1.Post("/model/stats/reset", h.ResetModelStats)

	v1.Get("/health", h.HealthDetail)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	s.logger.Info().Str("addr", addr).Str("auth", s.config.AuthConfig.Mode).Msg("chat API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("chat API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Str("request_id", requestid.Get(c)).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    utils.StatusMessage(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
