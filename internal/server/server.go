// Package server assembles the echo HTTP server for the hub API.
package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/automagik/omni/internal/auth"
	"github.com/automagik/omni/internal/config"
	"github.com/automagik/omni/internal/handlers"
)

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(cfg config.APIConfig, log *slog.Logger, healthHandler *handlers.HealthHandler, instanceHandler *handlers.InstanceHandler, sendHandler *handlers.SendHandler, accessHandler *handlers.AccessHandler, traceHandler *handlers.TraceHandler, userHandler *handlers.UserHandler, webhookHandler *handlers.WebhookHandler) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "server"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency))
			return nil
		},
	}))
	if len(cfg.CORS.Origins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowCredentials: cfg.CORS.Credentials,
			AllowMethods:     cfg.CORS.Methods,
			AllowHeaders:     cfg.CORS.Headers,
		}))
	}
	// Health stays open for probes; webhooks authenticate via the
	// per-instance match, not the management key.
	e.Use(auth.APIKeyMiddleware(cfg.Key, func(c echo.Context) bool {
		path := c.Request().URL.Path
		if path == "/health" {
			return true
		}
		return strings.HasPrefix(path, "/webhook/")
	}))

	if healthHandler != nil {
		healthHandler.Register(e)
	}
	if instanceHandler != nil {
		instanceHandler.Register(e)
	}
	if sendHandler != nil {
		sendHandler.Register(e)
	}
	if accessHandler != nil {
		accessHandler.Register(e)
	}
	if traceHandler != nil {
		traceHandler.Register(e)
	}
	if userHandler != nil {
		userHandler.Register(e)
	}
	if webhookHandler != nil {
		webhookHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: cfg.Addr(),
	}
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
