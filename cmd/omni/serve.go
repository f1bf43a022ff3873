package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/automagik/omni/internal/access"
	"github.com/automagik/omni/internal/agent"
	"github.com/automagik/omni/internal/channel"
	"github.com/automagik/omni/internal/channel/discord"
	"github.com/automagik/omni/internal/channel/whatsapp"
	"github.com/automagik/omni/internal/config"
	"github.com/automagik/omni/internal/db"
	"github.com/automagik/omni/internal/handlers"
	"github.com/automagik/omni/internal/identity"
	"github.com/automagik/omni/internal/logger"
	"github.com/automagik/omni/internal/router"
	"github.com/automagik/omni/internal/server"
	"github.com/automagik/omni/internal/trace"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideRegistry,
			channel.NewStore,
			provideDeliverer,
			provideAgentClient,
			access.NewStore,
			provideIdentityStore,
			trace.NewStore,
			provideTraceRecorder,
			provideTraceSweeper,
			provideRouter,
			provideInboundHandler,
			provideManager,
			handlers.NewHealthHandler,
			handlers.NewInstanceHandler,
			handlers.NewSendHandler,
			handlers.NewAccessHandler,
			handlers.NewTraceHandler,
			handlers.NewUserHandler,
			provideWebhookHandler,
			provideServer,
		),
		fx.Invoke(
			startChannelManager,
			startTraceSweeper,
			startRouter,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (*db.Conn, error) {
	conn, err := db.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := conn.Migrate(); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	log.Info("database ready", slog.String("engine", string(conn.Engine)))
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return conn.DB.Close() }})
	return conn, nil
}

func provideRegistry(log *slog.Logger) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(whatsapp.NewAdapter(log))
	registry.MustRegister(discord.NewAdapter(log))
	return registry
}

func provideDeliverer(log *slog.Logger, registry *channel.Registry) *channel.Deliverer {
	return channel.NewDeliverer(log, registry)
}

func provideAgentClient(log *slog.Logger) *agent.Client {
	return agent.NewClient(log)
}

func provideIdentityStore(log *slog.Logger, conn *db.Conn) *identity.Store {
	return identity.NewStore(log, conn)
}

func provideTraceRecorder(log *slog.Logger, store *trace.Store) *trace.Recorder {
	return trace.NewRecorder(log, store)
}

func provideTraceSweeper(log *slog.Logger, store *trace.Store, cfg config.Config) *trace.Sweeper {
	return trace.NewSweeper(log, store, cfg.Trace.RetentionDays)
}

func provideRouter(log *slog.Logger, registry *channel.Registry, deliverer *channel.Deliverer, agents *agent.Client, accessStore *access.Store, identityStore *identity.Store, recorder *trace.Recorder) *router.Router {
	return router.New(log, registry, deliverer, agents, accessStore, identityStore, recorder)
}

func provideInboundHandler(r *router.Router) channel.InboundHandler {
	return r.Handle
}

func provideManager(log *slog.Logger, registry *channel.Registry, store *channel.Store, handler channel.InboundHandler) *channel.Manager {
	mgr := channel.NewManager(log, registry, store)
	mgr.SetInboundHandler(handler)
	return mgr
}

func provideWebhookHandler(log *slog.Logger, store *channel.Store, registry *channel.Registry, handler channel.InboundHandler) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, store, registry, handler)
}

func provideServer(cfg config.Config, log *slog.Logger, healthHandler *handlers.HealthHandler, instanceHandler *handlers.InstanceHandler, sendHandler *handlers.SendHandler, accessHandler *handlers.AccessHandler, traceHandler *handlers.TraceHandler, userHandler *handlers.UserHandler, webhookHandler *handlers.WebhookHandler) *server.Server {
	return server.NewServer(cfg.API, log, healthHandler, instanceHandler, sendHandler, accessHandler, traceHandler, userHandler, webhookHandler)
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { manager.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return manager.Shutdown(stopCtx) },
	})
}

func startTraceSweeper(lc fx.Lifecycle, sweeper *trace.Sweeper) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return sweeper.Start(ctx) },
		OnStop:  func(_ context.Context) error { cancel(); sweeper.Stop(); return nil },
	})
}

func startRouter(lc fx.Lifecycle, r *router.Router) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return r.Shutdown(ctx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
