package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"edge-gateway/internal/auth"
	"edge-gateway/internal/client"
	"edge-gateway/internal/config"
	"edge-gateway/internal/handler"
	"edge-gateway/internal/metrics"
	"edge-gateway/internal/middleware"
	"edge-gateway/internal/ratelimit"
	"edge-gateway/internal/route"
	"edge-gateway/internal/service"
	"edge-gateway/internal/store"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("edge-gateway"),
		kong.Description("Public API gateway: routing, bearer auth and shared rate limiting for the internal services."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newCounterStore,
			newLimiter,
			newGate,
			route.NewTable,
			client.NewBackendClient,
			newProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newGatewayMiddleware,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newCounterStore opens the configured counter store and closes it on stop.
func newCounterStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (store.CounterStore, error) {
	var st store.CounterStore
	switch cfg.CounterStore.Driver {
	case "memory":
		logger.Warn("using in-process counter store; limits are not shared between replicas")
		st = store.NewMemoryStore(time.Minute)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			URL:         cfg.CounterStore.URL,
			Prefix:      cfg.CounterStore.KeyPrefix,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("counter store: %w", err)
		}
		logger.Info("connected to counter store", "driver", "redis")
		st = rs
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

func newLimiter(st store.CounterStore, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ratelimit.Limiter, error) {
	return ratelimit.New(st, cfg.RateLimit, logger, m)
}

func newGate(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*auth.Gate, error) {
	return auth.NewGate(cfg.Auth, logger, m)
}

func newProxyService(bc *client.BackendClient, cfg *config.Config, logger *slog.Logger) *service.ProxyService {
	return service.NewProxyService(bc, cfg, logger)
}

// newGatewayMiddleware builds the middleware that guards proxied routes only.
func newGatewayMiddleware(cfg *config.Config, l *ratelimit.Limiter, table *route.Table, logger *slog.Logger) handler.GatewayMiddleware {
	if !cfg.RateLimit.Enabled {
		logger.Warn("rate limiting disabled")
		return nil
	}

	keyFn := ratelimit.IPKey
	if cfg.RateLimit.KeyByRoute {
		keyFn = ratelimit.RouteKey(table)
	}
	logger.Info("rate limiter enabled",
		"window", l.Window(),
		"max_requests", l.Limit(),
		"key_by_route", cfg.RateLimit.KeyByRoute,
		"on_store_error", cfg.RateLimit.OnStoreError,
	)
	return handler.GatewayMiddleware{ratelimit.Middleware(l, keyFn, logger)}
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, table *route.Table) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so large streamed responses are not cut
	// off; the upstream timeout bounds every proxied exchange.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	switch strings.ToLower(cfg.Server.ClientIP) {
	case "xff":
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	case "real-ip":
		e.IPExtractor = echo.ExtractIPFromRealIPHeader()
	default:
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	prefixes := append(table.Prefixes(), "/healthz", "/gateway/status", cfg.Metrics.Path)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m, prefixes))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
