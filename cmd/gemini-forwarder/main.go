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
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"gemini-forwarder/internal/client"
	"gemini-forwarder/internal/config"
	"gemini-forwarder/internal/handler"
	"gemini-forwarder/internal/metrics"
	"gemini-forwarder/internal/middleware"
	"gemini-forwarder/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// adminServer is the optional listener for /metrics and /status.
type adminServer struct {
	*echo.Echo
}

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("gemini-forwarder"),
		kong.Description("Pass-through forwarder for the Generative Language API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.NopLogger,
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			newAdminServer,
			client.NewUpstreamClient,
			service.NewForwardService,
			handler.NewForwardHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerAdminRoutes, warnConfigPermissions, startServer, startAdminServer),
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

// newMetrics returns nil when metrics are disabled; consumers treat nil as "off".
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	// ReadTimeout and WriteTimeout stay disabled: uploads and streamed
	// generations may legitimately take minutes in either direction.
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	e.Use(middleware.SecurityHeaders())

	return e
}

func newAdminServer(cfg *config.Config) *adminServer {
	if !cfg.Metrics.Enabled {
		return nil
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Use(echomw.Recover())
	return &adminServer{Echo: e}
}

func registerAdminRoutes(admin *adminServer, cfg *config.Config, health *handler.HealthHandler, m *metrics.Metrics) {
	if admin == nil {
		return
	}
	handler.RegisterAdminRoutes(admin.Echo, health, cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	appendServerHook(lc, e, cfg.Server.Addr(), logger.With("listener", "main"))
	logger.Info("forwarding configured",
		"upstream", cfg.Upstream.BaseURL,
		"prefix", handler.ForwardPrefix,
		"config", cfg.FilePath(),
	)
}

func startAdminServer(lc fx.Lifecycle, admin *adminServer, cfg *config.Config, logger *slog.Logger) {
	if admin == nil {
		return
	}
	appendServerHook(lc, admin.Echo, cfg.Metrics.Addr, logger.With("listener", "admin"))
}

// appendServerHook binds addr on start and shuts the server down gracefully on stop.
func appendServerHook(lc fx.Lifecycle, e *echo.Echo, addr string, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
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
