package handler

import (
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires the forwarding surface onto the Echo instance:
// /health, /v1beta/* and a catch-all 404. It also installs the error handler,
// since router misses are dispatched by path before falling back to 404.
func RegisterRoutes(e *echo.Echo, forward *ForwardHandler, health *HealthHandler, logger *slog.Logger) {
	dispatch := Dispatch(forward, health)

	e.Any("/health", health.Health)
	e.Any(ForwardPrefix+"*", forward.Handle)
	e.RouteNotFound("/*", dispatch)
	e.HTTPErrorHandler = NewErrorHandler(e, dispatch, logger)
}

// Dispatch routes a request by path alone. Echo's Any only covers a fixed set
// of methods, so requests with any other method (QUERY, PURGE, MKCOL, ...)
// arrive here through the not-found or method-not-allowed path.
func Dispatch(forward *ForwardHandler, health *HealthHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		switch {
		case path == "/health":
			return health.Health(c)
		case strings.HasPrefix(path, ForwardPrefix):
			return forward.Handle(c)
		default:
			return NotFound(c)
		}
	}
}

// RegisterAdminRoutes wires the admin listener: status plus an optional metrics handler.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, metricsPath string, metricsHandler echo.HandlerFunc) {
	e.GET("/status", health.Status)
	if metricsHandler != nil {
		e.GET(metricsPath, metricsHandler)
	}
}
