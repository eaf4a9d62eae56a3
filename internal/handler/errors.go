package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// NotFound answers every path outside /health and /v1beta/.
func NotFound(c echo.Context) error {
	return c.String(http.StatusNotFound, http.StatusText(http.StatusNotFound))
}

// NewErrorHandler returns an echo.HTTPErrorHandler that hands router misses
// (404 and 405) to fallback and leaves everything else to echo's default
// handler. A nil fallback renders the plain "Not Found" response.
func NewErrorHandler(e *echo.Echo, fallback echo.HandlerFunc, logger *slog.Logger) echo.HTTPErrorHandler {
	if fallback == nil {
		fallback = NotFound
	}
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) && (he.Code == http.StatusNotFound || he.Code == http.StatusMethodNotAllowed) {
			// Set by echo's method-not-allowed handler.
			c.Response().Header().Del(echo.HeaderAllow)
			if werr := fallback(c); werr != nil {
				logger.Error("dispatching unrouted request", "err", werr)
			}
			return
		}

		e.DefaultHTTPErrorHandler(err, c)
	}
}
