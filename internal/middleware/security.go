package middleware

import (
	"github.com/labstack/echo/v4"
)

// supplementalHeaders are added to every response unless the handler sets its own value.
var supplementalHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
}

// SecurityHeaders returns an Echo middleware that supplements responses with
// security headers. They are set before the handler runs so any value the
// handler writes (for example one relayed from upstream) replaces them.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for key, val := range supplementalHeaders {
				h.Set(key, val)
			}
			return next(c)
		}
	}
}
