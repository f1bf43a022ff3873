// Package auth provides the API key middleware guarding the management API.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const headerAPIKey = "x-api-key"

// APIKeyMiddleware returns a middleware enforcing the configured API key via
// the x-api-key header. An empty configured key disables authentication.
// Comparison is constant time.
func APIKeyMiddleware(key string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			if skipper != nil && skipper(c) {
				return next(c)
			}
			presented := c.Request().Header.Get(headerAPIKey)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			return next(c)
		}
	}
}
