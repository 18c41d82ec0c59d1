package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	applogger "CoordRisk/pkg/logger"
)

// RequestLogging logs HTTP requests: 5xx at error, requests slower than slow at warn, the
// rest at debug.
func RequestLogging(l *applogger.Logger, slow time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			latency := time.Since(start)
			fields := []applogger.Field{
				applogger.String("method", c.Request().Method),
				applogger.String("route", c.Path()),
				applogger.Int("status", c.Response().Status),
				applogger.String("remote", c.RealIP()),
				applogger.Duration("duration_ms", latency),
			}
			switch {
			case c.Response().Status >= 500:
				l.Error("http request failed", append(fields, applogger.Error(err))...)
			case slow > 0 && latency >= slow:
				l.Warn("http request slow", fields...)
			default:
				l.Debug("http request", fields...)
			}
			return nil
		}
	}
}
